package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"promptline/internal/app"
	"promptline/internal/report"
)

func statsCmd() *cobra.Command {
	var daily bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show submission totals per model and contributor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Reports.Summary(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				renderSummary(os.Stdout, sum, daily)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&daily, "daily", false, fmt.Sprintf("include per-user activity for the last %d days", report.ActivityDays))
	return cmd
}

func renderSummary(w io.Writer, sum report.Summary, daily bool) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	header := table.Row{"Contributor"}
	for _, m := range sum.Models {
		header = append(header, m.Label)
	}
	tw.AppendHeader(append(header, "Total"))
	for _, c := range sum.Contributors {
		row := table.Row{c.Username}
		for _, m := range sum.Models {
			row = append(row, c.Counts[m.Model])
		}
		tw.AppendRow(append(row, c.Total))
	}
	footer := table.Row{"all"}
	for _, m := range sum.Models {
		footer = append(footer, m.Count)
	}
	tw.AppendFooter(append(footer, sum.Total))
	tw.Render()

	if !daily || len(sum.Daily) == 0 {
		return
	}
	fmt.Fprintf(w, "\nactivity %s .. %s\n", sum.Dates[0], sum.Dates[len(sum.Dates)-1])
	act := table.NewWriter()
	act.SetOutputMirror(w)
	act.AppendHeader(table.Row{"Contributor", "Per day (oldest first)"})
	for _, d := range sum.Daily {
		cells := make([]string, len(d.Counts))
		for i, n := range d.Counts {
			cells[i] = fmt.Sprint(n)
		}
		act.AppendRow(table.Row{d.Username, strings.Join(cells, " ")})
	}
	act.Render()
}

func receiptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receipt <username>",
		Short: "Bill a contributor for their accepted submissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Reports.Receipt(ctx, args[0], a.ReceiptOptions())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("%s  %s\nfrom %s  to %s\n", r.Number, r.Date, r.From.Name, r.To.Name)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Description", "Qty", "Unit", "Amount"})
				for _, it := range r.Items {
					tw.AppendRow(table.Row{it.Description, it.Quantity, fmt.Sprintf("%.2f", it.UnitPrice), fmt.Sprintf("%.2f", it.Amount)})
				}
				tw.AppendFooter(table.Row{"", "", "Total", fmt.Sprintf("%.2f %s", r.Total, r.Currency)})
				tw.Render()
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <model>",
		Short: "Write a model's raw submission log as JSONL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var w io.Writer = cmd.OutOrStdout()
				if out != "" && out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				n, err := a.Reports.Export(ctx, args[0], w)
				if err != nil {
					return err
				}
				if out != "" && out != "-" {
					fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", n, out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}
