package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"promptline/internal/app"
	"promptline/internal/domain"
	"promptline/internal/engine"
	"promptline/internal/events"
	"promptline/internal/repo"
)

func poolCmd() *cobra.Command {
	p := &cobra.Command{Use: "pool", Short: "Inspect the item pool"}
	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pool items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Pool.Pool()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items.Items())
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title"})
				for _, it := range items.Items() {
					tw.AppendRow(table.Row{it.ID, it.Title})
				}
				tw.Render()
				return nil
			})
		},
	})
	return p
}

func nextCmd() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Lease the next available item for a model",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				asg, err := a.Engine.NextItem(ctx, model, user)
				if errors.Is(err, engine.ErrNoneAvailable) {
					if viper.GetBool("json") {
						return printJSON(map[string]any{"available": false})
					}
					fmt.Printf("no item available for %s on %s\n", user, model)
					return nil
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"available":   true,
						"item_id":     asg.Item.ID,
						"title":       asg.Item.Title,
						"prompt":      asg.Prompt,
						"lease_token": asg.Token,
						"expires_at":  asg.ExpiresAt.Format(time.RFC3339),
					})
				}
				fmt.Printf("item %s: %s\n", asg.Item.ID, asg.Item.Title)
				fmt.Printf("lease token %s (expires %s)\n\n", asg.Token, asg.ExpiresAt.Format(time.RFC3339))
				fmt.Println(asg.Prompt)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func submitCmd() *cobra.Command {
	var model, item, title, file, text, token string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a response for a leased item",
		Long:  "Submit a response. The text comes from --text, from --file, or from stdin when --file is -.",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := currentUser()
			if err != nil {
				return err
			}
			response, err := readResponse(cmd.InOrStdin(), text, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Submit(ctx, engine.SubmissionRequest{
					Model:      model,
					ItemID:     domain.ItemID(item),
					UserID:     user,
					Title:      title,
					Response:   response,
					LeaseToken: token,
				})
				if err != nil {
					return describeRejection(err)
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("accepted %s (%d words, %d sentences, %d characters)\n", s.UUID, s.WordCount, s.SentenceCount, s.CharacterCount)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name")
	cmd.Flags().StringVar(&item, "item", "", "item id")
	cmd.Flags().StringVar(&title, "title", "", "item title (defaults to the pool title)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the response from a file (- for stdin)")
	cmd.Flags().StringVar(&text, "text", "", "response text")
	cmd.Flags().StringVar(&token, "token", "", "lease token")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func readResponse(stdin io.Reader, text, file string) (string, error) {
	switch {
	case text != "" && file != "":
		return "", fmt.Errorf("use either --text or --file")
	case text != "":
		return text, nil
	case file == "-":
		b, err := io.ReadAll(stdin)
		return string(b), err
	case file != "":
		b, err := os.ReadFile(file)
		return string(b), err
	}
	return "", fmt.Errorf("--text or --file required")
}

func describeRejection(err error) error {
	var dup engine.DuplicateError
	if errors.As(err, &dup) {
		return fmt.Errorf("duplicate or similar response detected (%.0f%% similar to %s submission %s)", dup.Ratio*100, dup.Model, dup.UUID)
	}
	var verr engine.ValidationError
	if errors.As(err, &verr) {
		return fmt.Errorf("invalid submission: %w", verr)
	}
	return err
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Inspect lease ledgers"}
	var state string
	list := &cobra.Command{
		Use:   "list <model>",
		Short: "List a model's leases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				leases, err := a.Engine.Leases(ctx, args[0])
				if err != nil {
					return err
				}
				if state != "" {
					filtered := leases[:0]
					for _, l := range leases {
						if string(l.State) == state {
							filtered = append(filtered, l)
						}
					}
					leases = filtered
				}
				if viper.GetBool("json") {
					return printJSON(leases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Item", "User", "State", "Granted", "Expires"})
				for _, l := range leases {
					tw.AppendRow(table.Row{l.ItemID, l.Username, l.State, l.GrantedAt().Format(time.RFC3339), l.ExpiresAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "state filter (active, expired, fulfilled)")
	l.AddCommand(list)
	return l
}

func reclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Drop expired unfulfilled leases from every ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.Reclaim(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Model", "Removed", "Error"})
				for _, m := range a.Config.Models {
					tw.AppendRow(table.Row{m, rep.Removed[m], rep.Failed[m]})
				}
				tw.AppendFooter(table.Row{"total", rep.Total(), ""})
				tw.Render()
				if len(rep.Failed) > 0 {
					return fmt.Errorf("reclaim failed for %s", strings.Join(slices.Sorted(maps.Keys(rep.Failed)), ", "))
				}
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Repo.LatestEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Model", "Entity", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Model, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter (e.g. "+events.SubmissionAccepted+")")
	cmd.Flags().StringVar(&f.Model, "model", "", "model filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	return cmd
}
