// Package report aggregates the submission logs into dashboards, per-user
// receipts and raw exports.
package report

import (
	"context"
	"errors"
	"io"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"promptline/internal/domain"
)

// ActivityDays is the width of the daily activity window.
const ActivityDays = 30

var ErrUnknownModel = errors.New("unknown model")

// Store is the read side of the submission logs.
type Store interface {
	Each(ctx context.Context, models []string, fn func(domain.Submission) error) error
	CopyTo(ctx context.Context, model string, w io.Writer) (int64, error)
}

type Service struct {
	Store  Store
	Models []string
	Now    func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type ModelTotal struct {
	Model string `json:"model"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

type Contributor struct {
	Username string         `json:"username"`
	Counts   map[string]int `json:"counts"`
	Total    int            `json:"total"`
}

type DailyActivity struct {
	Username string `json:"username"`
	Counts   []int  `json:"counts"`
}

type Summary struct {
	GeneratedAt  time.Time       `json:"generated_at"`
	Total        int             `json:"total"`
	Models       []ModelTotal    `json:"models"`
	Contributors []Contributor   `json:"contributors"`
	Dates        []string        `json:"dates"`
	Daily        []DailyActivity `json:"daily"`
}

// Label renders a model key for display: "gemini_flash" becomes "Gemini Flash".
func Label(model string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(model, "_", " "))
}

// Summary counts submissions per model and per user, ranks contributors by
// total, and bins the last ActivityDays days (UTC) per user, oldest first.
func (s Service) Summary(ctx context.Context) (Summary, error) {
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	perModel := make(map[string]int, len(s.Models))
	users := map[string]*Contributor{}
	daily := map[string][]int{}
	err := s.Store.Each(ctx, s.Models, func(sub domain.Submission) error {
		perModel[sub.Model]++
		c, ok := users[sub.Username]
		if !ok {
			c = &Contributor{Username: sub.Username, Counts: map[string]int{}}
			users[sub.Username] = c
		}
		c.Counts[sub.Model]++
		c.Total++

		ts, err := sub.Time()
		if err != nil {
			return nil
		}
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		age := int(today.Sub(day).Hours() / 24)
		if age < 0 || age >= ActivityDays {
			return nil
		}
		counts, ok := daily[sub.Username]
		if !ok {
			counts = make([]int, ActivityDays)
			daily[sub.Username] = counts
		}
		counts[ActivityDays-1-age]++
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	out := Summary{GeneratedAt: now}
	for _, m := range s.Models {
		out.Models = append(out.Models, ModelTotal{Model: m, Label: Label(m), Count: perModel[m]})
		out.Total += perModel[m]
	}
	for _, c := range users {
		out.Contributors = append(out.Contributors, *c)
	}
	sort.Slice(out.Contributors, func(i, j int) bool {
		a, b := out.Contributors[i], out.Contributors[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.Username < b.Username
	})
	for i := ActivityDays - 1; i >= 0; i-- {
		out.Dates = append(out.Dates, today.AddDate(0, 0, -i).Format(time.DateOnly))
	}
	names := make([]string, 0, len(daily))
	for name := range daily {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		out.Daily = append(out.Daily, DailyActivity{Username: name, Counts: daily[name]})
	}
	return out, nil
}

// UserCounts returns how many submissions username has per model.
func (s Service) UserCounts(ctx context.Context, username string) ([]ModelTotal, error) {
	counts := map[string]int{}
	err := s.Store.Each(ctx, s.Models, func(sub domain.Submission) error {
		if sub.Username == username {
			counts[sub.Model]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]ModelTotal, 0, len(s.Models))
	for _, m := range s.Models {
		out = append(out, ModelTotal{Model: m, Label: Label(m), Count: counts[m]})
	}
	return out, nil
}

type Party struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
}

type LineItem struct {
	Model       string  `json:"model"`
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
}

type Receipt struct {
	Number   string     `json:"number"`
	Date     string     `json:"date"`
	From     Party      `json:"from"`
	To       Party      `json:"to"`
	Currency string     `json:"currency"`
	Items    []LineItem `json:"items"`
	Total    float64    `json:"total"`
}

type ReceiptOptions struct {
	PricePerItem float64
	Currency     string
	Issuer       Party
}

// Receipt bills username for every accepted submission, one line per model
// with a non-zero count.
func (s Service) Receipt(ctx context.Context, username string, opts ReceiptOptions) (Receipt, error) {
	counts, err := s.UserCounts(ctx, username)
	if err != nil {
		return Receipt{}, err
	}
	r := Receipt{
		Number:   "RCPT-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]),
		Date:     s.now().UTC().Format(time.DateOnly),
		From:     opts.Issuer,
		To:       Party{Name: username},
		Currency: opts.Currency,
		Items:    []LineItem{},
	}
	for _, c := range counts {
		if c.Count == 0 {
			continue
		}
		amount := roundCents(float64(c.Count) * opts.PricePerItem)
		r.Items = append(r.Items, LineItem{
			Model:       c.Model,
			Description: c.Label + " abstracts",
			Quantity:    c.Count,
			UnitPrice:   opts.PricePerItem,
			Amount:      amount,
		})
		r.Total += amount
	}
	r.Total = roundCents(r.Total)
	return r, nil
}

// Export copies model's raw submission log to w.
func (s Service) Export(ctx context.Context, model string, w io.Writer) (int64, error) {
	if !slices.Contains(s.Models, model) {
		return 0, ErrUnknownModel
	}
	return s.Store.CopyTo(ctx, model, w)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
