package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"promptline/internal/domain"
	"promptline/internal/events"
)

// ReclaimReport summarizes one reclaim pass.
type ReclaimReport struct {
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration_ns"`
	Removed   map[string]int    `json:"removed"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Total is the number of entries removed across all models.
func (r ReclaimReport) Total() int {
	n := 0
	for _, c := range r.Removed {
		n += c
	}
	return n
}

// Reclaim drops every unfulfilled lease older than the lease timeout from
// each model's partition. Fulfilled entries are always kept. A partition that
// fails is reported and left as it was; the remaining partitions still run.
func (e Engine) Reclaim(ctx context.Context) (ReclaimReport, error) {
	if e.Config == nil {
		return ReclaimReport{}, errors.New("config not loaded")
	}
	start := e.now()
	report := ReclaimReport{StartedAt: start.UTC(), Removed: map[string]int{}}
	timeout := e.Config.LeaseTimeout()

	var errs []error
	for _, model := range e.Config.Models {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		now := e.now()
		removed, err := e.Ledger.Compact(ctx, model, func(l domain.Lease) bool {
			return l.Expired(now, timeout)
		})
		if err != nil {
			if report.Failed == nil {
				report.Failed = map[string]string{}
			}
			report.Failed[model] = err.Error()
			errs = append(errs, fmt.Errorf("reclaim %s: %w", model, err))
			e.Metrics.ReclaimFailed(model)
			e.log().Warn("reclaim partition failed", zap.String("model", model), zap.Error(err))
			continue
		}
		report.Removed[model] = len(removed)
		e.Metrics.Reclaimed(model, len(removed))
		for _, l := range removed {
			e.audit(ctx, events.LeaseReclaimed, model, events.EntityLease, string(l.ItemID), events.SystemActor, events.EventPayload{
				"username":    l.Username,
				"assigned_at": l.AssignedAt,
			})
		}
	}
	report.Duration = e.now().Sub(start)
	e.Metrics.ReclaimPass()
	e.log().Info("reclaim pass finished",
		zap.Int("removed", report.Total()),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("duration", report.Duration))
	return report, errors.Join(errs...)
}
