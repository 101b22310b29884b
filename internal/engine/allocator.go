package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"promptline/internal/domain"
	"promptline/internal/events"
	"promptline/internal/ledger"
	"promptline/internal/pool"
)

// Assignment is a granted lease together with the item it covers.
type Assignment struct {
	Item      domain.Item
	Lease     domain.Lease
	Token     string
	ExpiresAt time.Time
	Prompt    string
}

// NextItem grants userID a lease on the first pool item that has no active
// lease under model and that userID has not already completed. The scan and
// the append happen under the partition lock, so two concurrent callers can
// never both lease the same item. It returns ErrNoneAvailable, with nothing
// written, when no such item exists.
func (e Engine) NextItem(ctx context.Context, model, userID string) (Assignment, error) {
	if err := e.checkModel(model); err != nil {
		return Assignment{}, err
	}
	userID, err := checkUser(userID)
	if err != nil {
		return Assignment{}, err
	}
	p, err := e.Pool.Pool()
	if err != nil {
		e.log().Error("item pool unavailable", zap.String("model", model), zap.Error(err))
		return Assignment{}, err
	}

	timeout := e.Config.LeaseTimeout()
	var out Assignment
	err = e.Ledger.Update(ctx, model, func(tx *ledger.Tx) error {
		now := e.now().UTC()
		item, ok := pick(p, tx.Leases(), userID, now, timeout)
		if !ok {
			return ErrNoneAvailable
		}
		lease := domain.Lease{
			Username:   userID,
			Model:      model,
			ItemID:     item.ID,
			AssignedAt: now.Unix(),
			Token:      e.newToken(),
		}
		if err := tx.Append(lease); err != nil {
			return err
		}
		out = Assignment{
			Item:      item,
			Lease:     lease,
			Token:     lease.Token,
			ExpiresAt: lease.ExpiresAt(timeout),
			Prompt:    pool.Prompt(item),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoneAvailable) {
			e.Metrics.Exhausted(model)
		}
		return Assignment{}, err
	}

	e.Metrics.LeaseGranted(model)
	e.audit(ctx, events.LeaseGranted, model, events.EntityLease, string(out.Item.ID), userID, events.EventPayload{
		"lease_token": out.Token,
		"expires_at":  out.ExpiresAt.Format(time.RFC3339),
	})
	e.log().Debug("lease granted",
		zap.String("model", model),
		zap.String("user", userID),
		zap.String("item", string(out.Item.ID)))
	return out, nil
}

// pick walks the pool in order and returns the first item that is neither
// actively leased nor already completed by userID.
func pick(p *pool.Pool, leases []domain.Lease, userID string, now time.Time, timeout time.Duration) (domain.Item, bool) {
	active := make(map[domain.ItemID]bool)
	done := make(map[domain.ItemID]bool)
	for _, l := range leases {
		if l.Active(now, timeout) {
			active[l.ItemID] = true
		}
		if l.Submitted && l.Username == userID {
			done[l.ItemID] = true
		}
	}
	for _, item := range p.Items() {
		if active[item.ID] || done[item.ID] {
			continue
		}
		return item, true
	}
	return domain.Item{}, false
}
