// Package ledger stores lease records, one append-only JSONL partition per
// model. Every mutation of a partition runs under that partition's file lock;
// partitions never share locks.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"promptline/internal/domain"
	"promptline/internal/jsonl"
)

const DefaultLockWait = 2 * time.Second

var (
	ErrLedgerBusy    = errors.New("ledger partition busy")
	ErrLeaseNotFound = errors.New("lease not found")
)

type Ledger struct {
	dir         string
	lockWait    time.Duration
	logger      *zap.Logger
	observeWait func(model string, waited time.Duration)
	rewrite     func(path string, leases []domain.Lease) error
}

type Option func(*Ledger)

// WithLockWait bounds how long an operation waits for the partition lock
// before failing with ErrLedgerBusy.
func WithLockWait(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.lockWait = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithWaitObserver registers a callback receiving each lock acquisition time.
func WithWaitObserver(fn func(model string, waited time.Duration)) Option {
	return func(l *Ledger) { l.observeWait = fn }
}

// WithRewriter replaces the atomic partition rewrite used by compaction and
// MarkFulfilled. fn must leave path untouched when it fails.
func WithRewriter(fn func(path string, leases []domain.Lease) error) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.rewrite = fn
		}
	}
}

// New opens (creating if needed) a ledger rooted at dir.
func New(dir string, opts ...Option) (*Ledger, error) {
	if dir == "" {
		return nil, errors.New("ledger directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	l := &Ledger{
		dir:      dir,
		lockWait: DefaultLockWait,
		logger:   zap.NewNop(),
		rewrite:  jsonl.Rewrite[domain.Lease],
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the partition file for model.
func (l *Ledger) Path(model string) string {
	return filepath.Join(l.dir, model+".jsonl")
}

// Tx is a locked view of one partition handed to Update callbacks. It is only
// valid inside the callback.
type Tx struct {
	model   string
	path    string
	leases  []domain.Lease
	rewrite func(path string, leases []domain.Lease) error
}

func (tx *Tx) Model() string { return tx.model }

// Leases returns a copy of the partition's entries in file order.
func (tx *Tx) Leases() []domain.Lease {
	out := make([]domain.Lease, len(tx.leases))
	copy(out, tx.leases)
	return out
}

// Append durably appends one entry.
func (tx *Tx) Append(lease domain.Lease) error {
	if lease.Model == "" {
		lease.Model = tx.model
	}
	if lease.Model != tx.model {
		return fmt.Errorf("lease for model %s appended to partition %s", lease.Model, tx.model)
	}
	if err := jsonl.Append(tx.path, lease); err != nil {
		return err
	}
	tx.leases = append(tx.leases, lease)
	return nil
}

// Replace atomically rewrites the partition with leases.
func (tx *Tx) Replace(leases []domain.Lease) error {
	if err := tx.rewrite(tx.path, leases); err != nil {
		return err
	}
	tx.leases = append([]domain.Lease(nil), leases...)
	return nil
}

// Update runs fn while holding the exclusive lock for model's partition. The
// entries fn sees are read after the lock is taken.
func (l *Ledger) Update(ctx context.Context, model string, fn func(*Tx) error) error {
	if err := jsonl.CheckName(model); err != nil {
		return err
	}
	unlock, err := l.lock(ctx, model, false)
	if err != nil {
		return err
	}
	defer l.release(model, unlock)

	leases, err := l.read(model)
	if err != nil {
		return err
	}
	return fn(&Tx{model: model, path: l.Path(model), leases: leases, rewrite: l.rewrite})
}

// Append records a single lease.
func (l *Ledger) Append(ctx context.Context, lease domain.Lease) error {
	return l.Update(ctx, lease.Model, func(tx *Tx) error {
		return tx.Append(lease)
	})
}

// Scan materializes every entry of model's partition in file order.
func (l *Ledger) Scan(ctx context.Context, model string) ([]domain.Lease, error) {
	if err := jsonl.CheckName(model); err != nil {
		return nil, err
	}
	unlock, err := l.lock(ctx, model, true)
	if err != nil {
		return nil, err
	}
	defer l.release(model, unlock)
	return l.read(model)
}

// MarkFulfilled flips the submitted flag of the entry matching the given
// grant and rewrites the partition. See Match for the matching rule.
func (l *Ledger) MarkFulfilled(ctx context.Context, model string, itemID domain.ItemID, userID, token string) (domain.Lease, error) {
	var marked domain.Lease
	err := l.Update(ctx, model, func(tx *Tx) error {
		leases := tx.Leases()
		idx := Match(leases, itemID, userID, token)
		if idx < 0 {
			return fmt.Errorf("%w: model=%s item=%s user=%s", ErrLeaseNotFound, model, itemID, userID)
		}
		leases[idx].Submitted = true
		marked = leases[idx]
		return tx.Replace(leases)
	})
	return marked, err
}

// Compact drops every entry for which drop returns true and returns the
// dropped entries. Nothing is rewritten when no entry matches, so compacting
// twice with the same predicate equals compacting once.
func (l *Ledger) Compact(ctx context.Context, model string, drop func(domain.Lease) bool) ([]domain.Lease, error) {
	var removed []domain.Lease
	err := l.Update(ctx, model, func(tx *Tx) error {
		var kept []domain.Lease
		for _, lease := range tx.leases {
			if drop(lease) {
				removed = append(removed, lease)
				continue
			}
			kept = append(kept, lease)
		}
		if len(removed) == 0 {
			return nil
		}
		return tx.Replace(kept)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Match returns the index of the unfulfilled entry a submission refers to, or
// -1. A token identifies one exact grant; without a usable token the most
// recent unfulfilled entry for (item, user) is used.
func Match(leases []domain.Lease, itemID domain.ItemID, userID, token string) int {
	if token != "" {
		for i, lease := range leases {
			if lease.Token == token && lease.ItemID == itemID && lease.Username == userID && !lease.Submitted {
				return i
			}
		}
	}
	for i := len(leases) - 1; i >= 0; i-- {
		lease := leases[i]
		if lease.ItemID == itemID && lease.Username == userID && !lease.Submitted {
			return i
		}
	}
	return -1
}

func (l *Ledger) read(model string) ([]domain.Lease, error) {
	var leases []domain.Lease
	err := jsonl.Each(l.Path(model), func(lineNo int, line []byte) error {
		var lease domain.Lease
		if err := json.Unmarshal(line, &lease); err != nil {
			l.logger.Warn("skipping malformed ledger line",
				zap.String("model", model),
				zap.Int("line", lineNo),
				zap.Error(err))
			return nil
		}
		leases = append(leases, lease)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", model, err)
	}
	return leases, nil
}

func (l *Ledger) lock(ctx context.Context, model string, shared bool) (jsonl.Unlock, error) {
	start := time.Now()
	unlock, err := jsonl.Lock(ctx, l.Path(model), l.lockWait, shared)
	if l.observeWait != nil {
		l.observeWait(model, time.Since(start))
	}
	if err != nil {
		if errors.Is(err, jsonl.ErrBusy) {
			return nil, fmt.Errorf("%w: %s: %w", ErrLedgerBusy, model, err)
		}
		return nil, err
	}
	return unlock, nil
}

func (l *Ledger) release(model string, unlock jsonl.Unlock) {
	if err := unlock(); err != nil {
		l.logger.Warn("release ledger lock", zap.String("model", model), zap.Error(err))
	}
}
