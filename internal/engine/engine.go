package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"promptline/internal/config"
	"promptline/internal/domain"
	"promptline/internal/events"
	"promptline/internal/ledger"
	"promptline/internal/logging"
	"promptline/internal/metrics"
	"promptline/internal/pool"
	"promptline/internal/submissions"
	"promptline/internal/textcheck"
)

var (
	// ErrNoneAvailable signals that the pool is exhausted for this user and model.
	ErrNoneAvailable = errors.New("no item available")
	ErrUnknownModel  = errors.New("unknown model")

	errNotInitialized = errors.New("engine not initialized: construct it with New")
)

// ValidationError rejects a request before it reaches the ledger.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// DuplicateError rejects a response too similar to one already stored.
type DuplicateError struct {
	Model  string
	ItemID domain.ItemID
	UUID   string
	Ratio  float64
	Diff   textcheck.Diff
}

func (e DuplicateError) Error() string {
	return fmt.Sprintf("duplicate or similar response (%.2f similar to %s submission %s)", e.Ratio, e.Model, e.UUID)
}

// Engine serves leases and submissions. Build it with New; a zero Engine or a
// struct literal cannot accept submissions.
type Engine struct {
	Ledger      *ledger.Ledger
	Pool        *pool.Loader
	Submissions *submissions.Log
	Events      events.Writer
	Config      *config.Config
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
	NewToken    func() string

	submitMu *sync.Mutex
}

// New wires an engine over the ledger and submission directories named by
// cfg. db may be nil, which disables the audit log.
func New(cfg *config.Config, db *sql.DB, logger *zap.Logger, m *metrics.Metrics) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	logger = logging.OrNop(logger)
	l, err := ledger.New(cfg.LedgerDir(),
		ledger.WithLockWait(cfg.LockWait()),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithWaitObserver(m.ObserveLockWait))
	if err != nil {
		return Engine{}, err
	}
	subs, err := submissions.New(cfg.ResponsesDir(),
		submissions.WithLockWait(cfg.LockWait()),
		submissions.WithLogger(logger.Named("submissions")))
	if err != nil {
		return Engine{}, err
	}
	e := Engine{
		Ledger:      l,
		Pool:        pool.NewLoader(cfg.Pool.Path),
		Submissions: subs,
		Events:      events.Writer{DB: db},
		Config:      cfg,
		Metrics:     m,
		Logger:      logger,
		Now:         time.Now,
		submitMu:    &sync.Mutex{},
	}
	return e, nil
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Logger)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newToken() string {
	if e.NewToken != nil {
		return e.NewToken()
	}
	return uuid.NewString()
}

func (e Engine) checkModel(model string) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	if !e.Config.HasModel(model) {
		return fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return nil
}

func checkUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ValidationError{Field: "user_id", Reason: "user id is required"}
	}
	return userID, nil
}

// LeaseState classifies a ledger entry at a point in time.
type LeaseState string

const (
	LeaseActive    LeaseState = "active"
	LeaseExpired   LeaseState = "expired"
	LeaseFulfilled LeaseState = "fulfilled"
)

type LeaseView struct {
	domain.Lease
	State     LeaseState `json:"state"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Leases lists model's ledger entries with their current state.
func (e Engine) Leases(ctx context.Context, model string) ([]LeaseView, error) {
	if err := e.checkModel(model); err != nil {
		return nil, err
	}
	leases, err := e.Ledger.Scan(ctx, model)
	if err != nil {
		return nil, err
	}
	now := e.now()
	timeout := e.Config.LeaseTimeout()
	out := make([]LeaseView, 0, len(leases))
	for _, l := range leases {
		v := LeaseView{Lease: l, ExpiresAt: l.ExpiresAt(timeout), State: LeaseExpired}
		switch {
		case l.Submitted:
			v.State = LeaseFulfilled
		case l.Active(now, timeout):
			v.State = LeaseActive
		}
		out = append(out, v)
	}
	return out, nil
}

func (e Engine) audit(ctx context.Context, evtType, model, entityKind, entityID, actorID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, model, entityKind, entityID, actorID, payload); err != nil {
		e.log().Warn("append audit event", zap.String("type", evtType), zap.Error(err))
	}
}
