// Package submissions stores accepted responses, one append-only JSONL file
// per model. Records are never rewritten.
package submissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"promptline/internal/domain"
	"promptline/internal/jsonl"
)

var ErrLogBusy = errors.New("submission log busy")

type Log struct {
	dir      string
	lockWait time.Duration
	logger   *zap.Logger
}

type Option func(*Log)

func WithLockWait(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.lockWait = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(dir string, opts ...Option) (*Log, error) {
	if dir == "" {
		return nil, errors.New("submissions directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create submissions directory: %w", err)
	}
	l := &Log{dir: dir, lockWait: 2 * time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Log) Path(model string) string {
	return filepath.Join(l.dir, model+".jsonl")
}

// Append durably writes one submission to its model's log.
func (l *Log) Append(ctx context.Context, s domain.Submission) error {
	if err := jsonl.CheckName(s.Model); err != nil {
		return err
	}
	unlock, err := l.lock(ctx, s.Model, false)
	if err != nil {
		return err
	}
	defer l.release(s.Model, unlock)
	return jsonl.Append(l.Path(s.Model), s)
}

// Scan returns every submission recorded for model in file order.
func (l *Log) Scan(ctx context.Context, model string) ([]domain.Submission, error) {
	var out []domain.Submission
	err := l.Each(ctx, []string{model}, func(s domain.Submission) error {
		out = append(out, s)
		return nil
	})
	return out, err
}

// Each streams the submissions of each model in turn. Lines that fail to
// decode are logged and skipped.
func (l *Log) Each(ctx context.Context, models []string, fn func(domain.Submission) error) error {
	for _, model := range models {
		if err := l.each(ctx, model, fn); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) each(ctx context.Context, model string, fn func(domain.Submission) error) error {
	if err := jsonl.CheckName(model); err != nil {
		return err
	}
	unlock, err := l.lock(ctx, model, true)
	if err != nil {
		return err
	}
	defer l.release(model, unlock)

	return jsonl.Each(l.Path(model), func(lineNo int, line []byte) error {
		var s domain.Submission
		if err := json.Unmarshal(line, &s); err != nil {
			l.logger.Warn("skipping malformed submission line",
				zap.String("model", model),
				zap.Int("line", lineNo),
				zap.Error(err))
			return nil
		}
		if s.Model == "" {
			s.Model = model
		}
		return fn(s)
	})
}

// CopyTo writes model's raw log to w and returns the byte count. A model with
// no submissions copies nothing.
func (l *Log) CopyTo(ctx context.Context, model string, w io.Writer) (int64, error) {
	if err := jsonl.CheckName(model); err != nil {
		return 0, err
	}
	unlock, err := l.lock(ctx, model, true)
	if err != nil {
		return 0, err
	}
	defer l.release(model, unlock)

	f, err := os.Open(l.Path(model))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open submissions %s: %w", model, err)
	}
	defer f.Close()
	return io.Copy(w, f)
}

func (l *Log) lock(ctx context.Context, model string, shared bool) (jsonl.Unlock, error) {
	unlock, err := jsonl.Lock(ctx, l.Path(model), l.lockWait, shared)
	if err != nil {
		if errors.Is(err, jsonl.ErrBusy) {
			return nil, fmt.Errorf("%w: %s: %w", ErrLogBusy, model, err)
		}
		return nil, err
	}
	return unlock, nil
}

func (l *Log) release(model string, unlock jsonl.Unlock) {
	if err := unlock(); err != nil {
		l.logger.Warn("release submissions lock", zap.String("model", model), zap.Error(err))
	}
}
