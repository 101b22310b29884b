package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"promptline/internal/metrics"
)

// requestLogger logs one line per request and feeds the request histogram.
func requestLogger(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.ObserveRequest(r.Method, strconv.Itoa(status), elapsed)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			switch {
			case status >= http.StatusInternalServerError:
				logger.Error("request", fields...)
			case status >= http.StatusBadRequest:
				logger.Warn("request", fields...)
			default:
				logger.Info("request", fields...)
			}
		})
	}
}

// userLimiter hands out one token bucket per user. A nil limiter allows
// everything.
type userLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *xsync.Map[string, *rate.Limiter]
}

func newUserLimiter(perMinute int) *userLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &userLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		limiters: xsync.NewMap[string, *rate.Limiter](),
	}
}

func (l *userLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	lim, ok := l.limiters.Load(userID)
	if !ok {
		lim, _ = l.limiters.LoadOrStore(userID, rate.NewLimiter(l.limit, l.burst))
	}
	return lim.Allow()
}

// retryAfter estimates how long userID must wait for the next token.
func (l *userLimiter) retryAfter(userID string) time.Duration {
	if l == nil {
		return 0
	}
	lim, ok := l.limiters.Load(userID)
	if !ok {
		return 0
	}
	r := lim.Reserve()
	defer r.Cancel()
	return r.Delay()
}
