package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"promptline/internal/config"
	"promptline/internal/db"
	"promptline/internal/domain"
	"promptline/internal/engine"
	"promptline/internal/ledger"
	"promptline/internal/migrate"
	"promptline/internal/pool"
	"promptline/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Repo   repo.Repo
	Ctx    context.Context
}

var titles = map[string]string{"A": "Alpha topic", "B": "Beta topic", "C": "Gamma topic"}

func newTestEnv(t *testing.T, ids ...string) testEnv {
	t.Helper()
	dir := t.TempDir()
	if len(ids) == 0 {
		ids = []string{"A", "B", "C"}
	}
	var lines []string
	for _, id := range ids {
		title, ok := titles[id]
		if !ok {
			title = "Topic " + id
		}
		lines = append(lines, fmt.Sprintf(`{"id":%q,"title":%q}`, id, title))
	}
	poolPath := filepath.Join(dir, "inputs", "input.jsonl")
	if err := os.MkdirAll(filepath.Dir(poolPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(poolPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write pool: %v", err)
	}

	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Models = []string{"x", "y"}
	cfg.Resolve(dir)
	cfg.Lease.LockWaitMS = 5000

	eng, err := engine.New(cfg, conn, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clk.Now
	return testEnv{Engine: eng, Clock: clk, Repo: repo.Repo{DB: conn}, Ctx: context.Background()}
}

// answer builds a valid response for item id whose body repeats word.
func answer(id, word string) string {
	return titles[id] + "\n" + strings.Repeat(word+" ", 60)
}

func mustNext(t *testing.T, env testEnv, model, user string) engine.Assignment {
	t.Helper()
	a, err := env.Engine.NextItem(env.Ctx, model, user)
	if err != nil {
		t.Fatalf("next item for %s: %v", user, err)
	}
	return a
}

func TestLeaseScenarioReclaimsExpiredItem(t *testing.T) {
	env := newTestEnv(t)

	a1 := mustNext(t, env, "x", "u1")
	if a1.Item.ID != "A" {
		t.Fatalf("u1 expected A, got %s", a1.Item.ID)
	}
	env.Clock.Advance(time.Minute)
	a2 := mustNext(t, env, "x", "u2")
	if a2.Item.ID != "B" {
		t.Fatalf("u2 expected B, got %s", a2.Item.ID)
	}
	if a1.Token == "" || a1.Token == a2.Token {
		t.Fatalf("expected distinct tokens, got %q and %q", a1.Token, a2.Token)
	}
	if !strings.Contains(a1.Prompt, titles["A"]) {
		t.Fatalf("prompt missing title: %s", a1.Prompt)
	}

	// A's lease expires; B still has a minute left.
	env.Clock.Advance(env.Engine.Config.LeaseTimeout() - time.Minute)
	report, err := env.Engine.Reclaim(env.Ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if report.Removed["x"] != 1 || report.Total() != 1 {
		t.Fatalf("expected one reclaimed lease, got %+v", report.Removed)
	}

	a3 := mustNext(t, env, "x", "u3")
	if a3.Item.ID != "A" {
		t.Fatalf("u3 expected reclaimed A, got %s", a3.Item.ID)
	}
	a4 := mustNext(t, env, "x", "u4")
	if a4.Item.ID != "C" {
		t.Fatalf("u4 expected C (B still active), got %s", a4.Item.ID)
	}
	if _, err := env.Engine.NextItem(env.Ctx, "x", "u5"); !errors.Is(err, engine.ErrNoneAvailable) {
		t.Fatalf("expected ErrNoneAvailable, got %v", err)
	}
}

func TestNoneAvailableWritesNothing(t *testing.T) {
	env := newTestEnv(t, "A")
	mustNext(t, env, "x", "u1")
	before, _ := env.Engine.Ledger.Scan(env.Ctx, "x")
	if _, err := env.Engine.NextItem(env.Ctx, "x", "u2"); !errors.Is(err, engine.ErrNoneAvailable) {
		t.Fatalf("expected ErrNoneAvailable, got %v", err)
	}
	after, _ := env.Engine.Ledger.Scan(env.Ctx, "x")
	if len(before) != 1 || len(after) != 1 {
		t.Fatalf("ledger changed on exhaustion: %d -> %d", len(before), len(after))
	}
}

func TestModelsArePartitioned(t *testing.T) {
	env := newTestEnv(t)
	if a := mustNext(t, env, "x", "u1"); a.Item.ID != "A" {
		t.Fatalf("x: expected A, got %s", a.Item.ID)
	}
	if a := mustNext(t, env, "y", "u2"); a.Item.ID != "A" {
		t.Fatalf("y: expected A, got %s", a.Item.ID)
	}
}

func TestConcurrentNextItemNeverDoubleLeases(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("i%02d", i)
	}
	env := newTestEnv(t, ids...)

	const users = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		granted   = map[domain.ItemID]string{}
		exhausted int
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			a, err := env.Engine.NextItem(env.Ctx, "x", user)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, engine.ErrNoneAvailable):
				exhausted++
			case err != nil:
				t.Errorf("%s: %v", user, err)
			default:
				if prev, dup := granted[a.Item.ID]; dup {
					t.Errorf("item %s leased to both %s and %s", a.Item.ID, prev, user)
				}
				granted[a.Item.ID] = user
			}
		}(i)
	}
	wg.Wait()

	if len(granted) != len(ids) || exhausted != users-len(ids) {
		t.Fatalf("granted=%d exhausted=%d", len(granted), exhausted)
	}
	leases, err := env.Engine.Ledger.Scan(env.Ctx, "x")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(leases) != len(ids) {
		t.Fatalf("expected %d ledger entries, got %d", len(ids), len(leases))
	}
}

func TestSubmitMarksLeaseFulfilledAndSurvivesReclaim(t *testing.T) {
	env := newTestEnv(t)
	a := mustNext(t, env, "x", "u1")

	sub, err := env.Engine.Submit(env.Ctx, engine.SubmissionRequest{
		Model: "x", ItemID: a.Item.ID, UserID: "u1", Response: answer("A", "xyz"), LeaseToken: a.Token,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.UUID == "" || sub.Title != titles["A"] || sub.WordCount != 62 || sub.Timestamp != "2024-01-01T00:00:00.000000Z" {
		t.Fatalf("unexpected submission %+v", sub)
	}

	env.Clock.Advance(48 * time.Hour)
	if _, err := env.Engine.Reclaim(env.Ctx); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	leases, _ := env.Engine.Ledger.Scan(env.Ctx, "x")
	if len(leases) != 1 || !leases[0].Submitted || leases[0].Token != a.Token {
		t.Fatalf("fulfilled lease not retained: %+v", leases)
	}

	// u1 completed A and never gets it again; other users still may.
	for i := 0; i < 3; i++ {
		next, err := env.Engine.NextItem(env.Ctx, "x", "u1")
		if errors.Is(err, engine.ErrNoneAvailable) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if next.Item.ID == "A" {
			t.Fatalf("u1 re-assigned completed item A")
		}
	}
	if other := mustNext(t, env, "x", "u2"); other.Item.ID != "A" {
		t.Fatalf("u2 expected A, got %s", other.Item.ID)
	}

	stored, err := env.Engine.Submissions.Scan(env.Ctx, "x")
	if err != nil || len(stored) != 1 {
		t.Fatalf("expected one stored submission, got %d (%v)", len(stored), err)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	a := mustNext(t, env, "x", "u1")
	cases := map[string]engine.SubmissionRequest{
		"empty":         {Response: "   "},
		"too short":     {Response: titles["A"] + " only a few words"},
		"missing title": {Response: strings.Repeat("xyz ", 60)},
		"wrong title":   {Title: "Other", Response: answer("A", "xyz")},
		"unknown item":  {ItemID: "Z", Response: answer("A", "xyz")},
	}
	for name, req := range cases {
		req.Model = "x"
		req.UserID = "u1"
		if req.ItemID == "" {
			req.ItemID = a.Item.ID
		}
		_, err := env.Engine.Submit(env.Ctx, req)
		var verr engine.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
	leases, _ := env.Engine.Ledger.Scan(env.Ctx, "x")
	if len(leases) != 1 || leases[0].Submitted {
		t.Fatalf("validation failure touched the ledger: %+v", leases)
	}
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmissionRequest{Model: "nope", ItemID: "A", UserID: "u1"}); !errors.Is(err, engine.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestSubmitRejectsNearDuplicateAcrossModels(t *testing.T) {
	env := newTestEnv(t)
	a := mustNext(t, env, "x", "u1")
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmissionRequest{
		Model: "x", ItemID: a.Item.ID, UserID: "u1", Response: answer("A", "xyz"), LeaseToken: a.Token,
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	b := mustNext(t, env, "y", "u2")
	copied := answer("A", "xyz") + "extra"
	_, err := env.Engine.Submit(env.Ctx, engine.SubmissionRequest{
		Model: "y", ItemID: b.Item.ID, UserID: "u2", Response: copied, LeaseToken: b.Token,
	})
	var dup engine.DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
	if dup.Model != "x" || dup.Ratio <= 0.85 || len(dup.Diff.Added) != 1 || dup.Diff.Added[0] != "extra" {
		t.Fatalf("unexpected duplicate details %+v", dup)
	}
	leases, _ := env.Engine.Ledger.Scan(env.Ctx, "y")
	if len(leases) != 1 || leases[0].Submitted {
		t.Fatalf("duplicate touched the ledger: %+v", leases)
	}

	// a genuinely different response goes through
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmissionRequest{
		Model: "y", ItemID: b.Item.ID, UserID: "u2", Response: answer("A", "bcd"), LeaseToken: b.Token,
	}); err != nil {
		t.Fatalf("distinct submit: %v", err)
	}
}

func TestLateSubmissionPolicy(t *testing.T) {
	env := newTestEnv(t)
	a := mustNext(t, env, "x", "u1")
	env.Clock.Advance(env.Engine.Config.LeaseTimeout())
	if _, err := env.Engine.Reclaim(env.Ctx); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	env.Engine.Config.Submissions.AcceptLate = false
	_, err := env.Engine.Submit(env.Ctx, engine.SubmissionRequest{
		Model: "x", ItemID: a.Item.ID, UserID: "u1", Response: answer("A", "xyz"), LeaseToken: a.Token,
	})
	if !errors.Is(err, ledger.ErrLeaseNotFound) {
		t.Fatalf("expected ErrLeaseNotFound, got %v", err)
	}

	env.Engine.Config.Submissions.AcceptLate = true
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmissionRequest{
		Model: "x", ItemID: a.Item.ID, UserID: "u1", Response: answer("A", "xyz"), LeaseToken: a.Token,
	}); err != nil {
		t.Fatalf("late submit: %v", err)
	}
	leases, _ := env.Engine.Ledger.Scan(env.Ctx, "x")
	if len(leases) != 1 || !leases[0].Submitted || leases[0].ItemID != "A" {
		t.Fatalf("expected a fulfilled record for the late submission: %+v", leases)
	}
	if next := mustNext(t, env, "x", "u1"); next.Item.ID == "A" {
		t.Fatalf("late-completed item offered again")
	}
}

func TestTokenSelectsExactGrant(t *testing.T) {
	env := newTestEnv(t, "A")
	first := mustNext(t, env, "x", "u1")
	env.Clock.Advance(env.Engine.Config.LeaseTimeout())
	// expired but not yet reclaimed: A is free again and u1 gets a second grant
	second := mustNext(t, env, "x", "u1")
	if second.Item.ID != "A" {
		t.Fatalf("expected A again, got %s", second.Item.ID)
	}
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmissionRequest{
		Model: "x", ItemID: "A", UserID: "u1", Response: answer("A", "xyz"), LeaseToken: first.Token,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	leases, _ := env.Engine.Ledger.Scan(env.Ctx, "x")
	if len(leases) != 2 || !leases[0].Submitted || leases[1].Submitted {
		t.Fatalf("token matched the wrong grant: %+v", leases)
	}
}

func TestLeaseViewsAndAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	a := mustNext(t, env, "x", "u1")
	mustNext(t, env, "x", "u2")
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmissionRequest{
		Model: "x", ItemID: a.Item.ID, UserID: "u1", Response: answer("A", "xyz"), LeaseToken: a.Token,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.Clock.Advance(time.Hour)
	views, err := env.Engine.Leases(env.Ctx, "x")
	if err != nil {
		t.Fatalf("leases: %v", err)
	}
	if len(views) != 2 || views[0].State != engine.LeaseFulfilled || views[1].State != engine.LeaseExpired {
		t.Fatalf("unexpected views %+v", views)
	}

	evts, err := env.Repo.LatestEvents(env.Ctx, 10, 0, repo.EventFilters{Model: "x"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	if got := strings.Join(types, ","); got != "submission.accepted,lease.granted,lease.granted" {
		t.Fatalf("unexpected audit trail %s", got)
	}
}

func TestPoolUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Pool = pool.NewLoader(filepath.Join(t.TempDir(), "missing.jsonl"))
	if _, err := env.Engine.NextItem(env.Ctx, "x", "u1"); !errors.Is(err, pool.ErrPoolUnavailable) {
		t.Fatalf("expected ErrPoolUnavailable, got %v", err)
	}
	if _, err := env.Engine.NextItem(env.Ctx, "zzz", "u1"); !errors.Is(err, engine.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	var verr engine.ValidationError
	if _, err := env.Engine.NextItem(env.Ctx, "x", " "); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for empty user, got %v", err)
	}
}
