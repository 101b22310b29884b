package ledger_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptline/internal/domain"
	"promptline/internal/jsonl"
	"promptline/internal/ledger"
)

func newLedger(t *testing.T, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(filepath.Join(t.TempDir(), "ledger"), opts...)
	require.NoError(t, err)
	return l
}

func sampleLeases(model string) []domain.Lease {
	return []domain.Lease{
		{Username: "u1", Model: model, ItemID: "1", AssignedAt: 1700000000, Token: "t-1"},
		{Username: "u2", Model: model, ItemID: "2", AssignedAt: 1700000010, Submitted: true, Token: "t-2"},
		{Username: "u1", Model: model, ItemID: "abc", AssignedAt: 1700000020},
	}
}

func TestAppendScanRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	want := sampleLeases("grok")
	for _, lease := range want {
		require.NoError(t, l.Append(ctx, lease))
	}

	got, err := l.Scan(ctx, "grok")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	other, err := l.Scan(ctx, "claude")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestPartitionFileFormat(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.Append(ctx, domain.Lease{Username: "ann", Model: "grok", ItemID: "7", AssignedAt: 1700000000}))

	data, err := os.ReadFile(l.Path("grok"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"ann","model":"grok","id":"7","assigned_at":1700000000,"submitted":false}`, string(data))
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestScanReadsNumericIDsAndSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	content := `{"username":"ann","model":"grok","id":12,"assigned_at":1700000000,"submitted":true}
not json

{"username":"bob","model":"grok","id":"13","assigned_at":1700000001,"submitted":false}
`
	require.NoError(t, os.WriteFile(l.Path("grok"), []byte(content), 0o644))

	got, err := l.Scan(ctx, "grok")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.ItemID("12"), got[0].ItemID)
	assert.True(t, got[0].Submitted)
	assert.Equal(t, "bob", got[1].Username)
}

func TestMarkFulfilled(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	for _, lease := range sampleLeases("grok") {
		require.NoError(t, l.Append(ctx, lease))
	}

	marked, err := l.MarkFulfilled(ctx, "grok", "1", "u1", "t-1")
	require.NoError(t, err)
	assert.True(t, marked.Submitted)
	assert.Equal(t, "t-1", marked.Token)

	got, err := l.Scan(ctx, "grok")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Submitted)
	assert.True(t, got[1].Submitted)
	assert.False(t, got[2].Submitted)

	_, err = l.MarkFulfilled(ctx, "grok", "1", "u1", "t-1")
	assert.ErrorIs(t, err, ledger.ErrLeaseNotFound)

	_, err = l.MarkFulfilled(ctx, "grok", "2", "u9", "")
	assert.ErrorIs(t, err, ledger.ErrLeaseNotFound)
}

func TestMatchPrefersTokenThenLatest(t *testing.T) {
	leases := []domain.Lease{
		{Username: "u1", ItemID: "a", AssignedAt: 1, Token: "old"},
		{Username: "u1", ItemID: "a", AssignedAt: 2, Token: "new"},
		{Username: "u2", ItemID: "a", AssignedAt: 3, Token: "other"},
	}
	assert.Equal(t, 0, ledger.Match(leases, "a", "u1", "old"))
	assert.Equal(t, 1, ledger.Match(leases, "a", "u1", ""))
	assert.Equal(t, 1, ledger.Match(leases, "a", "u1", "unknown"))
	assert.Equal(t, 1, ledger.Match(leases, "a", "u1", "other"))
	assert.Equal(t, -1, ledger.Match(leases, "b", "u1", ""))
}

func TestCompactIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	for _, lease := range sampleLeases("grok") {
		require.NoError(t, l.Append(ctx, lease))
	}
	drop := func(lease domain.Lease) bool { return lease.Username == "u1" && !lease.Submitted }

	removed, err := l.Compact(ctx, "grok", drop)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	once, err := l.Scan(ctx, "grok")
	require.NoError(t, err)

	removed, err = l.Compact(ctx, "grok", drop)
	require.NoError(t, err)
	assert.Empty(t, removed)
	twice, err := l.Scan(ctx, "grok")
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	require.Len(t, twice, 1)
	assert.Equal(t, "u2", twice[0].Username)

	entries, err := os.ReadDir(filepath.Dir(l.Path("grok")))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestFailedRewriteLeavesPartitionAsItWas(t *testing.T) {
	ctx := context.Background()
	errDisk := errors.New("disk full")
	fail := true
	l := newLedger(t, ledger.WithRewriter(func(path string, leases []domain.Lease) error {
		if fail {
			return errDisk
		}
		return jsonl.Rewrite(path, leases)
	}))
	want := sampleLeases("grok")
	for _, lease := range want {
		require.NoError(t, l.Append(ctx, lease))
	}
	before, err := os.ReadFile(l.Path("grok"))
	require.NoError(t, err)

	_, err = l.Compact(ctx, "grok", func(domain.Lease) bool { return true })
	assert.ErrorIs(t, err, errDisk)
	_, err = l.MarkFulfilled(ctx, "grok", "1", "u1", "t-1")
	assert.ErrorIs(t, err, errDisk)

	got, err := l.Scan(ctx, "grok")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	after, err := os.ReadFile(l.Path("grok"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	entries, err := os.ReadDir(filepath.Dir(l.Path("grok")))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}

	fail = false
	removed, err := l.Compact(ctx, "grok", func(lease domain.Lease) bool { return !lease.Submitted })
	require.NoError(t, err)
	assert.Len(t, removed, 2)
}

func TestUpdateBusyWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.WithLockWait(50*time.Millisecond))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- l.Update(ctx, "grok", func(tx *ledger.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := l.Append(ctx, domain.Lease{Username: "u1", Model: "grok", ItemID: "1", AssignedAt: 1})
	assert.ErrorIs(t, err, ledger.ErrLedgerBusy)

	// other partitions are unaffected
	require.NoError(t, l.Append(ctx, domain.Lease{Username: "u1", Model: "claude", ItemID: "1", AssignedAt: 1}))

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, l.Append(ctx, domain.Lease{Username: "u1", Model: "grok", ItemID: "1", AssignedAt: 1}))
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, ledger.WithLockWait(5*time.Second))

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- l.Update(ctx, "grok", func(tx *ledger.Tx) error {
				n := len(tx.Leases())
				return tx.Append(domain.Lease{Username: "u", ItemID: domain.ItemID(string(rune('a' + n))), AssignedAt: int64(n)})
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := l.Scan(ctx, "grok")
	require.NoError(t, err)
	require.Len(t, got, writers)
	for i, lease := range got {
		assert.Equal(t, int64(i), lease.AssignedAt, "each writer saw every earlier append")
	}
}

func TestRejectsUnsafeModelNames(t *testing.T) {
	l := newLedger(t)
	_, err := l.Scan(context.Background(), "../etc")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ledger.ErrLedgerBusy))
}

func TestAppendModelMismatch(t *testing.T) {
	l := newLedger(t)
	err := l.Update(context.Background(), "grok", func(tx *ledger.Tx) error {
		return tx.Append(domain.Lease{Model: "claude", Username: "u", ItemID: "1"})
	})
	require.Error(t, err)
}
