package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medshare/internal/db"
	"medshare/internal/domain"
	"medshare/internal/repo"
	"medshare/internal/store"
	"medshare/internal/store/sqlitestore"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

var fastRetry = store.RetryPolicy{MaxAttempts: 200, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func openStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendOne(ctx context.Context, s store.Store, w Writer, entityID string) (domain.Event, error) {
	var evt domain.Event
	err := store.RunTransaction(ctx, s, fastRetry, func(tx *store.Tx) error {
		var err error
		evt, err = w.Append(tx, RequestCreated, "request", entityID, "ngo-1", nil)
		return err
	})
	return evt, err
}

func TestAppendTwiceInOneTransaction(t *testing.T) {
	s := openStore(t)
	w := Writer{Now: func() time.Time { return t0 }}
	var first, second domain.Event
	err := store.RunTransaction(context.Background(), s, fastRetry, func(tx *store.Tx) error {
		var err error
		if first, err = w.Append(tx, RequestCreated, "request", "r1", "ngo-1", nil); err != nil {
			return err
		}
		second, err = w.Append(tx, RequestApproved, "request", "r1", "donor-1", EventPayload{"quantity": 2})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, t0, first.CreatedAt)
	assert.Equal(t, t0.Add(time.Millisecond), second.CreatedAt)
}

func TestAppendNeverGoesBackInTime(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	clock := t0
	w := Writer{Now: func() time.Time { return clock }}

	a, err := appendOne(ctx, s, w, "r1")
	require.NoError(t, err)
	clock = t0.Add(-time.Hour)
	b, err := appendOne(ctx, s, w, "r2")
	require.NoError(t, err)
	clock = t0.Add(time.Minute + 1500*time.Microsecond)
	c, err := appendOne(ctx, s, w, "r3")
	require.NoError(t, err)

	assert.Equal(t, t0, a.CreatedAt)
	assert.Equal(t, t0.Add(time.Millisecond), b.CreatedAt)
	assert.Equal(t, t0.Add(time.Minute+time.Millisecond), c.CreatedAt, "truncated to the millisecond")
	assert.Equal(t, []int64{1, 2, 3}, []int64{a.Seq, b.Seq, c.Seq})
}

// A transaction that stamps its event first but commits last must not land
// behind a cursor taken in between.
func TestLateCommitLandsAfterCursor(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	r := repo.Repo{Store: s}
	_, err := appendOne(ctx, s, Writer{Now: func() time.Time { return t0 }}, "seed")
	require.NoError(t, err)

	var cursor string
	attempts := 0
	slow := Writer{Now: func() time.Time { return t0.Add(time.Second) }}
	fast := Writer{Now: func() time.Time { return t0.Add(2 * time.Second) }}
	var late domain.Event
	err = store.RunTransaction(ctx, s, fastRetry, func(tx *store.Tx) error {
		attempts++
		var err error
		if late, err = slow.Append(tx, RequestApproved, "request", "slow", "donor-1", nil); err != nil {
			return err
		}
		if attempts > 1 {
			return nil
		}
		if _, err := appendOne(ctx, s, fast, "fast"); err != nil {
			return err
		}
		page, err := r.ListEvents(ctx, repo.EventFilter{Limit: 1})
		if err != nil {
			return err
		}
		cursor = page.LastCursor
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts, "the slow commit lost the counter race once")

	after, err := r.ListEvents(ctx, repo.EventFilter{Ascending: true, Cursor: cursor, Limit: 10})
	require.NoError(t, err)
	require.Len(t, after.Items, 1)
	assert.Equal(t, late.ID, after.Items[0].ID)
	assert.Equal(t, int64(3), after.Items[0].Seq)
}

func TestConcurrentAppendsFollowCommitOrder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	w := Writer{Now: func() time.Time { return t0 }}
	const n = 12

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := appendOne(ctx, s, w, "r")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	page, err := repo.Repo{Store: s}.ListEvents(ctx, repo.EventFilter{Ascending: true, Limit: 50})
	require.NoError(t, err)
	require.Len(t, page.Items, n)
	for i, evt := range page.Items {
		assert.Equal(t, int64(i+1), evt.Seq)
		if i > 0 {
			assert.True(t, evt.CreatedAt.After(page.Items[i-1].CreatedAt), "event %d", i)
		}
	}
}

func TestForStatus(t *testing.T) {
	assert.Equal(t, RequestInTransit, ForStatus(domain.StatusInTransit))
	assert.Equal(t, RequestDelivered, ForStatus(domain.StatusDelivered))
	assert.Equal(t, "request.lost", ForStatus("lost"))
}
