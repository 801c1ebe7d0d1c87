// Package storetest holds behaviour every store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"medshare/internal/store"
)

type item struct {
	Owner  string `json:"owner"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func body(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises a fresh store produced by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("CreateGetUpdate", func(t *testing.T) { testCreateGetUpdate(t, open(t)) })
	t.Run("BatchIsAtomic", func(t *testing.T) { testBatchAtomic(t, open(t)) })
	t.Run("QueryFilterOrderPage", func(t *testing.T) { testQuery(t, open(t)) })
	t.Run("RunTransactionRetries", func(t *testing.T) { testRunTransaction(t, open(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrent(t, open(t)) })
}

func testCreateGetUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, "items", "a")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Apply(ctx, []store.Write{{Op: store.OpCreate, Collection: "items", ID: "a", Data: body(t, item{Name: "a", Count: 1}), At: base}}))
	d, err := s.Get(ctx, "items", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Version)
	assert.True(t, d.CreatedAt.Equal(base))

	var it item
	require.NoError(t, d.Decode(&it))
	assert.Equal(t, 1, it.Count)

	err = s.Apply(ctx, []store.Write{{Op: store.OpCreate, Collection: "items", ID: "a", Data: body(t, item{}), At: base}})
	require.ErrorIs(t, err, store.ErrConflict, "duplicate create")

	require.NoError(t, s.Apply(ctx, []store.Write{{Op: store.OpUpdate, Collection: "items", ID: "a", Version: 1, Data: body(t, item{Name: "a", Count: 2}), At: base.Add(time.Second)}}))
	err = s.Apply(ctx, []store.Write{{Op: store.OpUpdate, Collection: "items", ID: "a", Version: 1, Data: body(t, item{Count: 3})}})
	require.ErrorIs(t, err, store.ErrConflict, "stale version")

	d, err = s.Get(ctx, "items", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Version)
	require.NoError(t, d.Decode(&it))
	assert.Equal(t, 2, it.Count)
	assert.True(t, d.CreatedAt.Equal(base), "created_at is preserved on update")
}

func testBatchAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Apply(ctx, []store.Write{
		{Op: store.OpCreate, Collection: "items", ID: "x", Data: body(t, item{Count: 1}), At: base},
		{Op: store.OpCreate, Collection: "items", ID: "y", Data: body(t, item{Count: 1}), At: base},
	}))
	err := s.Apply(ctx, []store.Write{
		{Op: store.OpUpdate, Collection: "items", ID: "x", Version: 1, Data: body(t, item{Count: 9})},
		{Op: store.OpCreate, Collection: "items", ID: "z", Data: body(t, item{Count: 9})},
		{Op: store.OpCheck, Collection: "items", ID: "y", Version: 7},
	})
	require.ErrorIs(t, err, store.ErrConflict)

	d, err := s.Get(ctx, "items", "x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Version, "failed batch leaves earlier writes unapplied")
	_, err = s.Get(ctx, "items", "z")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Apply(ctx, []store.Write{
		{Op: store.OpUpdate, Collection: "items", ID: "x", Version: 1, Data: body(t, item{Count: 9})},
		{Op: store.OpCheck, Collection: "items", ID: "y", Version: 1},
	}))
	d, err = s.Get(ctx, "items", "y")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Version, "check does not bump the version")
}

func testQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	var writes []store.Write
	for i := 0; i < 5; i++ {
		owner := "alice"
		if i%2 == 1 {
			owner = "bob"
		}
		writes = append(writes, store.Write{
			Op: store.OpCreate, Collection: "items", ID: fmt.Sprintf("i%d", i),
			Data: body(t, item{Owner: owner, Name: fmt.Sprintf("Amoxicillin %d", i), Status: "open"}),
			At:   base.Add(time.Duration(i) * time.Minute),
		})
	}
	// same timestamp as i4, ordered by id
	writes = append(writes, store.Write{Op: store.OpCreate, Collection: "items", ID: "i5",
		Data: body(t, item{Owner: "alice", Name: "Insulin", Status: "closed"}), At: base.Add(4 * time.Minute)})
	require.NoError(t, s.Apply(ctx, writes))

	all, err := s.Query(ctx, "items", store.Query{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, []string{"i5", "i4", "i3", "i2", "i1", "i0"}, ids(all))

	alice, err := s.Query(ctx, "items", store.Query{Equals: map[string]string{"owner": "alice"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"i5", "i4", "i2", "i0"}, ids(alice))

	hits, err := s.Query(ctx, "items", store.Query{Search: &store.Search{Term: "amoxi", Fields: []string{"name"}}, Equals: map[string]string{"owner": "bob"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"i3", "i1"}, ids(hits))

	bobs, err := s.Query(ctx, "items", store.Query{AnyOf: map[string][]string{"owner": {"bob", "carol"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"i3", "i1"}, ids(bobs))

	closed, err := s.Query(ctx, "items", store.Query{
		Equals: map[string]string{"owner": "alice"},
		AnyOf:  map[string][]string{"status": {"closed", "archived"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"i5"}, ids(closed))

	none, err := s.Query(ctx, "items", store.Query{AnyOf: map[string][]string{"status": {}}})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.Query(ctx, "items", store.Query{AnyOf: map[string][]string{"status) OR (1": {"x"}}})
	require.Error(t, err)

	page1, err := s.Query(ctx, "items", store.Query{Limit: 4})
	require.NoError(t, err)
	require.Len(t, page1, 4)
	c := store.CursorOf(page1[3])
	parsed, err := store.ParseCursor(c.String())
	require.NoError(t, err)
	page2, err := s.Query(ctx, "items", store.Query{Limit: 4, After: parsed})
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i0"}, ids(page2))

	asc, err := s.Query(ctx, "items", store.Query{Ascending: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"i0", "i1"}, ids(asc))

	_, err = s.Query(ctx, "items", store.Query{Equals: map[string]string{"bad field'": "x"}})
	require.Error(t, err)
}

func testRunTransaction(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Apply(ctx, []store.Write{{Op: store.OpCreate, Collection: "items", ID: "c", Data: body(t, item{Count: 0}), At: base}}))

	var calls int
	err := store.RunTransaction(ctx, s, store.RetryPolicy{MaxAttempts: 3}, func(tx *store.Tx) error {
		calls++
		var it item
		if _, err := tx.GetInto("items", "c", &it); err != nil {
			return err
		}
		if calls == 1 {
			// a competing writer commits between our read and our commit
			d, err := s.Get(ctx, "items", "c")
			require.NoError(t, err)
			require.NoError(t, s.Apply(ctx, []store.Write{{Op: store.OpUpdate, Collection: "items", ID: "c", Version: d.Version, Data: body(t, item{Count: 10})}}))
		}
		it.Count++
		return tx.Put("items", "c", it, base)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	d, err := s.Get(ctx, "items", "c")
	require.NoError(t, err)
	var it item
	require.NoError(t, d.Decode(&it))
	assert.Equal(t, 11, it.Count, "retry re-reads the competing write")

	sentinel := errors.New("stop")
	err = store.RunTransaction(ctx, s, store.RetryPolicy{MaxAttempts: 3}, func(tx *store.Tx) error {
		if _, err := tx.Get("items", "c"); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func testConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Apply(ctx, []store.Write{{Op: store.OpCreate, Collection: "items", ID: "n", Data: body(t, item{Count: 0}), At: base}}))

	const workers = 8
	var committed atomic.Int32
	var mu sync.Mutex
	var failures []error
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			err := store.RunTransaction(ctx, s, store.RetryPolicy{MaxAttempts: 50, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func(tx *store.Tx) error {
				var it item
				if _, err := tx.GetInto("items", "n", &it); err != nil {
					return err
				}
				it.Count++
				return tx.Put("items", "n", it, time.Now())
			})
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			committed.Add(1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, err := range failures {
		require.ErrorIs(t, err, store.ErrConflict)
	}
	d, err := s.Get(ctx, "items", "n")
	require.NoError(t, err)
	var it item
	require.NoError(t, d.Decode(&it))
	assert.Equal(t, int(committed.Load()), it.Count, "no lost updates")
}

func ids(docs []store.Doc) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}
