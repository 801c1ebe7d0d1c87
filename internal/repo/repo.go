package repo

import (
	"context"
	"errors"
	"fmt"

	"medshare/internal/domain"
	"medshare/internal/store"
)

// Repo decodes domain records out of the document store. Writes go through
// store transactions in the engine; Repo only reads, except for api keys.
type Repo struct {
	Store store.Store
}

var ErrNotFound = store.ErrNotFound

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

func NormalizeLimit(in int) int {
	if in <= 0 {
		return DefaultLimit
	}
	if in > MaxLimit {
		return MaxLimit
	}
	return in
}

// Page is one page of a cursor-paginated listing. LastCursor points at the
// final item even when no further page exists, so a poller can resume there.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	LastCursor string `json:"-"`
}

func get[T any](ctx context.Context, s store.Store, collection, id string) (T, error) {
	var out T
	d, err := s.Get(ctx, collection, id)
	if err != nil {
		return out, err
	}
	return out, d.Decode(&out)
}

// list runs q with one extra row to learn whether another page exists.
func list[T any](ctx context.Context, s store.Store, collection string, q store.Query, cursor string) (Page[T], error) {
	page := Page[T]{Items: []T{}}
	after, err := store.ParseCursor(cursor)
	if err != nil {
		return page, cursorErr(err)
	}
	limit := NormalizeLimit(q.Limit)
	q.Limit = limit + 1
	q.After = after
	docs, err := s.Query(ctx, collection, q)
	if err != nil {
		return page, err
	}
	if len(docs) > limit {
		page.NextCursor = store.CursorOf(docs[limit-1]).String()
		docs = docs[:limit]
	}
	if len(docs) > 0 {
		page.LastCursor = store.CursorOf(docs[len(docs)-1]).String()
	}
	for _, d := range docs {
		var item T
		if err := d.Decode(&item); err != nil {
			return page, err
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

// ErrInvalidCursor wraps cursor parse failures so callers can map them.
var ErrInvalidCursor = errors.New("invalid cursor")

func cursorErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidCursor, err)
}

func (r Repo) GetMedication(ctx context.Context, id string) (domain.Medication, error) {
	return get[domain.Medication](ctx, r.Store, domain.CollectionMedications, id)
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return get[domain.Request](ctx, r.Store, domain.CollectionRequests, id)
}
