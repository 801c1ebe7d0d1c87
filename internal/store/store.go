// Package store is a versioned document store with all-or-nothing batch
// commits. Backends live in sqlitestore and mongostore.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrConflict = errors.New("document version conflict")
)

// TimeLayout is fixed width so lexical order equals time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Doc struct {
	Collection string
	ID         string
	Version    int64
	Data       json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Decode unmarshals the document body into v.
func (d Doc) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	// OpCheck asserts a document is still at Version without changing its body.
	OpCheck Op = "check"
)

// Write is one element of an atomic batch. Version is the version the
// caller read; it is ignored for OpCreate.
type Write struct {
	Op         Op
	Collection string
	ID         string
	Version    int64
	Data       json.RawMessage
	At         time.Time
}

type Search struct {
	Term   string
	Fields []string
}

type Query struct {
	// Equals matches top-level string fields of the body.
	Equals map[string]string
	// AnyOf matches when the field equals one of the values. An empty list
	// matches nothing.
	AnyOf map[string][]string

	Search    *Search
	Ascending bool
	Limit     int
	After     *Cursor
}

// Cursor is the (created_at, id) position of the last document on a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) String() string {
	return c.CreatedAt.UTC().Format(TimeLayout) + "|" + c.ID
}

func CursorOf(d Doc) Cursor {
	return Cursor{CreatedAt: d.CreatedAt, ID: d.ID}
}

func ParseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor %q", s)
	}
	ts, err := time.Parse(TimeLayout, parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	return &Cursor{CreatedAt: ts.UTC(), ID: parts[1]}, nil
}

type Store interface {
	Get(ctx context.Context, collection, id string) (Doc, error)
	Query(ctx context.Context, collection string, q Query) ([]Doc, error)
	// Apply commits every write or none. A version mismatch or a duplicate
	// create fails the batch with ErrConflict.
	Apply(ctx context.Context, writes []Write) error
	Close() error
}

var fieldPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidField reports whether name can be used as a query field. Backends
// interpolate field names into their query language.
func ValidField(name string) error {
	if !fieldPattern.MatchString(name) {
		return fmt.Errorf("invalid query field %q", name)
	}
	return nil
}

// ValidateQuery checks field names used in q.
func ValidateQuery(q Query) error {
	for f := range q.Equals {
		if err := ValidField(f); err != nil {
			return err
		}
	}
	for f := range q.AnyOf {
		if err := ValidField(f); err != nil {
			return err
		}
	}
	if q.Search != nil {
		for _, f := range q.Search.Fields {
			if err := ValidField(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateWrites rejects malformed batches before they reach a backend.
func ValidateWrites(writes []Write) error {
	for i, w := range writes {
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("write %d: collection and id are required", i)
		}
		switch w.Op {
		case OpCreate, OpUpdate:
			if len(w.Data) == 0 {
				return fmt.Errorf("write %d: %s requires data", i, w.Op)
			}
		case OpCheck:
		default:
			return fmt.Errorf("write %d: unknown op %q", i, w.Op)
		}
	}
	return nil
}
