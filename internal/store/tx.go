package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	// jitter in [d/2, d)
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half))
}

type docKey struct {
	collection string
	id         string
}

// Tx tracks the version of every document read and buffers writes until
// commit. Documents that were read but not written are committed as checks.
type Tx struct {
	ctx     context.Context
	store   Store
	order   []docKey
	read    map[docKey]Doc
	written map[docKey]Write
	creates []Write
}

func newTx(ctx context.Context, s Store) *Tx {
	return &Tx{
		ctx:     ctx,
		store:   s,
		read:    map[docKey]Doc{},
		written: map[docKey]Write{},
	}
}

func (t *Tx) Context() context.Context { return t.ctx }

// Get reads a document and records its version. A document already written
// in this transaction is returned with the buffered body.
func (t *Tx) Get(collection, id string) (Doc, error) {
	k := docKey{collection, id}
	if d, ok := t.read[k]; ok {
		if w, ok := t.written[k]; ok {
			d.Data = w.Data
		}
		return d, nil
	}
	d, err := t.store.Get(t.ctx, collection, id)
	if err != nil {
		return Doc{}, err
	}
	t.read[k] = d
	t.order = append(t.order, k)
	return d, nil
}

// GetOrCreate is Get for a document that may not exist yet. A missing
// document is committed with body init right away, outside the batch, and
// then read. Losing that create to another writer is fine.
func (t *Tx) GetOrCreate(collection, id string, init any, at time.Time) (Doc, error) {
	d, err := t.Get(collection, id)
	if !errors.Is(err, ErrNotFound) {
		return d, err
	}
	data, err := json.Marshal(init)
	if err != nil {
		return Doc{}, fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	err = t.store.Apply(t.ctx, []Write{{Op: OpCreate, Collection: collection, ID: id, Data: data, At: at}})
	if err != nil && !errors.Is(err, ErrConflict) {
		return Doc{}, err
	}
	return t.Get(collection, id)
}

// GetInto reads a document and decodes it into v.
func (t *Tx) GetInto(collection, id string, v any) (Doc, error) {
	d, err := t.Get(collection, id)
	if err != nil {
		return d, err
	}
	return d, d.Decode(v)
}

// Put replaces the body of a document previously read with Get.
func (t *Tx) Put(collection, id string, v any, at time.Time) error {
	k := docKey{collection, id}
	d, ok := t.read[k]
	if !ok {
		return fmt.Errorf("put %s/%s: document was not read in this transaction", collection, id)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	t.written[k] = Write{Op: OpUpdate, Collection: collection, ID: id, Version: d.Version, Data: data, At: at}
	return nil
}

// Create buffers a new document.
func (t *Tx) Create(collection, id string, v any, at time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	t.creates = append(t.creates, Write{Op: OpCreate, Collection: collection, ID: id, Data: data, At: at})
	return nil
}

// Writes returns the batch that commit will apply.
func (t *Tx) Writes() []Write {
	out := make([]Write, 0, len(t.order)+len(t.creates))
	for _, k := range t.order {
		if w, ok := t.written[k]; ok {
			out = append(out, w)
			continue
		}
		d := t.read[k]
		out = append(out, Write{Op: OpCheck, Collection: k.collection, ID: k.id, Version: d.Version})
	}
	return append(out, t.creates...)
}

func (t *Tx) dirty() bool {
	return len(t.written) > 0 || len(t.creates) > 0
}

// RunTransaction runs fn against a fresh Tx and commits its writes. When the
// commit (or a read inside fn) reports ErrConflict the whole of fn is run
// again from scratch, up to MaxAttempts. Any other error aborts without
// writing. A transaction that only reads commits nothing.
func RunTransaction(ctx context.Context, s Store, policy RetryPolicy, fn func(*Tx) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := newTx(ctx, s)
		err := fn(tx)
		if err == nil {
			if !tx.dirty() {
				return nil
			}
			err = s.Apply(ctx, tx.Writes())
			if err == nil {
				return nil
			}
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(policy.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("transaction gave up after %d attempts: %w", attempts, lastErr)
}
