package repo

import (
	"context"

	"medshare/internal/domain"
	"medshare/internal/store"
)

type RequestFilter struct {
	RequesterID  string
	DonorID      string
	MedicationID string
	Status       string
	Priority     string

	// Statuses matches any of the listed statuses.
	Statuses []string
	Search   string
	Limit    int
	Cursor   string
}

var requestSearchFields = []string{"medication_name", "donor_name", "requester_name", "reason"}

func (r Repo) ListRequests(ctx context.Context, f RequestFilter) (Page[domain.Request], error) {
	q := store.Query{Equals: map[string]string{}, Limit: f.Limit}
	setIf(q.Equals, "requester_id", f.RequesterID)
	setIf(q.Equals, "donor_id", f.DonorID)
	setIf(q.Equals, "medication_id", f.MedicationID)
	setIf(q.Equals, "status", f.Status)
	setIf(q.Equals, "priority", f.Priority)
	if len(f.Statuses) > 0 {
		q.AnyOf = map[string][]string{"status": f.Statuses}
	}
	if f.Search != "" {
		q.Search = &store.Search{Term: f.Search, Fields: requestSearchFields}
	}
	return list[domain.Request](ctx, r.Store, domain.CollectionRequests, q, f.Cursor)
}

type MedicationFilter struct {
	DonorID string
	Status  string
	Search  string
	Limit   int
	Cursor  string
}

var medicationSearchFields = []string{"name", "description", "donor_name"}

func (r Repo) ListMedications(ctx context.Context, f MedicationFilter) (Page[domain.Medication], error) {
	q := store.Query{Equals: map[string]string{}, Limit: f.Limit}
	setIf(q.Equals, "donor_id", f.DonorID)
	setIf(q.Equals, "status", f.Status)
	if f.Search != "" {
		q.Search = &store.Search{Term: f.Search, Fields: medicationSearchFields}
	}
	return list[domain.Medication](ctx, r.Store, domain.CollectionMedications, q, f.Cursor)
}

// EventFilter selects log entries. Ascending walks the log oldest first,
// the order webhook delivery needs.
type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	Ascending  bool
	Limit      int
	Cursor     string
}

func (r Repo) ListEvents(ctx context.Context, f EventFilter) (Page[domain.Event], error) {
	q := store.Query{Equals: map[string]string{}, Limit: f.Limit, Ascending: f.Ascending}
	setIf(q.Equals, "type", f.Type)
	setIf(q.Equals, "entity_kind", f.EntityKind)
	setIf(q.Equals, "entity_id", f.EntityID)
	return list[domain.Event](ctx, r.Store, domain.CollectionEvents, q, f.Cursor)
}

func setIf(m map[string]string, k, v string) {
	if v != "" {
		m[k] = v
	}
}
