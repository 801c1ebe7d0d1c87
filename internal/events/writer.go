package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"medshare/internal/domain"
	"medshare/internal/store"
)

const (
	MedicationCreated = "medication.created"
	RequestCreated    = "request.created"
	RequestApproved   = "request.approved"
	RequestRejected   = "request.rejected"
	RequestInTransit  = "request.in_transit"
	RequestDelivered  = "request.delivered"
	RequestTelemetry  = "request.telemetry"
)

// Types lists every event type, for config validation and webhook filters.
var Types = []string{
	MedicationCreated, RequestCreated, RequestApproved, RequestRejected,
	RequestInTransit, RequestDelivered, RequestTelemetry,
}

// sequenceID names the counter document every event-writing transaction
// reads and bumps. Two such transactions cannot both commit from the same
// counter version, so the log is written one commit at a time.
const sequenceID = "events"

// timeStep is the smallest gap between two event timestamps. Mongo keeps
// milliseconds only.
const timeStep = time.Millisecond

type sequence struct {
	Seq    int64     `json:"seq"`
	LastAt time.Time `json:"last_at"`
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append buffers an event in tx so it commits with the state change it
// describes, or not at all. The event takes the next sequence number and a
// timestamp later than every event committed before it, so readers paging
// by (created_at, id) never see an event appear behind their cursor.
func (w Writer) Append(tx *store.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Event{}, fmt.Errorf("event id: %w", err)
	}
	now := w.Now().UTC()
	var seq sequence
	doc, err := tx.GetOrCreate(domain.CollectionCounters, sequenceID, seq, now)
	if err != nil {
		return domain.Event{}, fmt.Errorf("event sequence: %w", err)
	}
	if err := doc.Decode(&seq); err != nil {
		return domain.Event{}, fmt.Errorf("event sequence: %w", err)
	}
	at := now.Truncate(timeStep)
	if !at.After(seq.LastAt) {
		at = seq.LastAt.Add(timeStep)
	}
	seq.Seq++
	seq.LastAt = at
	if err := tx.Put(domain.CollectionCounters, sequenceID, seq, at); err != nil {
		return domain.Event{}, err
	}
	evt := domain.Event{
		ID:         id.String(),
		Seq:        seq.Seq,
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
		CreatedAt:  at,
	}
	if err := tx.Create(domain.CollectionEvents, evt.ID, evt, evt.CreatedAt); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

// ForStatus returns the event type recorded when a request enters status.
func ForStatus(s domain.RequestStatus) string {
	switch s {
	case domain.StatusPending:
		return RequestCreated
	case domain.StatusApproved:
		return RequestApproved
	case domain.StatusRejected:
		return RequestRejected
	case domain.StatusInTransit:
		return RequestInTransit
	case domain.StatusDelivered:
		return RequestDelivered
	}
	return "request." + string(s)
}
