// Package notify delivers request status changes to interested callers after
// the change has committed. Delivery is best effort.
package notify

import (
	"context"
	"errors"
	"time"
)

// Message is what a live client receives. Recipients is routing only.
type Message struct {
	Type         string    `json:"type"`
	RequestID    string    `json:"request_id"`
	MedicationID string    `json:"medication_id,omitempty"`
	Status       string    `json:"status"`
	ActorID      string    `json:"actor_id"`
	Note         string    `json:"note,omitempty"`
	At           time.Time `json:"at"`
	Recipients   []string  `json:"recipients,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Nop drops every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, msg Message) error

func (f Func) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }
