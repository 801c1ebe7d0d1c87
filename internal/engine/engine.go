package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"medshare/internal/config"
	"medshare/internal/domain"
	"medshare/internal/engine/auth"
	"medshare/internal/events"
	"medshare/internal/notify"
	"medshare/internal/repo"
	"medshare/internal/store"
)

type Engine struct {
	Store    store.Store
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Notifier notify.Notifier
	Config   *config.Config
	Validate *validator.Validate
	Log      zerolog.Logger
	Now      func() time.Time
}

func New(s store.Store, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:    s,
		Repo:     repo.Repo{Store: s},
		Events:   events.Writer{},
		Notifier: notify.Nop{},
		Config:   cfg,
		Validate: validator.New(),
		Log:      zerolog.Nop(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) retryPolicy() store.RetryPolicy {
	if e.Config == nil {
		return store.DefaultRetryPolicy()
	}
	r := e.Config.Engine.Retry
	return store.RetryPolicy{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}

func (e Engine) reasonMinLength() int {
	if e.Config == nil || e.Config.Engine.ReasonMinLength < 1 {
		return 10
	}
	return e.Config.Engine.ReasonMinLength
}

func (e Engine) validate(v any) error {
	val := e.Validate
	if val == nil {
		val = validator.New()
	}
	err := val.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			if fe.Param() != "" {
				parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			} else {
				parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
			}
		}
		return validationf("%s", strings.Join(parts, "; "))
	}
	return validationf("%v", err)
}

// transact runs fn in a retried store transaction and maps store errors.
func (e Engine) transact(ctx context.Context, fn func(tx *store.Tx) error) error {
	err := store.RunTransaction(ctx, e.Store, e.retryPolicy(), fn)
	if err != nil && errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// MedicationCreateOptions are parameters for listing a donated medication.
type MedicationCreateOptions struct {
	DonorID     string `validate:"required"`
	DonorName   string
	Name        string `validate:"required"`
	Description string
	Quantity    int    `validate:"min=1"`
	Unit        string `validate:"required"`
	ExpiryDate  *time.Time
	Storage     *domain.StorageRange
}

func (e Engine) CreateMedication(ctx context.Context, opts MedicationCreateOptions) (domain.Medication, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	opts.Unit = strings.TrimSpace(opts.Unit)
	if err := e.validate(opts); err != nil {
		return domain.Medication{}, err
	}
	now := e.now()
	if opts.ExpiryDate != nil && !opts.ExpiryDate.After(now) {
		return domain.Medication{}, validationf("expiry_date must be in the future")
	}
	if opts.Storage != nil && opts.Storage.MinC > opts.Storage.MaxC {
		return domain.Medication{}, validationf("storage min_c must not exceed max_c")
	}
	m := domain.Medication{
		ID:          uuid.NewString(),
		DonorID:     opts.DonorID,
		DonorName:   opts.DonorName,
		Name:        opts.Name,
		Description: opts.Description,
		Quantity:    opts.Quantity,
		Unit:        opts.Unit,
		Status:      domain.MedicationAvailable,
		ExpiryDate:  opts.ExpiryDate,
		Storage:     opts.Storage,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.transact(ctx, func(tx *store.Tx) error {
		if err := tx.Create(domain.CollectionMedications, m.ID, m, now); err != nil {
			return err
		}
		_, err := e.events().Append(tx, events.MedicationCreated, "medication", m.ID, opts.DonorID, events.EventPayload{
			"name": m.Name, "quantity": m.Quantity, "unit": m.Unit,
		})
		return err
	})
	if err != nil {
		return domain.Medication{}, err
	}
	return m, nil
}

// RequestCreateOptions are parameters for requesting a medication.
type RequestCreateOptions struct {
	RequesterID   string               `validate:"required"`
	RequesterName string
	RequesterType domain.RequesterType `validate:"oneof=ngo individual"`
	MedicationID  string               `validate:"required"`
	Quantity      int                  `validate:"min=1"`
	Priority      domain.Priority      `validate:"oneof=low medium high"`
	Reason        string
	Delivery      domain.DeliveryDetails
}

// CreateRequest records a pending request. The quantity check is against
// the medication as read now; nothing is reserved until approval.
func (e Engine) CreateRequest(ctx context.Context, opts RequestCreateOptions) (domain.Request, error) {
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	opts.Reason = strings.TrimSpace(opts.Reason)
	if err := e.validate(opts); err != nil {
		return domain.Request{}, err
	}
	if n := len([]rune(opts.Reason)); n < e.reasonMinLength() {
		return domain.Request{}, validationf("reason must be at least %d characters", e.reasonMinLength())
	}
	med, err := e.Repo.GetMedication(ctx, opts.MedicationID)
	if err != nil {
		return domain.Request{}, translateStore(err, "medication", opts.MedicationID)
	}
	if med.Status != domain.MedicationAvailable {
		return domain.Request{}, fmt.Errorf("%w: medication %s is %s", ErrInvalidState, med.ID, med.Status)
	}
	if opts.Quantity > med.Quantity {
		return domain.Request{}, validationf("requested quantity %d exceeds available %d", opts.Quantity, med.Quantity)
	}
	now := e.now()
	req := domain.Request{
		ID:             uuid.NewString(),
		MedicationID:   med.ID,
		MedicationName: med.Name,
		Unit:           med.Unit,
		RequesterID:    opts.RequesterID,
		RequesterName:  opts.RequesterName,
		RequesterType:  opts.RequesterType,
		DonorID:        med.DonorID,
		DonorName:      med.DonorName,
		Quantity:       opts.Quantity,
		Priority:       opts.Priority,
		Reason:         opts.Reason,
		Delivery:       opts.Delivery,
		CreatedAt:      now,
	}
	req.Record(domain.StatusPending, opts.RequesterID, "", now)
	err = e.transact(ctx, func(tx *store.Tx) error {
		if err := tx.Create(domain.CollectionRequests, req.ID, req, now); err != nil {
			return err
		}
		_, err := e.events().Append(tx, events.RequestCreated, "request", req.ID, opts.RequesterID, events.EventPayload{
			"medication_id": req.MedicationID, "quantity": req.Quantity, "priority": string(req.Priority),
		})
		return err
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.notify(ctx, req, events.RequestCreated, opts.RequesterID, "")
	return req, nil
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// DecideOptions are parameters for approving or rejecting a request.
type DecideOptions struct {
	RequestID             string   `validate:"required"`
	DeciderID             string   `validate:"required"`
	Decision              Decision `validate:"oneof=approve reject"`
	Note                  string
	Reason                string
	EstimatedDeliveryDate *time.Time
}

// Decide approves or rejects a pending request. Approval re-reads the
// medication and decrements it in the same commit that flips the request,
// so concurrent approvals can never over-allocate stock.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (domain.Request, error) {
	opts.Reason = strings.TrimSpace(opts.Reason)
	opts.Note = strings.TrimSpace(opts.Note)
	if err := e.validate(opts); err != nil {
		return domain.Request{}, err
	}
	if opts.Decision == DecisionReject && opts.Reason == "" {
		return domain.Request{}, validationf("reason is required to reject a request")
	}
	var out domain.Request
	err := e.transact(ctx, func(tx *store.Tx) error {
		var req domain.Request
		if _, err := tx.GetInto(domain.CollectionRequests, opts.RequestID, &req); err != nil {
			return translateStore(err, "request", opts.RequestID)
		}
		if req.DonorID != opts.DeciderID {
			return unauthorizedf("only the donor of request %s can decide it", req.ID)
		}
		target := domain.StatusApproved
		if opts.Decision == DecisionReject {
			target = domain.StatusRejected
		}
		if err := ensureRequestTransition(req.Status, target); err != nil {
			return err
		}
		now := e.now()
		payload := events.EventPayload{"medication_id": req.MedicationID, "quantity": req.Quantity}
		switch opts.Decision {
		case DecisionApprove:
			var med domain.Medication
			if _, err := tx.GetInto(domain.CollectionMedications, req.MedicationID, &med); err != nil {
				return translateStore(err, "medication", req.MedicationID)
			}
			remaining := med.Quantity - req.Quantity
			if remaining < 0 {
				return InsufficientQuantityError{MedicationID: med.ID, Available: med.Quantity, Requested: req.Quantity}
			}
			med.Quantity = remaining
			if remaining == 0 {
				med.Status = domain.MedicationReserved
			}
			med.UpdatedAt = now
			if err := tx.Put(domain.CollectionMedications, med.ID, med, now); err != nil {
				return err
			}
			req.Record(domain.StatusApproved, opts.DeciderID, opts.Note, now)
			req.Resolution = domain.Approval{
				ApprovedBy:            opts.DeciderID,
				ApprovedAt:            now,
				Note:                  opts.Note,
				EstimatedDeliveryDate: opts.EstimatedDeliveryDate,
			}
			payload["remaining"] = remaining
		case DecisionReject:
			req.Record(domain.StatusRejected, opts.DeciderID, opts.Reason, now)
			req.Resolution = domain.Rejection{RejectedBy: opts.DeciderID, RejectedAt: now, Reason: opts.Reason}
			payload["reason"] = opts.Reason
		}
		if err := tx.Put(domain.CollectionRequests, req.ID, req, now); err != nil {
			return err
		}
		if _, err := e.events().Append(tx, events.ForStatus(req.Status), "request", req.ID, opts.DeciderID, payload); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.Log.Debug().Str("request_id", out.ID).Str("status", string(out.Status)).Str("actor_id", opts.DeciderID).Msg("request decided")
	note := opts.Note
	if opts.Decision == DecisionReject {
		note = opts.Reason
	}
	e.notify(ctx, out, events.ForStatus(out.Status), opts.DeciderID, note)
	return out, nil
}

// ShipmentOptions are parameters for moving an approved request along.
type ShipmentOptions struct {
	RequestID string               `validate:"required"`
	Handler   domain.Caller
	Status    domain.RequestStatus `validate:"oneof=in-transit delivered"`
	Note      string
	Tracking  *domain.TrackingUpdate
}

// AdvanceShipment moves approved -> in-transit or in-transit -> delivered.
// Inventory was already decremented at approval and is not touched here.
func (e Engine) AdvanceShipment(ctx context.Context, opts ShipmentOptions) (domain.Request, error) {
	if err := e.validate(opts); err != nil {
		return domain.Request{}, err
	}
	if opts.Handler.ID == "" {
		return domain.Request{}, validationf("handler is required")
	}
	var out domain.Request
	err := e.transact(ctx, func(tx *store.Tx) error {
		var req domain.Request
		if _, err := tx.GetInto(domain.CollectionRequests, opts.RequestID, &req); err != nil {
			return translateStore(err, "request", opts.RequestID)
		}
		if err := canHandleShipment(opts.Handler, req, opts.Status); err != nil {
			return err
		}
		if err := ensureRequestTransition(req.Status, opts.Status); err != nil {
			return err
		}
		now := e.now()
		if opts.Tracking != nil || opts.Status == domain.StatusInTransit {
			if req.Tracking == nil {
				req.Tracking = &domain.DeliveryTracking{}
			}
			req.Tracking.Merge(opts.Tracking, now, e.storageRange(ctx, req.MedicationID))
		}
		req.Record(opts.Status, opts.Handler.ID, strings.TrimSpace(opts.Note), now)
		if err := tx.Put(domain.CollectionRequests, req.ID, req, now); err != nil {
			return err
		}
		payload := events.EventPayload{"medication_id": req.MedicationID}
		if req.Tracking != nil && req.Tracking.Location != "" {
			payload["location"] = req.Tracking.Location
		}
		if _, err := e.events().Append(tx, events.ForStatus(req.Status), "request", req.ID, opts.Handler.ID, payload); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.notify(ctx, out, events.ForStatus(out.Status), opts.Handler.ID, opts.Note)
	return out, nil
}

// TelemetryOptions carry an in-flight tracking reading.
type TelemetryOptions struct {
	RequestID string `validate:"required"`
	Handler   domain.Caller
	Tracking  *domain.TrackingUpdate
}

// RecordTelemetry merges a tracking reading into an in-transit request. It
// does not change status and adds no audit entry.
func (e Engine) RecordTelemetry(ctx context.Context, opts TelemetryOptions) (domain.Request, error) {
	if err := e.validate(opts); err != nil {
		return domain.Request{}, err
	}
	if opts.Tracking.Empty() {
		return domain.Request{}, validationf("at least one tracking field is required")
	}
	var out domain.Request
	err := e.transact(ctx, func(tx *store.Tx) error {
		var req domain.Request
		if _, err := tx.GetInto(domain.CollectionRequests, opts.RequestID, &req); err != nil {
			return translateStore(err, "request", opts.RequestID)
		}
		if !opts.Handler.IsAdmin() && opts.Handler.ID != req.DonorID {
			return unauthorizedf("only the donor or an admin can report tracking for request %s", req.ID)
		}
		if req.Status != domain.StatusInTransit {
			return fmt.Errorf("%w: tracking updates need an in-transit request, %s is %s", ErrInvalidState, req.ID, req.Status)
		}
		now := e.now()
		if req.Tracking == nil {
			req.Tracking = &domain.DeliveryTracking{}
		}
		wasAlert := req.Tracking.TemperatureAlert
		req.Tracking.Merge(opts.Tracking, now, e.storageRange(ctx, req.MedicationID))
		req.UpdatedAt = now
		if err := tx.Put(domain.CollectionRequests, req.ID, req, now); err != nil {
			return err
		}
		payload := events.EventPayload{"location": req.Tracking.Location}
		if req.Tracking.Temperature != nil {
			payload["temperature"] = *req.Tracking.Temperature
		}
		if req.Tracking.TemperatureAlert && !wasAlert {
			payload["temperature_alert"] = true
		}
		if _, err := e.events().Append(tx, events.RequestTelemetry, "request", req.ID, opts.Handler.ID, payload); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	e.notify(ctx, out, events.RequestTelemetry, opts.Handler.ID, "")
	return out, nil
}

func ensureRequestTransition(oldStatus, newStatus domain.RequestStatus) error {
	if domain.CanTransition(oldStatus, newStatus) {
		return nil
	}
	return InvalidStateError{Entity: "request", From: string(oldStatus), To: string(newStatus)}
}

// canHandleShipment: the donor dispatches; the donor or the requester
// confirms delivery; admins may do either.
func canHandleShipment(handler domain.Caller, req domain.Request, target domain.RequestStatus) error {
	if handler.IsAdmin() || handler.ID == req.DonorID {
		return nil
	}
	if target == domain.StatusDelivered && handler.ID == req.RequesterID {
		return nil
	}
	return unauthorizedf("%s cannot move request %s to %s", handler.ID, req.ID, target)
}

// storageRange is a point-in-time read; a missing medication only disables
// the temperature check.
func (e Engine) storageRange(ctx context.Context, medicationID string) *domain.StorageRange {
	med, err := e.Repo.GetMedication(ctx, medicationID)
	if err != nil {
		return nil
	}
	return med.Storage
}

func (e Engine) notify(ctx context.Context, req domain.Request, evtType, actorID, note string) {
	if e.Notifier == nil {
		return
	}
	recipients := []string{req.RequesterID}
	if req.DonorID != req.RequesterID {
		recipients = append(recipients, req.DonorID)
	}
	msg := notify.Message{
		Type:         evtType,
		RequestID:    req.ID,
		MedicationID: req.MedicationID,
		Status:       string(req.Status),
		ActorID:      actorID,
		Note:         note,
		At:           e.now(),
		Recipients:   recipients,
	}
	if err := e.Notifier.Notify(ctx, msg); err != nil {
		e.Log.Warn().Err(err).Str("request_id", req.ID).Str("type", evtType).Msg("notification failed")
	}
}
