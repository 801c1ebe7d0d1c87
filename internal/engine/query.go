package engine

import (
	"context"
	"strings"

	"medshare/internal/domain"
	"medshare/internal/repo"
)

// Scopes narrow a listing. The server never trusts a client-side filter for
// visibility; the scope is applied here against the verified caller.
const (
	ScopeAll       = "all"
	ScopeMine      = "mine"
	ScopeIncoming  = "incoming"
	ScopeAvailable = "available"
)

type RequestListOptions struct {
	Scope string
	// Status is one status or a comma-separated set, e.g. approved,in-transit.
	Status string

	Priority     string
	MedicationID string
	Search       string
	Limit        int
	Cursor       string
}

// ListRequests returns requests visible to caller, newest first. Admins see
// everything; others see the requests they made, or with scope incoming the
// requests made against their donations.
func (e Engine) ListRequests(ctx context.Context, caller domain.Caller, opts RequestListOptions) (repo.Page[domain.Request], error) {
	var empty repo.Page[domain.Request]
	statuses, err := parseStatuses(opts.Status)
	if err != nil {
		return empty, err
	}
	switch domain.Priority(opts.Priority) {
	case "", domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh:
	default:
		return empty, validationf("unknown priority %q", opts.Priority)
	}
	f := repo.RequestFilter{
		MedicationID: opts.MedicationID,
		Priority:     opts.Priority,
		Search:       opts.Search,
		Limit:        opts.Limit,
		Cursor:       opts.Cursor,
	}
	if len(statuses) == 1 {
		f.Status = statuses[0]
	} else {
		f.Statuses = statuses
	}
	switch opts.Scope {
	case "", ScopeMine:
		if caller.IsAdmin() && opts.Scope == "" {
			break
		}
		f.RequesterID = caller.ID
	case ScopeIncoming:
		f.DonorID = caller.ID
	case ScopeAll:
		if !caller.IsAdmin() {
			return empty, unauthorizedf("scope all is limited to admins")
		}
	default:
		return empty, validationf("unknown scope %q", opts.Scope)
	}
	page, err := e.Repo.ListRequests(ctx, f)
	if err != nil {
		return empty, translateStore(err, "request", "")
	}
	return page, nil
}

func parseStatuses(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []string
	seen := map[string]bool{}
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if !domain.RequestStatus(s).Valid() {
			return nil, validationf("unknown status %q", s)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// GetRequest returns a request visible to caller. Requests the caller may
// not see are reported as not found.
func (e Engine) GetRequest(ctx context.Context, caller domain.Caller, id string) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return domain.Request{}, translateStore(err, "request", id)
	}
	if !caller.IsAdmin() && caller.ID != req.RequesterID && caller.ID != req.DonorID {
		return domain.Request{}, notFound("request", id)
	}
	return req, nil
}

type InventoryListOptions struct {
	Scope  string
	Status string
	Search string
	Limit  int
	Cursor string
}

// ListInventory returns medications visible to caller. Admins see
// everything; donors see their own listings; scope available lists what
// anyone can request.
func (e Engine) ListInventory(ctx context.Context, caller domain.Caller, opts InventoryListOptions) (repo.Page[domain.Medication], error) {
	var empty repo.Page[domain.Medication]
	if opts.Status != "" && !domain.MedicationStatus(opts.Status).Valid() {
		return empty, validationf("unknown status %q", opts.Status)
	}
	f := repo.MedicationFilter{Status: opts.Status, Search: opts.Search, Limit: opts.Limit, Cursor: opts.Cursor}
	switch opts.Scope {
	case "", ScopeMine:
		if caller.IsAdmin() && opts.Scope == "" {
			break
		}
		f.DonorID = caller.ID
	case ScopeAvailable:
		if opts.Status != "" && opts.Status != string(domain.MedicationAvailable) {
			return empty, validationf("scope available cannot be combined with status %s", opts.Status)
		}
		f.Status = string(domain.MedicationAvailable)
	case ScopeAll:
		if !caller.IsAdmin() {
			return empty, unauthorizedf("scope all is limited to admins")
		}
	default:
		return empty, validationf("unknown scope %q", opts.Scope)
	}
	page, err := e.Repo.ListMedications(ctx, f)
	if err != nil {
		return empty, translateStore(err, "medication", "")
	}
	return page, nil
}

// GetMedication returns a medication if it is available, caller owns it,
// caller holds a request against it, or caller is an admin.
func (e Engine) GetMedication(ctx context.Context, caller domain.Caller, id string) (domain.Medication, error) {
	med, err := e.Repo.GetMedication(ctx, id)
	if err != nil {
		return domain.Medication{}, translateStore(err, "medication", id)
	}
	if caller.IsAdmin() || caller.ID == med.DonorID || med.Status == domain.MedicationAvailable {
		return med, nil
	}
	held, err := e.Repo.ListRequests(ctx, repo.RequestFilter{RequesterID: caller.ID, MedicationID: id, Limit: 1})
	if err != nil {
		return domain.Medication{}, translateStore(err, "request", "")
	}
	if len(held.Items) == 0 {
		return domain.Medication{}, notFound("medication", id)
	}
	return med, nil
}

// ListEvents pages through the event log. Callers gate access.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) (repo.Page[domain.Event], error) {
	page, err := e.Repo.ListEvents(ctx, f)
	if err != nil {
		return repo.Page[domain.Event]{}, translateStore(err, "event", "")
	}
	return page, nil
}
