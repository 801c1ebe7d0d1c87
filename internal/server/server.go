package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"medshare/internal/domain"
	"medshare/internal/engine"
	"medshare/internal/engine/auth"
	"medshare/internal/identity"
	"medshare/internal/logging"
	"medshare/internal/notify"
	"medshare/internal/repo"
)

// Config for the HTTP API handler. A nil Hub disables the live feed.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Identity identity.Verifier
	Hub      *notify.Hub
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_quantity"`
	Message string         `json:"message" example:"insufficient quantity for med-1: 20 available, 30 requested"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"available\":20}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the medshare API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(logging.Requests(cfg.Log))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Identity, cfg.Log))
	hcfg := huma.DefaultConfig("MedShare API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerMedications(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerShipments(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerFeed(router, basePath, cfg.Hub)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine error kinds onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"permission": fe.Permission})
	}
	var qe engine.InsufficientQuantityError
	if errors.As(err, &qe) {
		return newAPIError(http.StatusConflict, "insufficient_quantity", msg, map[string]any{
			"medication_id": qe.MedicationID, "available": qe.Available, "requested": qe.Requested,
		})
	}
	var ise engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", msg, map[string]any{"from": ise.From, "to": ise.To})
	}
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_error", msg, nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	case errors.Is(err, engine.ErrInsufficientQuantity):
		return newAPIError(http.StatusConflict, "insufficient_quantity", msg, nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, map[string]any{"retryable": true})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requirePermission returns the verified caller when its role grants perm.
func requirePermission(ctx context.Context, e engine.Engine, perm string) (domain.Caller, error) {
	caller, authErr := callerFromRequest(ctx)
	if authErr != nil {
		return domain.Caller{}, authErr
	}
	if err := e.Auth.Require(caller, perm); err != nil {
		return domain.Caller{}, err
	}
	return caller, nil
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

var readErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ID:          caller.ID,
			Role:        string(caller.Role),
			Name:        caller.Name,
			Source:      caller.Source,
			Permissions: nonNilSlice(e.Auth.Permissions(caller.Role)),
		}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.DevLogin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login is disabled", nil)
		}
		ttl := time.Hour
		if e.Config != nil && e.Config.Auth.TokenTTL > 0 {
			ttl = e.Config.Auth.TokenTTL
		}
		now := time.Now().UTC()
		caller := domain.Caller{ID: strings.TrimSpace(input.Body.CallerID), Role: input.Body.Role, Name: input.Body.Name}
		token, err := identity.Mint(authCfg.JWTSecret, caller, ttl, now)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: now.Add(ttl)}}, nil
	})
}

func registerMedications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-medication",
		Method:        http.MethodPost,
		Path:          "/medications",
		Summary:       "List a donated medication",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMedicationRequest `json:"body"`
	}) (*struct {
		Body MedicationResponse `json:"body"`
	}, error) {
		caller, err := requirePermission(ctx, e, auth.PermMedicationCreate)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.CreateMedication(ctx, engine.MedicationCreateOptions{
			DonorID:     caller.ID,
			DonorName:   caller.Name,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Quantity:    input.Body.Quantity,
			Unit:        input.Body.Unit,
			ExpiryDate:  input.Body.ExpiryDate,
			Storage:     input.Body.Storage,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MedicationResponse `json:"body"`
		}{Body: medicationResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-medications",
		Method:      http.MethodGet,
		Path:        "/medications",
		Summary:     "List medications visible to the caller",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Scope  string `query:"scope" enum:"mine,available,all"`
		Status string `query:"status" enum:"available,reserved,delivered"`
		Search string `query:"q"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedMedications `json:"body"`
	}, error) {
		caller, err := requirePermission(ctx, e, auth.PermMedicationRead)
		if err != nil {
			return nil, handleError(err)
		}
		page, err := e.ListInventory(ctx, caller, engine.InventoryListOptions{
			Scope: input.Scope, Status: input.Status, Search: input.Search, Limit: input.Limit, Cursor: input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedMedications `json:"body"`
		}{Body: paginatedMedications{Items: mapSlice(page.Items, medicationResponse), NextCursor: page.NextCursor}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-medication",
		Method:      http.MethodGet,
		Path:        "/medications/{id}",
		Summary:     "Get medication",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MedicationResponse `json:"body"`
	}, error) {
		caller, err := requirePermission(ctx, e, auth.PermMedicationRead)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.GetMedication(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MedicationResponse `json:"body"`
		}{Body: medicationResponse(m)}, nil
	})
}

type requestOutput struct {
	Body RequestResponse `json:"body"`
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Request a medication",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*requestOutput, error) {
		caller, err := requirePermission(ctx, e, auth.PermRequestCreate)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.CreateRequest(ctx, engine.RequestCreateOptions{
			RequesterID:   caller.ID,
			RequesterName: caller.Name,
			RequesterType: domain.RequesterType(caller.Role),
			MedicationID:  input.Body.MedicationID,
			Quantity:      input.Body.Quantity,
			Priority:      domain.Priority(input.Body.Priority),
			Reason:        input.Body.Reason,
			Delivery:      input.Body.Delivery,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: requestResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests visible to the caller",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Scope        string   `query:"scope" enum:"mine,incoming,all"`
		Status       []string `query:"status" enum:"pending,approved,rejected,in-transit,delivered" doc:"One or more statuses, comma-separated"`
		Priority     string   `query:"priority" enum:"low,medium,high"`
		MedicationID string   `query:"medication_id"`
		Search       string   `query:"q"`
		Limit        int      `query:"limit" default:"50"`
		Cursor       string   `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		caller, err := requirePermission(ctx, e, auth.PermRequestRead)
		if err != nil {
			return nil, handleError(err)
		}
		page, err := e.ListRequests(ctx, caller, engine.RequestListOptions{
			Scope:        input.Scope,
			Status:       strings.Join(input.Status, ","),
			Priority:     input.Priority,
			MedicationID: input.MedicationID,
			Search:       input.Search,
			Limit:        input.Limit,
			Cursor:       input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: paginatedRequests{Items: mapSlice(page.Items, requestResponse), NextCursor: page.NextCursor}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get request",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*requestOutput, error) {
		caller, err := requirePermission(ctx, e, auth.PermRequestRead)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.GetRequest(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: requestResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/approve",
		Summary:     "Approve a pending request and reserve stock",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *ApproveRequest `json:"body" required:"false"`
	}) (*requestOutput, error) {
		caller, err := requirePermission(ctx, e, auth.PermRequestDecide)
		if err != nil {
			return nil, handleError(err)
		}
		var body ApproveRequest
		if input.Body != nil {
			body = *input.Body
		}
		r, err := e.Decide(ctx, engine.DecideOptions{
			RequestID:             input.ID,
			DeciderID:             caller.ID,
			Decision:              engine.DecisionApprove,
			Note:                  body.Note,
			EstimatedDeliveryDate: body.EstimatedDeliveryDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: requestResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/reject",
		Summary:     "Reject a pending request",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body RejectRequest `json:"body"`
	}) (*requestOutput, error) {
		caller, err := requirePermission(ctx, e, auth.PermRequestDecide)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.Decide(ctx, engine.DecideOptions{
			RequestID: input.ID,
			DeciderID: caller.ID,
			Decision:  engine.DecisionReject,
			Reason:    input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: requestResponse(r)}, nil
	})
}

func registerShipments(api huma.API, e engine.Engine) {
	advance := func(verb, perm string, status domain.RequestStatus, summary string) {
		huma.Register(api, huma.Operation{
			OperationID: verb + "-request",
			Method:      http.MethodPost,
			Path:        "/requests/{id}/" + verb,
			Summary:     summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *struct {
			ID   string           `path:"id"`
			Body *ShipmentRequest `json:"body" required:"false"`
		}) (*requestOutput, error) {
			caller, err := requirePermission(ctx, e, perm)
			if err != nil {
				return nil, handleError(err)
			}
			// A bare POST is a plain transition with no note or tracking.
			var body ShipmentRequest
			if input.Body != nil {
				body = *input.Body
			}
			r, err := e.AdvanceShipment(ctx, engine.ShipmentOptions{
				RequestID: input.ID,
				Handler:   caller,
				Status:    status,
				Note:      body.Note,
				Tracking:  trackingUpdate(body.Tracking),
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &requestOutput{Body: requestResponse(r)}, nil
		})
	}
	advance("ship", auth.PermShipmentShip, domain.StatusInTransit, "Dispatch an approved request")
	advance("deliver", auth.PermShipmentDeliver, domain.StatusDelivered, "Confirm delivery")

	huma.Register(api, huma.Operation{
		OperationID: "record-telemetry",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/telemetry",
		Summary:     "Report location or temperature of an in-transit request",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body TrackingRequest `json:"body"`
	}) (*requestOutput, error) {
		caller, err := requirePermission(ctx, e, auth.PermShipmentTrack)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.RecordTelemetry(ctx, engine.TelemetryOptions{
			RequestID: input.ID,
			Handler:   caller,
			Tracking:  trackingUpdate(&input.Body),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: requestResponse(r)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"medication,request"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermEventRead); err != nil {
			return nil, handleError(err)
		}
		page, err := e.ListEvents(ctx, repo.EventFilter{
			Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID, Limit: input.Limit, Cursor: input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: mapSlice(page.Items, eventResponse), NextCursor: page.NextCursor}}, nil
	})
}

func registerFeed(r chi.Router, basePath string, hub *notify.Hub) {
	r.Get(path.Join(basePath, "ws"), func(w http.ResponseWriter, req *http.Request) {
		caller, ok := CallerFromContext(req.Context())
		if !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		if hub == nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "live feed is disabled", nil))
			return
		}
		hub.Serve(w, req, caller.ID)
	})
}
