package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medshare/internal/config"
	"medshare/internal/db"
	"medshare/internal/domain"
	"medshare/internal/engine"
	"medshare/internal/identity"
	"medshare/internal/notify"
	"medshare/internal/repo"
	"medshare/internal/store/sqlitestore"
)

const testSecret = "server-test-secret"

var (
	donor   = domain.Caller{ID: "donor-1", Role: domain.RoleDonor, Name: "Pharma One"}
	donor2  = domain.Caller{ID: "donor-2", Role: domain.RoleDonor}
	ngo     = domain.Caller{ID: "ngo-1", Role: domain.RoleNGO, Name: "Relief"}
	admin   = domain.Caller{ID: "admin-1", Role: domain.RoleAdmin}
	devAuth = AuthConfig{JWTSecret: testSecret, DevLogin: true}
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) *testServer {
	t.Helper()
	st, err := sqlitestore.Open(context.Background(), db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	e := engine.New(st, cfg)
	hub := notify.NewHub(zerolog.Nop())
	e.Notifier = hub
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     authCfg,
		Identity: identity.Chain{identity.JWT{Secret: testSecret}, identity.APIKey{Keys: e.Repo}},
		Hub:      hub,
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			st.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func tokenFor(t *testing.T, c domain.Caller) map[string]string {
	t.Helper()
	tok, err := identity.Mint(testSecret, c, time.Hour, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) errorEnvelope {
	t.Helper()
	require.Equal(t, status, res.StatusCode, string(data))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	assert.Equal(t, code, env.Error.Code, string(data))
	return env
}

func createMedication(t *testing.T, srv *testServer, qty int) MedicationResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/medications", map[string]any{
		"name": "Paracetamol 500mg", "quantity": qty, "unit": "boxes",
	}, tokenFor(t, donor))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var m MedicationResponse
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func createRequest(t *testing.T, srv *testServer, medID string, qty int) RequestResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests", map[string]any{
		"medication_id": medID, "quantity": qty, "priority": "high", "reason": "Field clinic has run out",
	}, tokenFor(t, ngo))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var r RequestResponse
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, devAuth)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer junk"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, tokenFor(t, donor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, "donor-1", who.ID)
	assert.Contains(t, who.Permissions, "request.decide")
}

func TestDevLogin(t *testing.T) {
	srv := newTestServer(t, devAuth)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"caller_id": "ngo-9", "role": "ngo",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	closed := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	res, data = doJSON(t, closed.Client(), http.MethodPost, closed.URL+"/v1/auth/dev/login", map[string]any{
		"caller_id": "ngo-9", "role": "ngo",
	}, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestRequestLifecycle(t *testing.T) {
	srv := newTestServer(t, devAuth)
	client := srv.Client()
	med := createMedication(t, srv, 10)
	req := createRequest(t, srv, med.ID, 4)
	assert.Equal(t, "pending", req.Status)
	assert.Equal(t, "ngo", req.RequesterType)
	assert.Equal(t, "Pharma One", req.DonorName)

	base := srv.URL + "/v1/requests/" + req.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/approve", nil, tokenFor(t, ngo))
	env := expectError(t, res, data, http.StatusForbidden, "forbidden")
	assert.Equal(t, "request.decide", env.Error.Details["permission"])

	res, data = doJSON(t, client, http.MethodPost, base+"/approve", nil, tokenFor(t, donor2))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPost, base+"/deliver", nil, tokenFor(t, ngo))
	expectError(t, res, data, http.StatusConflict, "invalid_state")

	res, data = doJSON(t, client, http.MethodPost, base+"/approve", map[string]any{"note": "ready Friday"}, tokenFor(t, donor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var approved RequestResponse
	require.NoError(t, json.Unmarshal(data, &approved))
	assert.Equal(t, "approved", approved.Status)
	require.NotNil(t, approved.ApprovalDetails)
	assert.Equal(t, "ready Friday", approved.ApprovalDetails.Note)
	assert.Nil(t, approved.RejectionDetails)

	res, data = doJSON(t, client, http.MethodPost, base+"/approve", nil, tokenFor(t, donor))
	expectError(t, res, data, http.StatusConflict, "invalid_state")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/medications/"+med.ID, nil, tokenFor(t, donor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var m MedicationResponse
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, 6, m.Quantity)

	res, data = doJSON(t, client, http.MethodPost, base+"/ship", nil, tokenFor(t, ngo))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPost, base+"/ship", map[string]any{
		"tracking": map[string]any{"location": "Depot", "carrier_reference": "TRK-1"},
	}, tokenFor(t, donor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, base+"/telemetry", map[string]any{"temperature": 4.5}, tokenFor(t, donor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, base+"/deliver", map[string]any{"note": "received"}, tokenFor(t, ngo))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var delivered RequestResponse
	require.NoError(t, json.Unmarshal(data, &delivered))
	assert.Equal(t, "delivered", delivered.Status)
	require.Len(t, delivered.StatusUpdates, 4)
	require.NotNil(t, delivered.Tracking)
	assert.Equal(t, "TRK-1", delivered.Tracking.CarrierReference)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_id="+req.ID, nil, tokenFor(t, ngo))
	expectError(t, res, data, http.StatusForbidden, "forbidden")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_id="+req.ID, nil, tokenFor(t, admin))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evts paginatedEvents
	require.NoError(t, json.Unmarshal(data, &evts))
	assert.Len(t, evts.Items, 5)
}

func TestBodylessTransitions(t *testing.T) {
	srv := newTestServer(t, devAuth)
	client := srv.Client()
	med := createMedication(t, srv, 3)
	req := createRequest(t, srv, med.ID, 3)
	base := srv.URL + "/v1/requests/" + req.ID

	res, data := doJSON(t, client, http.MethodPost, base+"/approve", nil, tokenFor(t, ngo))
	expectError(t, res, data, http.StatusForbidden, "forbidden")
	res, data = doJSON(t, client, http.MethodPost, base+"/approve", nil, tokenFor(t, donor2))
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	steps := []struct {
		verb   string
		caller domain.Caller
		status string
	}{
		{"approve", donor, "approved"},
		{"ship", donor, "in-transit"},
		{"deliver", ngo, "delivered"},
	}
	for _, step := range steps {
		res, data = doJSON(t, client, http.MethodPost, base+"/"+step.verb, nil, tokenFor(t, step.caller))
		require.Equal(t, http.StatusOK, res.StatusCode, "%s: %s", step.verb, data)
		var got RequestResponse
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, step.status, got.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, base, nil, tokenFor(t, ngo))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var final RequestResponse
	require.NoError(t, json.Unmarshal(data, &final))
	require.NotNil(t, final.ApprovalDetails)
	assert.Empty(t, final.ApprovalDetails.Note)
	require.NotNil(t, final.Tracking)
	assert.Empty(t, final.Tracking.Location)
	assert.Len(t, final.StatusUpdates, 4)
}

func TestDecisionErrors(t *testing.T) {
	srv := newTestServer(t, devAuth)
	client := srv.Client()
	med := createMedication(t, srv, 50)
	r1 := createRequest(t, srv, med.ID, 30)
	r2 := createRequest(t, srv, med.ID, 30)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+r1.ID+"/approve", nil, tokenFor(t, donor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+r2.ID+"/approve", nil, tokenFor(t, donor))
	env := expectError(t, res, data, http.StatusConflict, "insufficient_quantity")
	assert.EqualValues(t, 20, env.Error.Details["available"])

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+r2.ID+"/reject", map[string]any{"reason": ""}, tokenFor(t, donor))
	expectError(t, res, data, http.StatusBadRequest, "validation_error")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+r2.ID+"/reject", map[string]any{}, tokenFor(t, donor))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+r2.ID+"/reject", map[string]any{"reason": "Not enough stock left"}, tokenFor(t, donor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rejected RequestResponse
	require.NoError(t, json.Unmarshal(data, &rejected))
	require.NotNil(t, rejected.RejectionDetails)
	assert.Nil(t, rejected.ApprovalDetails)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests/missing", nil, tokenFor(t, ngo))
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests/"+r1.ID, nil, tokenFor(t, donor2))
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestListRequestsPagination(t *testing.T) {
	srv := newTestServer(t, devAuth)
	med := createMedication(t, srv, 100)
	for i := 0; i < 3; i++ {
		createRequest(t, srv, med.ID, 1)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests?scope=incoming&limit=2", nil, tokenFor(t, donor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedRequests
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests?scope=incoming&limit=2&cursor="+page.NextCursor, nil, tokenFor(t, donor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var next paginatedRequests
	require.NoError(t, json.Unmarshal(data, &next))
	assert.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/requests?cursor=bogus", nil, tokenFor(t, ngo))
	expectError(t, res, data, http.StatusBadRequest, "validation_error")
}

func TestLiveFeed(t *testing.T) {
	srv := newTestServer(t, devAuth)
	med := createMedication(t, srv, 5)
	req := createRequest(t, srv, med.ID, 2)

	tok, err := identity.Mint(testSecret, ngo, time.Hour, time.Now())
	require.NoError(t, err)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	hub := srv.Engine.Notifier.(*notify.Hub)
	require.Eventually(t, func() bool { return hub.Connected(ngo.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/approve", nil, tokenFor(t, donor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg notify.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, req.ID, msg.RequestID)
	assert.Equal(t, "approved", msg.Status)
	assert.Equal(t, donor.ID, msg.ActorID)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	require.Error(t, err)
}

func TestWebhookDelivery(t *testing.T) {
	srv := newTestServer(t, devAuth)
	med := createMedication(t, srv, 5)

	var mu sync.Mutex
	var got []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("X-Medshare-Signature") != Sign("s3cret", body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine, []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret", Events: []string{"request.created", "request.approved"}}}, zerolog.Nop())
	require.NotNil(t, d)
	ctx := context.Background()
	_, err := d.cursorFor(ctx, 0)
	require.NoError(t, err)

	req := createRequest(t, srv, med.ID, 1)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/requests/"+req.ID+"/approve", nil, tokenFor(t, donor))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2, "medication.created predates the cursor; each event is sent once")
	assert.Equal(t, "request.created", got[0].Type)
	assert.Equal(t, "request.approved", got[1].Type)
	assert.Equal(t, req.ID, got[1].EntityID)
	assert.Equal(t, got[0].Seq+1, got[1].Seq)
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, devAuth)
	key := domain.APIKey{ID: "k1", CallerID: "ngo-7", Role: domain.RoleNGO, Name: "ops", KeyHash: repo.HashAPIKey("plain-key"), CreatedAt: time.Now().UTC()}
	require.NoError(t, srv.Engine.Repo.InsertAPIKey(context.Background(), key))

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "plain-key"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, "ngo-7", who.ID)
	assert.Equal(t, identity.SourceAPIKey, who.Source)

	require.NoError(t, srv.Engine.Repo.RevokeAPIKey(context.Background(), "k1", time.Now()))
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "plain-key"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}
