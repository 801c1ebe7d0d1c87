package medsharesdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medshare/internal/config"
	"medshare/internal/db"
	"medshare/internal/domain"
	"medshare/internal/engine"
	"medshare/internal/identity"
	"medshare/internal/server"
	"medshare/internal/store/sqlitestore"
	medsharesdk "medshare/sdk/go"
)

const secret = "sdk-test-secret"

func newAPI(t *testing.T) string {
	t.Helper()
	st, err := sqlitestore.Open(context.Background(), db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cfg := config.Default()
	cfg.Auth.JWTSecret = secret
	handler, err := server.New(server.Config{
		Engine:   engine.New(st, cfg),
		BasePath: "/v1",
		Identity: identity.Chain{identity.JWT{Secret: secret}},
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts.URL + "/v1"
}

func clientAs(t *testing.T, base string, c domain.Caller) *medsharesdk.Client {
	t.Helper()
	tok, err := identity.Mint(secret, c, time.Hour, time.Now())
	require.NoError(t, err)
	cl := medsharesdk.New(base)
	cl.BearerToken = tok
	return cl
}

func TestClientLifecycle(t *testing.T) {
	ctx := context.Background()
	base := newAPI(t)
	donor := clientAs(t, base, domain.Caller{ID: "donor-1", Role: domain.RoleDonor})
	ngo := clientAs(t, base, domain.Caller{ID: "ngo-1", Role: domain.RoleNGO})

	med, err := donor.CreateMedication(ctx, medsharesdk.CreateMedicationInput{Name: "Amoxicillin", Quantity: 5, Unit: "boxes"})
	require.NoError(t, err)
	assert.Equal(t, "available", med.Status)

	req, err := ngo.CreateRequest(ctx, medsharesdk.CreateRequestInput{MedicationID: med.ID, Quantity: 5, Priority: "high", Reason: "clinic stock"})
	require.NoError(t, err)
	assert.Equal(t, "pending", req.Status)

	req, err = donor.Approve(ctx, req.ID, "packing today", nil)
	require.NoError(t, err)
	require.NotNil(t, req.ApprovalDetails)
	assert.Equal(t, "donor-1", req.ApprovalDetails.ApprovedBy)

	med, err = donor.GetMedication(ctx, med.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, med.Quantity)
	assert.Equal(t, "reserved", med.Status)

	loc := "depot"
	req, err = donor.Ship(ctx, req.ID, "", &medsharesdk.TrackingInput{Location: &loc})
	require.NoError(t, err)
	assert.Equal(t, "in-transit", req.Status)

	req, err = ngo.Deliver(ctx, req.ID, "received")
	require.NoError(t, err)
	assert.Equal(t, "delivered", req.Status)
	assert.Len(t, req.StatusUpdates, 4)

	page, err := ngo.ListRequests(ctx, medsharesdk.ListOptions{Scope: "mine"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, req.ID, page.Items[0].ID)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	base := newAPI(t)
	donor := clientAs(t, base, domain.Caller{ID: "donor-1", Role: domain.RoleDonor})
	ngo := clientAs(t, base, domain.Caller{ID: "ngo-1", Role: domain.RoleNGO})

	med, err := donor.CreateMedication(ctx, medsharesdk.CreateMedicationInput{Name: "Insulin", Quantity: 3, Unit: "pens"})
	require.NoError(t, err)
	first, err := ngo.CreateRequest(ctx, medsharesdk.CreateRequestInput{MedicationID: med.ID, Quantity: 2, Reason: "ward restock"})
	require.NoError(t, err)
	req, err := ngo.CreateRequest(ctx, medsharesdk.CreateRequestInput{MedicationID: med.ID, Quantity: 2, Reason: "second ward restock"})
	require.NoError(t, err)

	_, err = ngo.CreateRequest(ctx, medsharesdk.CreateRequestInput{MedicationID: med.ID, Quantity: 1, Reason: "short"})
	assert.True(t, medsharesdk.IsCode(err, "validation_error"))

	_, err = donor.Approve(ctx, first.ID, "", nil)
	require.NoError(t, err)
	_, err = donor.Approve(ctx, req.ID, "", nil)
	require.Error(t, err)
	assert.True(t, medsharesdk.IsCode(err, "insufficient_quantity"))

	_, err = donor.Reject(ctx, req.ID, "")
	var apiErr *medsharesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable())

	_, err = ngo.Approve(ctx, req.ID, "", nil)
	assert.True(t, medsharesdk.IsCode(err, "forbidden"))

	anon := medsharesdk.New(base)
	_, err = anon.ListMedications(ctx, medsharesdk.ListOptions{})
	assert.True(t, medsharesdk.IsCode(err, "unauthorized"))
}
