package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medshare/internal/domain"
	"medshare/internal/engine"
)

func requestIDs(items []domain.Request) []string {
	out := make([]string, 0, len(items))
	for _, r := range items {
		out = append(out, r.ID)
	}
	return out
}

func TestListRequestsScopes(t *testing.T) {
	env := newTestEnv(t)
	medA := env.medication(t, donorA, 20)
	medB := env.medication(t, donorB, 20)
	r1 := env.request(t, ngo, medA.ID, 1)
	r2 := env.request(t, person, medA.ID, 2)
	r3 := env.request(t, ngo, medB.ID, 3)

	mine, err := env.Engine.ListRequests(env.Ctx, ngo, engine.RequestListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{r3.ID, r1.ID}, requestIDs(mine.Items))

	incoming, err := env.Engine.ListRequests(env.Ctx, donorA, engine.RequestListOptions{Scope: engine.ScopeIncoming})
	require.NoError(t, err)
	assert.Equal(t, []string{r2.ID, r1.ID}, requestIDs(incoming.Items))

	all, err := env.Engine.ListRequests(env.Ctx, admin, engine.RequestListOptions{})
	require.NoError(t, err)
	assert.Len(t, all.Items, 3)

	_, err = env.Engine.ListRequests(env.Ctx, ngo, engine.RequestListOptions{Scope: engine.ScopeAll})
	require.ErrorIs(t, err, engine.ErrUnauthorized)
	_, err = env.Engine.ListRequests(env.Ctx, ngo, engine.RequestListOptions{Status: "lost"})
	require.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.ListRequests(env.Ctx, ngo, engine.RequestListOptions{Scope: "nearby"})
	require.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.ListRequests(env.Ctx, ngo, engine.RequestListOptions{Cursor: "garbage"})
	require.ErrorIs(t, err, engine.ErrValidation)

	_, err = env.approve(r1.ID, donorA.ID)
	require.NoError(t, err)
	approved, err := env.Engine.ListRequests(env.Ctx, donorA, engine.RequestListOptions{Scope: engine.ScopeIncoming, Status: "approved"})
	require.NoError(t, err)
	assert.Equal(t, []string{r1.ID}, requestIDs(approved.Items))
}

func TestListRequestsPaging(t *testing.T) {
	env := newTestEnv(t)
	med := env.medication(t, donorA, 50)
	var want []string
	for i := 0; i < 5; i++ {
		want = append([]string{env.request(t, ngo, med.ID, 1).ID}, want...)
	}

	var got []string
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		page, err := env.Engine.ListRequests(env.Ctx, ngo, engine.RequestListOptions{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		got = append(got, requestIDs(page.Items)...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, want, got)
}

func TestGetRequestVisibility(t *testing.T) {
	env := newTestEnv(t)
	med := env.medication(t, donorA, 10)
	req := env.request(t, ngo, med.ID, 1)

	for _, c := range []domain.Caller{ngo, donorA, admin} {
		got, err := env.Engine.GetRequest(env.Ctx, c, req.ID)
		require.NoError(t, err, c.ID)
		assert.Equal(t, req.ID, got.ID)
	}
	for _, c := range []domain.Caller{person, donorB} {
		_, err := env.Engine.GetRequest(env.Ctx, c, req.ID)
		require.ErrorIs(t, err, engine.ErrNotFound, c.ID)
	}
}

func TestInventoryScopes(t *testing.T) {
	env := newTestEnv(t)
	open := env.medication(t, donorA, 5)
	taken := env.medication(t, donorA, 3)
	other := env.medication(t, donorB, 7)
	r := env.request(t, ngo, taken.ID, 3)
	_, err := env.approve(r.ID, donorA.ID)
	require.NoError(t, err)

	ids := func(items []domain.Medication) []string {
		out := []string{}
		for _, m := range items {
			out = append(out, m.ID)
		}
		return out
	}

	mine, err := env.Engine.ListInventory(env.Ctx, donorA, engine.InventoryListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{taken.ID, open.ID}, ids(mine.Items))

	available, err := env.Engine.ListInventory(env.Ctx, ngo, engine.InventoryListOptions{Scope: engine.ScopeAvailable})
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID, open.ID}, ids(available.Items))

	_, err = env.Engine.ListInventory(env.Ctx, ngo, engine.InventoryListOptions{Scope: engine.ScopeAvailable, Status: "reserved"})
	require.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.ListInventory(env.Ctx, donorA, engine.InventoryListOptions{Scope: engine.ScopeAll})
	require.ErrorIs(t, err, engine.ErrUnauthorized)

	all, err := env.Engine.ListInventory(env.Ctx, admin, engine.InventoryListOptions{Scope: engine.ScopeAll})
	require.NoError(t, err)
	assert.Len(t, all.Items, 3)

	_, err = env.Engine.GetMedication(env.Ctx, person, taken.ID)
	require.ErrorIs(t, err, engine.ErrNotFound, "reserved listings are hidden from unrelated callers")
	_, err = env.Engine.GetMedication(env.Ctx, donorB, taken.ID)
	require.ErrorIs(t, err, engine.ErrNotFound)
	got, err := env.Engine.GetMedication(env.Ctx, donorA, taken.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MedicationReserved, got.Status)
	_, err = env.Engine.GetMedication(env.Ctx, ngo, open.ID)
	require.NoError(t, err)
}

func TestReservedMedicationVisibleToRequester(t *testing.T) {
	env := newTestEnv(t)
	med := env.medication(t, donorA, 4)
	held := env.request(t, ngo, med.ID, 4)
	late := env.request(t, person, med.ID, 2)
	_, err := env.approve(held.ID, donorA.ID)
	require.NoError(t, err)

	got, err := env.Engine.GetMedication(env.Ctx, ngo, med.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MedicationReserved, got.Status)
	assert.Equal(t, 0, got.Quantity)

	// a pending request against the listing is enough to follow it
	got, err = env.Engine.GetMedication(env.Ctx, person, med.ID)
	require.NoError(t, err)
	assert.Equal(t, late.MedicationID, got.ID)

	_, err = env.Engine.GetMedication(env.Ctx, domain.Caller{ID: "ngo-2", Role: domain.RoleNGO}, med.ID)
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestListRequestsStatusSet(t *testing.T) {
	env := newTestEnv(t)
	med := env.medication(t, donorA, 20)
	pending := env.request(t, ngo, med.ID, 1)
	approved := env.request(t, ngo, med.ID, 2)
	shipped := env.request(t, ngo, med.ID, 3)
	rejected := env.request(t, ngo, med.ID, 4)
	for _, r := range []domain.Request{approved, shipped} {
		_, err := env.approve(r.ID, donorA.ID)
		require.NoError(t, err)
	}
	_, err := env.Engine.AdvanceShipment(env.Ctx, engine.ShipmentOptions{RequestID: shipped.ID, Handler: donorA, Status: domain.StatusInTransit})
	require.NoError(t, err)
	_, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{RequestID: rejected.ID, DeciderID: donorA.ID, Decision: engine.DecisionReject, Reason: "Out of scope"})
	require.NoError(t, err)

	open, err := env.Engine.ListRequests(env.Ctx, donorA, engine.RequestListOptions{Scope: engine.ScopeIncoming, Status: "approved, in-transit"})
	require.NoError(t, err)
	assert.Equal(t, []string{shipped.ID, approved.ID}, requestIDs(open.Items))

	one, err := env.Engine.ListRequests(env.Ctx, ngo, engine.RequestListOptions{Status: "pending,pending"})
	require.NoError(t, err)
	assert.Equal(t, []string{pending.ID}, requestIDs(one.Items))

	_, err = env.Engine.ListRequests(env.Ctx, ngo, engine.RequestListOptions{Status: "approved,lost"})
	require.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.ListRequests(env.Ctx, ngo, engine.RequestListOptions{Status: "approved,"})
	require.ErrorIs(t, err, engine.ErrValidation)
}

func TestMedicationStatusFilter(t *testing.T) {
	env := newTestEnv(t)
	med := env.medication(t, donorA, 2)
	r := env.request(t, ngo, med.ID, 2)
	_, err := env.approve(r.ID, donorA.ID)
	require.NoError(t, err)
	_, err = env.Engine.AdvanceShipment(env.Ctx, engine.ShipmentOptions{RequestID: r.ID, Handler: donorA, Status: domain.StatusInTransit})
	require.NoError(t, err)
	_, err = env.Engine.AdvanceShipment(env.Ctx, engine.ShipmentOptions{RequestID: r.ID, Handler: ngo, Status: domain.StatusDelivered})
	require.NoError(t, err)

	delivered, err := env.Engine.ListInventory(env.Ctx, donorA, engine.InventoryListOptions{Status: string(domain.MedicationDelivered)})
	require.NoError(t, err)
	assert.Empty(t, delivered.Items, "delivering a request leaves the listing reserved")

	reserved, err := env.Engine.ListInventory(env.Ctx, donorA, engine.InventoryListOptions{Status: string(domain.MedicationReserved)})
	require.NoError(t, err)
	require.Len(t, reserved.Items, 1)
	assert.Equal(t, med.ID, reserved.Items[0].ID)

	_, err = env.Engine.ListInventory(env.Ctx, donorA, engine.InventoryListOptions{Status: "expired"})
	require.ErrorIs(t, err, engine.ErrValidation)
}

func TestCreateMedicationValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateMedication(env.Ctx, engine.MedicationCreateOptions{DonorID: donorA.ID, Name: " ", Quantity: 1, Unit: "box"})
	require.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.CreateMedication(env.Ctx, engine.MedicationCreateOptions{DonorID: donorA.ID, Name: "x", Quantity: 0, Unit: "box"})
	require.ErrorIs(t, err, engine.ErrValidation)
	past := fixedTime.AddDate(-1, 0, 0)
	_, err = env.Engine.CreateMedication(env.Ctx, engine.MedicationCreateOptions{DonorID: donorA.ID, Name: "x", Quantity: 1, Unit: "box", ExpiryDate: &past})
	require.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.CreateMedication(env.Ctx, engine.MedicationCreateOptions{
		DonorID: donorA.ID, Name: "x", Quantity: 1, Unit: "box", Storage: &domain.StorageRange{MinC: 8, MaxC: 2},
	})
	require.ErrorIs(t, err, engine.ErrValidation)
}
