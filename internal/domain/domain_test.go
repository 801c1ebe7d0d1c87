package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]RequestStatus]bool{
		{StatusPending, StatusApproved}:    true,
		{StatusPending, StatusRejected}:    true,
		{StatusApproved, StatusInTransit}:  true,
		{StatusInTransit, StatusDelivered}: true,
	}
	all := []RequestStatus{StatusPending, StatusApproved, StatusRejected, StatusInTransit, StatusDelivered}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]RequestStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestFoldStatus(t *testing.T) {
	h := []StatusUpdate{
		{Status: StatusPending, Timestamp: t0, UpdatedBy: "r"},
		{Status: StatusApproved, Timestamp: t0, UpdatedBy: "d"},
		{Status: StatusInTransit, Timestamp: t0, UpdatedBy: "d"},
	}
	got, err := FoldStatus(h)
	require.NoError(t, err)
	assert.Equal(t, StatusInTransit, got)

	_, err = FoldStatus(nil)
	assert.Error(t, err)
	_, err = FoldStatus([]StatusUpdate{{Status: StatusApproved}})
	assert.Error(t, err)
	_, err = FoldStatus([]StatusUpdate{{Status: StatusPending}, {Status: StatusDelivered}})
	assert.Error(t, err)
}

func TestRequestJSONResolution(t *testing.T) {
	r := Request{ID: "r1", Status: StatusPending}
	r.Record(StatusPending, "req", "", t0)
	r.Record(StatusRejected, "donor", "expired stock", t0)
	r.Resolution = Rejection{RejectedBy: "donor", RejectedAt: t0, Reason: "expired stock"}
	require.NoError(t, r.CheckHistory())

	data, err := json.Marshal(r)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "rejection_details")
	assert.NotContains(t, raw, "approval_details")

	var back Request
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.Rejection())
	assert.Nil(t, back.Approval())
	assert.Equal(t, "expired stock", back.Rejection().Reason)

	both := []byte(`{"id":"x","status":"approved","approval_details":{"approved_by":"a"},"rejection_details":{"rejected_by":"b"}}`)
	assert.ErrorIs(t, json.Unmarshal(both, &back), ErrBothResolutions)
}

func TestCheckHistoryMismatch(t *testing.T) {
	r := Request{}
	r.Record(StatusPending, "req", "", t0)
	r.Status = StatusApproved
	assert.Error(t, r.CheckHistory())

	r.Record(StatusApproved, "donor", "", t0)
	assert.Error(t, r.CheckHistory(), "approved without approval details")
	r.Resolution = Approval{ApprovedBy: "donor", ApprovedAt: t0}
	assert.NoError(t, r.CheckHistory())
}

func TestTrackingMerge(t *testing.T) {
	var tr DeliveryTracking
	loc := "Depot A"
	temp := 9.5
	tr.Merge(&TrackingUpdate{Location: &loc, Temperature: &temp}, t0, &StorageRange{MinC: 2, MaxC: 8})
	assert.Equal(t, "Depot A", tr.Location)
	require.NotNil(t, tr.Temperature)
	assert.True(t, tr.TemperatureAlert)
	require.NotNil(t, tr.LastUpdated)

	tr.Merge(&TrackingUpdate{}, t0.Add(time.Hour), nil)
	assert.Equal(t, "Depot A", tr.Location, "nil fields keep current values")
	assert.True(t, tr.LastUpdated.Equal(t0.Add(time.Hour)))
}
