package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haipio/haip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripCompletes(t *testing.T) {
	trips := NewRoundTrips()
	trip, err := trips.AddCall("c-1")
	require.NoError(t, err)

	go trip.SetPayload(json.RawMessage(`{"call_id":"c-1","status":"OK"}`))
	payload, err := trip.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"call_id":"c-1","status":"OK"}`, string(payload))

	_, ok := trips.MatchCall("c-1")
	assert.True(t, ok, "match removes the entry once")
	_, ok = trips.MatchCall("c-1")
	assert.False(t, ok)
}

func TestRoundTripTimeout(t *testing.T) {
	trips := NewRoundTrips()
	trip, err := trips.AddCall("c-1")
	require.NoError(t, err)
	_, err = trip.Wait(context.Background(), 10*time.Millisecond)
	assert.EqualError(t, err, "timeout")
}

func TestRoundTripContextCancel(t *testing.T) {
	trips := NewRoundTrips()
	trip, err := trips.AddCall("c-1")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = trip.Wait(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRoundTripsFIFOMatching(t *testing.T) {
	trips := NewRoundTrips()
	first, err := trips.AddRunStart()
	require.NoError(t, err)
	second, err := trips.AddRunStart()
	require.NoError(t, err)

	got, ok := trips.MatchRunStart()
	require.True(t, ok)
	assert.Same(t, first, got)
	got, ok = trips.MatchRunStart()
	require.True(t, ok)
	assert.Same(t, second, got)
	_, ok = trips.MatchRunStart()
	assert.False(t, ok)
}

func TestRoundTripsSchemaByTool(t *testing.T) {
	trips := NewRoundTrips()
	echoTrip, err := trips.AddSchema("echo")
	require.NoError(t, err)
	_, err = trips.AddSchema("search")
	require.NoError(t, err)

	got, ok := trips.MatchSchema("echo")
	require.True(t, ok)
	assert.Same(t, echoTrip, got)
	_, ok = trips.MatchSchema("echo")
	assert.False(t, ok)
	_, ok = trips.MatchSchema("search")
	assert.True(t, ok)
}

func TestRoundTripsCloseWithError(t *testing.T) {
	trips := NewRoundTrips()
	trip, err := trips.AddCall("c-1")
	require.NoError(t, err)

	herr := haip.NewError(haip.ErrTimeout, "client closed")
	trips.CloseWithError(herr)

	_, err = trip.Wait(context.Background(), time.Second)
	assert.Equal(t, herr, err)

	_, err = trips.AddCall("c-2")
	assert.Equal(t, herr, err)
}
