package sim_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doored/doored/internal/doored/hw/sim"
)

func TestPollBus_ReportsDeltas(t *testing.T) {
	bus := sim.NewBus()
	bus.Insert("m1", 0, &sim.Device{ID: "3301"})

	added, removed, err := bus.PollBus("m1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"3301"}, added)
	assert.Empty(t, removed)

	// Unchanged bus: empty delta.
	added, removed, err = bus.PollBus("m1", 0)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, removed)

	bus.Remove("m1", 0, "3301")
	added, removed, err = bus.PollBus("m1", 0)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, []string{"3301"}, removed)
}

func TestPollBus_BusesAreIndependent(t *testing.T) {
	bus := sim.NewBus()
	bus.Insert("m1", 0, &sim.Device{ID: "3301"})

	added, _, err := bus.PollBus("m1", 1)
	require.NoError(t, err)
	assert.Empty(t, added, "device on bus 0 must not appear on bus 1")
}

func TestGenerateSecret_ThenChallenge(t *testing.T) {
	bus := sim.NewBus()
	bus.Insert("m1", 0, &sim.Device{ID: "3301"})

	secret, crcErr, err := bus.GenerateSecret("3301")
	require.NoError(t, err)
	require.False(t, crcErr)

	ok, err := bus.IssueChallenge("3301", secret)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = bus.IssueChallenge("3301", "stale")
	require.NoError(t, err)
	assert.False(t, ok)
}
