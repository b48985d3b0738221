// ABOUTME: Tests for registry membership, presence transitions, and sweeps.
// ABOUTME: Covers duplicate joins, idempotent leaves, touch promotion, demotion ladder.

package participant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(id string, kind Kind) *Participant {
	return &Participant{ID: id, Kind: kind, DisplayName: id}
}

func TestRegistry_JoinAndGet(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Join(member("p1", KindHuman)))

	got, err := r.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, PresenceActive, got.Presence)
	assert.False(t, got.JoinedAt.IsZero())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DuplicateJoinRejected(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Join(member("p1", KindRemoteAgent)))
	err := r.Join(member("p1", KindRemoteAgent))
	require.ErrorIs(t, err, ErrDuplicateParticipant)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_JoinRejectsInvalidKind(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Join(member("p1", Kind("robot")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "robot")
}

func TestRegistry_LeaveIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Join(member("p1", KindHuman)))

	assert.True(t, r.Leave("p1"))
	assert.False(t, r.Leave("p1"), "second leave reports non-member")
	assert.False(t, r.Leave("never-joined"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_GetUnknownParticipant(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("ghost")
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestRegistry_TouchPromotesToActive(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Join(member("p1", KindHuman)))
	require.NoError(t, r.UpdatePresence("p1", PresenceAway))

	r.Touch("p1")

	got, err := r.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, PresenceActive, got.Presence)
}

func TestRegistry_TouchUnknownIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	r.Touch("ghost") // must not panic
}

func TestRegistry_UpdatePresenceValidation(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Join(member("p1", KindHuman)))

	assert.Error(t, r.UpdatePresence("p1", Presence("lurking")))
	assert.ErrorIs(t, r.UpdatePresence("ghost", PresenceIdle), ErrUnknownParticipant)
}

func TestRegistry_ListReturnsCopies(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Join(&Participant{ID: "p1", Kind: KindHuman, Capabilities: []string{"chat"}}))

	list := r.List()
	require.Len(t, list, 1)
	list[0].ID = "mutated"
	list[0].Capabilities[0] = "mutated"

	got, err := r.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, []string{"chat"}, got.Capabilities)
}

func TestRegistry_SweepDemotionLadder(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Join(member("fresh", KindHuman)))
	require.NoError(t, r.Join(member("idle", KindHuman)))
	require.NoError(t, r.Join(member("away", KindHuman)))
	require.NoError(t, r.Join(member("gone", KindHuman)))

	now := time.Now()
	r.mu.Lock()
	r.members["idle"].LastActive = now.Add(-2 * time.Minute)
	r.members["away"].LastActive = now.Add(-10 * time.Minute)
	r.members["gone"].LastActive = now.Add(-time.Hour)
	r.mu.Unlock()

	changes, expired := r.Sweep(now, SweepThresholds{
		IdleAfter:    time.Minute,
		AwayAfter:    5 * time.Minute,
		OfflineAfter: 30 * time.Minute,
	})

	byID := make(map[string]Presence)
	for _, c := range changes {
		byID[c.ParticipantID] = c.To
	}
	assert.Equal(t, PresenceIdle, byID["idle"])
	assert.Equal(t, PresenceAway, byID["away"])
	assert.NotContains(t, byID, "fresh")
	assert.Equal(t, []string{"gone"}, expired)

	// Expired members are reported, not removed: eviction is the caller's call.
	assert.True(t, r.Has("gone"))
}

func TestRegistry_SweepNeverPromotes(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Join(member("p1", KindHuman)))
	require.NoError(t, r.UpdatePresence("p1", PresenceAway))

	// Inside the idle threshold but already away: no change should appear.
	changes, _ := r.Sweep(time.Now(), SweepThresholds{IdleAfter: time.Hour, AwayAfter: 2 * time.Hour})
	assert.Empty(t, changes)

	got, err := r.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, PresenceAway, got.Presence)
}

func TestHeartbeatInterval_PerKind(t *testing.T) {
	assert.Equal(t, 15*time.Second, HeartbeatInterval(KindRemoteAgent))
	assert.Equal(t, 30*time.Second, HeartbeatInterval(KindLocalAgent))
	assert.Equal(t, 45*time.Second, HeartbeatInterval(KindExternalService))
	assert.Equal(t, 60*time.Second, HeartbeatInterval(KindHuman))
}

func TestRegistry_JoinOrderSurvivesLeaves(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Join(member("p1", KindHuman)))
	require.NoError(t, r.Join(member("p2", KindRemoteAgent)))
	require.NoError(t, r.Join(member("p3", KindHuman)))
	assert.Equal(t, []string{"p1", "p2", "p3"}, r.JoinOrder())

	r.Leave("p2")
	assert.Equal(t, []string{"p1", "p3"}, r.JoinOrder())

	// Rejoining moves to the back of the rotation.
	require.NoError(t, r.Join(member("p2", KindRemoteAgent)))
	assert.Equal(t, []string{"p1", "p3", "p2"}, r.JoinOrder())
}

func TestRegistry_SchedulingReads(t *testing.T) {
	r := NewRegistry(nil)
	p := member("p1", KindHuman)
	p.Priority = 8
	require.NoError(t, r.Join(p))

	assert.Equal(t, 8, r.Priority("p1"))
	assert.Equal(t, 0, r.Priority("nobody"))
	assert.Equal(t, PresenceActive, r.PresenceOf("p1"))
	assert.Equal(t, PresenceOffline, r.PresenceOf("nobody"))
}
