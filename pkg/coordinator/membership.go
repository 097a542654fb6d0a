package coordinator

import (
	"sync"
	"time"

	"github.com/whispem/minikv/pkg/types"
)

// Membership defaults: a volume is demoted Alive→Suspect after missing 2
// consecutive heartbeat intervals, and Suspect→Dead after missing 5.
const (
	suspectAfterMisses = 2
	deadAfterMisses    = 5
)

// volumeStatus tracks one volume's liveness via consecutive-failure
// counting: heartbeat presence/absence drives a four-state lifecycle
// rather than a plain healthy/unhealthy bool.
type volumeStatus struct {
	state         types.VolumeState
	lastHeartbeat time.Time
	missed        int
}

// Membership tracks every known volume's liveness state from its
// heartbeats, independent of the metadata store's durable VolumeMetadata
// (which records shard ownership and is only updated via Raft).
type Membership struct {
	mu                sync.Mutex
	heartbeatInterval time.Duration
	volumes           map[string]*volumeStatus
}

func NewMembership(heartbeatInterval time.Duration) *Membership {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	return &Membership{
		heartbeatInterval: heartbeatInterval,
		volumes:           make(map[string]*volumeStatus),
	}
}

// Heartbeat records a liveness signal from volumeID, reviving it to Alive
// regardless of its prior state.
func (m *Membership) Heartbeat(volumeID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.volumes[volumeID]
	if !ok {
		v = &volumeStatus{}
		m.volumes[volumeID] = v
	}
	v.state = types.VolumeAlive
	v.lastHeartbeat = now
	v.missed = 0
}

// Sweep re-evaluates every tracked volume's state against how many
// heartbeat intervals have elapsed since its last heartbeat, returning the
// volumes whose state changed so the caller can Raft-commit a
// VolumeMetadata update. Draining volumes are left untouched: that state
// is operator-driven, not liveness-driven.
func (m *Membership) Sweep(now time.Time) map[string]types.VolumeState {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := make(map[string]types.VolumeState)
	for id, v := range m.volumes {
		if v.state == types.VolumeDraining {
			continue
		}
		elapsed := now.Sub(v.lastHeartbeat)
		missed := int(elapsed / m.heartbeatInterval)
		if missed == v.missed {
			continue
		}
		v.missed = missed

		next := v.state
		switch {
		case missed >= deadAfterMisses:
			next = types.VolumeDead
		case missed >= suspectAfterMisses:
			next = types.VolumeSuspect
		default:
			next = types.VolumeAlive
		}
		if next != v.state {
			v.state = next
			changed[id] = next
		}
	}
	return changed
}

// HealthyVolumes returns the IDs of every volume currently Alive, suitable
// for a placement.SelectVolumes candidate set.
func (m *Membership) HealthyVolumes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for id, v := range m.volumes {
		if v.state == types.VolumeAlive {
			out = append(out, id)
		}
	}
	return out
}

// State returns a volume's current tracked state and whether it is known
// at all.
func (m *Membership) State(volumeID string) (types.VolumeState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[volumeID]
	if !ok {
		return "", false
	}
	return v.state, true
}

// SetDraining marks a volume as Draining, excluding it from future
// placement without declaring it dead.
func (m *Membership) SetDraining(volumeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.volumes[volumeID]; ok {
		v.state = types.VolumeDraining
	}
}
