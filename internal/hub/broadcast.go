package hub

import (
	"errors"

	"github.com/jsherman999/statehub/internal/protocol"
	"github.com/jsherman999/statehub/internal/scrub"
	"github.com/jsherman999/statehub/internal/state"
	"github.com/jsherman999/statehub/internal/transport"
)

// Arm starts relaying every mutation of st to onChange as change records.
// Mutations made before arming are not replayed.
func Arm(st *state.Store, onChange func([]state.Change)) (dispose func()) {
	return st.Observe(onChange)
}

// broadcast fans a change batch out to the device's current viewers. It runs
// under the write lock. Viewers that have not had their snapshot yet are
// skipped: the snapshot they are about to get already includes the batch.
// Records are redacted first, so a credential or identity write made after
// the initial snapshot still never reaches a viewer. Viewers whose socket
// is already gone are pruned.
func (dc *DeviceConn) broadcast(changes []state.Change) {
	coll, ok := dc.hub.registry.Get(dc.id)
	if !ok {
		return
	}
	members := coll.Members()
	if len(members) == 0 {
		return
	}

	payload := protocol.StorePatch{Changes: scrub.Changes(changes)}
	for _, v := range members {
		if _, synced := dc.synced[v.ID()]; !synced {
			continue
		}
		if err := v.Emit(protocol.EventStoreUpdate, payload); err != nil {
			dc.hub.metrics.sendErrors.WithLabelValues(protocol.EventStoreUpdate).Inc()
			dc.log.Debug().Err(err).Str("viewer", v.ID()).Msg("store-update not delivered")
			if errors.Is(err, transport.ErrClosed) {
				coll.Remove(v)
				delete(dc.synced, v.ID())
			}
		}
	}
	dc.hub.metrics.broadcasts.Inc()
}

// sendInit pushes a scrubbed full snapshot to one viewer. Called with the
// write lock held.
func (dc *DeviceConn) sendInit(v transport.Socket) {
	snap := scrub.Snapshot(dc.store.Snapshot())
	if err := v.Emit(protocol.EventStoreInit, snap); err != nil {
		dc.hub.metrics.sendErrors.WithLabelValues(protocol.EventStoreInit).Inc()
		dc.log.Debug().Err(err).Str("viewer", v.ID()).Msg("store-init not delivered")
		return
	}
	dc.synced[v.ID()] = struct{}{}
	dc.viewersSeen.Add(1)
}
