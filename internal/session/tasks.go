package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/partyhub/partyhub/internal/registry"
)

// Stats is the snapshot served by the stats endpoint.
type Stats struct {
	Rooms          int             `json:"rooms"`
	Connections    registry.Health `json:"connections"`
	CachedIntents  int             `json:"cached_intents"`
	RegisteredGame []string        `json:"game_types"`
}

func (f *Facade) Stats() Stats {
	return Stats{
		Rooms:          f.rooms.RoomCount(),
		Connections:    f.registry.HealthMetrics(),
		CachedIntents:  f.pipeline.CacheSize(),
		RegisteredGame: f.games.Types(),
	}
}

// Run drives the periodic maintenance tasks until ctx is cancelled: the
// broadcast flush loop, the health log, the stale-connection reaper with
// transport reconciliation, and the expired-room sweep. It blocks; callers
// start it in a goroutine.
func (f *Facade) Run(ctx context.Context) {
	flush := f.clock.NewTicker(f.config.FlushInterval)
	defer flush.Stop()
	maintenance := f.clock.NewTicker(f.config.MaintenanceInterval)
	defer maintenance.Stop()
	reaper := f.clock.NewTicker(f.config.ReaperInterval)
	defer reaper.Stop()
	sweep := f.clock.NewTicker(f.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.Chan():
			f.sync.FlushPending()
		case <-maintenance.Chan():
			f.runMaintenance()
		case <-reaper.Chan():
			f.runReaper()
		case <-sweep.Chan():
			f.runSweep()
		}
	}
}

func (f *Facade) runMaintenance() {
	health := f.registry.HealthMetrics()
	evicted := f.pipeline.EvictExpired()
	log.Info().
		Int("rooms", f.rooms.RoomCount()).
		Int("connections_total", health.Total).
		Int("connections_live", health.Connected).
		Int("connections_stale", health.Stale).
		Int("intents_evicted", evicted).
		Msg("session health")
}

// runReaper removes registry records whose owner is long gone, then
// reconciles against the transport's live set to catch records the transport
// dropped without a disconnect callback.
func (f *Facade) runReaper() {
	if removed := f.registry.CleanupStaleConnections(f.config.StaleAfter); removed > 0 {
		log.Info().Int("removed", removed).Msg("stale connection records reaped")
	}
	if f.transport == nil {
		return
	}
	for _, id := range f.registry.SyncWithTransportLayer(f.transport.LiveConnectionIDs()) {
		f.HandleDisconnect(id)
	}
}

func (f *Facade) runSweep() {
	for _, code := range f.rooms.CleanupExpiredRooms() {
		f.endRoom(code, "ttl expired")
	}
}
