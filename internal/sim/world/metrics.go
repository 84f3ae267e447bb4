package world

import "chunkcap.ai/internal/limiter"

type Metrics struct {
	Tick         uint64 `json:"tick"`
	RemoteTicks  bool   `json:"remote_ticks"`
	LoadedChunks int    `json:"loaded_chunks"`

	PlacesAccepted uint64 `json:"places_accepted"`
	PlacesRejected uint64 `json:"places_rejected"`
	PlacesForced   uint64 `json:"places_forced"`
	PlacesFailed   uint64 `json:"places_failed"`
	Breaks         uint64 `json:"breaks"`
	ChunkLoads     uint64 `json:"chunk_loads"`
	ChunkUnloads   uint64 `json:"chunk_unloads"`
	AuditErrors    uint64 `json:"audit_errors"`

	Limiter limiter.Stats `json:"limiter"`
}

func (w *World) Metrics() Metrics {
	return Metrics{
		Tick:           w.tick.Load(),
		RemoteTicks:    w.remoteTicks.Load(),
		LoadedChunks:   w.chunks.Len(),
		PlacesAccepted: w.stats.placesAccepted.Load(),
		PlacesRejected: w.stats.placesRejected.Load(),
		PlacesForced:   w.stats.placesForced.Load(),
		PlacesFailed:   w.stats.placesFailed.Load(),
		Breaks:         w.stats.breaks.Load(),
		ChunkLoads:     w.stats.chunkLoads.Load(),
		ChunkUnloads:   w.stats.chunkUnloads.Load(),
		AuditErrors:    w.stats.auditErrors.Load(),
		Limiter:        w.engine.Stats(),
	}
}
