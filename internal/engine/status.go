package engine

import (
	"context"
	"time"

	"inferq/pkg/types"
)

// Status builds the /status snapshot from every manager. A failing job
// count query is reported in Error; the rest of the snapshot is still
// returned.
func (e *Engine) Status(ctx context.Context) types.StatusResponse {
	now := time.Now()
	resp := types.StatusResponse{
		State:          string(e.State()),
		EventClients:   e.hub.ClientCount(),
		UptimeSeconds:  int64(now.Sub(e.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}

	ms := e.memory.Stats()
	resp.Memory = types.MemoryStatus{
		Total:        ms.Total,
		Available:    ms.Available,
		Used:         ms.Used,
		Reserved:     ms.Reserved,
		External:     ms.External,
		SafetyBuffer: ms.SafetyBuffer,
		Utilization:  ms.Utilization,
		Reservations: make([]types.ReservationStatus, 0, len(ms.Reservations)),
	}
	for _, r := range ms.Reservations {
		resp.Memory.Reservations = append(resp.Memory.Reservations, types.ReservationStatus{
			ID:        r.ID,
			Purpose:   r.Purpose,
			Priority:  r.Priority,
			Requested: r.Requested,
			Allocated: r.Allocated,
			CreatedAt: r.CreatedAt,
		})
	}

	ps := e.pool.Stats()
	resp.Pool = types.PoolStatus{
		Name:    ps.Name,
		Size:    ps.Size,
		InUse:   ps.InUse,
		Idle:    ps.Idle,
		Waiters: ps.Waiters,
		Max:     ps.Max,
		Min:     ps.Min,
	}

	cs := e.cache.Stats()
	resp.Cache = types.CacheStatus{
		Count:   cs.Count,
		Max:     cs.Max,
		Hits:    cs.Hits,
		Misses:  cs.Misses,
		Entries: make([]types.CacheEntryStatus, 0, len(cs.Entries)),
	}
	for _, en := range cs.Entries {
		resp.Cache.Entries = append(resp.Cache.Entries, types.CacheEntryStatus{
			Key:        en.Key,
			LoadedAt:   en.LoadedAt,
			LastUsedAt: en.LastUsedAt,
			InUse:      en.InUse,
		})
	}

	ss := e.scheduler.Stats()
	resp.Scheduler = types.SchedulerStatus{
		Running:        ss.Running,
		Busy:           ss.Busy,
		CurrentJob:     ss.CurrentJob,
		PendingRetries: ss.PendingRetries,
		Completed:      ss.Completed,
		Failed:         ss.Failed,
		Retried:        ss.Retried,
		LastPoll:       ss.LastPoll,
	}

	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		resp.Error = "job counts unavailable: " + err.Error()
		e.log.Warn().Str("event", "status_counts_failed").Err(err).Msg("job counts unavailable")
		return resp
	}
	resp.Jobs = make(map[string]int, len(counts))
	for st, n := range counts {
		resp.Jobs[string(st)] = n
	}
	return resp
}
