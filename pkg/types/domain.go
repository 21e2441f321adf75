package types

import "time"

// ReservationStatus describes one live memory reservation.
type ReservationStatus struct {
	ID        string    `json:"id"`
	Purpose   string    `json:"purpose"`
	Priority  int       `json:"priority"`
	Requested int64     `json:"requested"`
	Allocated int64     `json:"allocated"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryStatus summarizes the accelerator budget. Amounts are MiB.
type MemoryStatus struct {
	// example: 8192
	Total int64 `json:"total" example:"8192"`
	// example: 5120
	Available    int64               `json:"available" example:"5120"`
	Used         int64               `json:"used"`
	Reserved     int64               `json:"reserved"`
	External     int64               `json:"external"`
	SafetyBuffer int64               `json:"safety_buffer"`
	Utilization  float64             `json:"utilization_pct"`
	Reservations []ReservationStatus `json:"reservations"`
}

// PoolStatus summarizes backend connection pool occupancy.
type PoolStatus struct {
	Name    string `json:"name"`
	Size    int    `json:"size"`
	InUse   int    `json:"in_use"`
	Idle    int    `json:"idle"`
	Waiters int    `json:"waiters"`
	Max     int    `json:"max"`
	Min     int    `json:"min"`
}

// CacheEntryStatus describes one cached artifact.
type CacheEntryStatus struct {
	// example: styles/monet@v1
	Key        string    `json:"key" example:"styles/monet@v1"`
	LoadedAt   time.Time `json:"loaded_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	InUse      int       `json:"in_use"`
}

// CacheStatus summarizes the artifact cache.
type CacheStatus struct {
	Count   int                `json:"count"`
	Max     int                `json:"max"`
	Hits    uint64             `json:"hits"`
	Misses  uint64             `json:"misses"`
	Entries []CacheEntryStatus `json:"entries"`
}

// SchedulerStatus summarizes the job worker.
type SchedulerStatus struct {
	Running        bool      `json:"running"`
	Busy           bool      `json:"busy"`
	CurrentJob     string    `json:"current_job,omitempty"`
	PendingRetries []string  `json:"pending_retries"`
	Completed      int64     `json:"completed"`
	Failed         int64     `json:"failed"`
	Retried        int64     `json:"retried"`
	LastPoll       time.Time `json:"last_poll"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall state: starting, ready, stopped.
	// example: ready
	State     string          `json:"state" example:"ready"`
	Memory    MemoryStatus    `json:"memory"`
	Pool      PoolStatus      `json:"pool"`
	Cache     CacheStatus     `json:"cache"`
	Scheduler SchedulerStatus `json:"scheduler"`
	// Job counts keyed by status.
	Jobs map[string]int `json:"jobs"`
	// Connected /events websocket clients.
	EventClients int `json:"event_clients"`
	// Optional top-level error message, e.g. when job counts are unavailable.
	Error string `json:"error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
