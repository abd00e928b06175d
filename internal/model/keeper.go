package model

import "time"

// KeeperStats is ephemeral operational telemetry for one keeper process.
// It is published for monitoring and never persisted in the ledger.
type KeeperStats struct {
	KeeperID        string    `json:"keeper_id"`
	Running         bool      `json:"running"`
	Successes       uint64    `json:"successes"`
	Failures        uint64    `json:"failures"`
	CyclesCompleted uint64    `json:"cycles_completed"`
	LastCycleAt     time.Time `json:"last_cycle_at,omitempty"`
	CPUUsage        float64   `json:"cpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	CollectedAt     time.Time `json:"collected_at"`
}
