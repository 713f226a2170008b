package model

import (
	"time"
)

// WorkerStatus represents the lifecycle status of a worker process
type WorkerStatus string

const (
	WorkerStatusStarting WorkerStatus = "starting"
	WorkerStatusRunning  WorkerStatus = "running"
	WorkerStatusStopping WorkerStatus = "stopping"
	WorkerStatusStopped  WorkerStatus = "stopped"
	WorkerStatusFailed   WorkerStatus = "failed"
)

// BalancingStrategyName identifies a load balancing strategy
type BalancingStrategyName string

const (
	StrategyRoundRobin       BalancingStrategyName = "round-robin"
	StrategyLeastConnections BalancingStrategyName = "least-connections"
	StrategyRandom           BalancingStrategyName = "random"
)

// WorkerRecord represents one live or recently-live worker process
type WorkerRecord struct {
	ID               string       `json:"id"`
	PID              int          `json:"pid"`
	Status           WorkerStatus `json:"status"`
	CPUUsage         float64      `json:"cpu_usage"`
	MemoryUsage      float64      `json:"memory_usage"`
	StartedAt        time.Time    `json:"started_at"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
	TotalRequests    int64        `json:"total_requests"`
	ErrorCount       int64        `json:"error_count"`
	PerformanceScore float64      `json:"performance_score"`
}

// ClusterMetrics represents pool-wide averages computed each aggregation cycle
type ClusterMetrics struct {
	Timestamp         time.Time `json:"timestamp"`
	RunningWorkers    int       `json:"running_workers"`
	AvgCPUUsage       float64   `json:"avg_cpu_usage"`
	AvgMemoryUsage    float64   `json:"avg_memory_usage"`
	AvgLoad           float64   `json:"avg_load"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
}
