package model

// Heartbeat is the periodic status message a worker publishes to the supervisor
type Heartbeat struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	Uptime      float64 `json:"uptime"`
	Timestamp   int64   `json:"timestamp"`
}

// RequestCompleted reports one handled unit of work back to the supervisor
type RequestCompleted struct {
	ResponseTimeMs int64  `json:"response_time_ms"`
	Success        bool   `json:"success"`
	Endpoint       string `json:"endpoint"`
	Method         string `json:"method"`
}

// ControlCommand is sent by the supervisor on a worker's control subject
type ControlCommand struct {
	Command string `json:"command"`
}

const (
	// CommandGracefulShutdown asks the worker to drain and exit promptly
	CommandGracefulShutdown = "graceful_shutdown"
)

// DispatchRequest is one unit of work routed to a selected worker
type DispatchRequest struct {
	RequestID string `json:"request_id"`
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
}
