package client

import "time"

// WorkerStatus mirrors one entry of GET {base}/status.
type WorkerStatus struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	PID        int       `json:"pid,omitempty"`
	Port       int       `json:"port,omitempty"`
	Restarts   int       `json:"restarts"`
	Starts     int       `json:"starts"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	RSSBytes   uint64    `json:"rss_bytes,omitempty"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
}

// Status is the body of GET {base}/status.
type Status struct {
	DeployState string         `json:"deploy_state"`
	Workers     []WorkerStatus `json:"workers"`
}

// Health is the body of GET {base}/healthz.
type Health struct {
	OK          bool   `json:"ok"`
	DeployState string `json:"deploy_state"`
}

// Diagnostic is one build error line.
type Diagnostic struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Deployment mirrors one entry of GET {base}/deployments.
type Deployment struct {
	ID           string       `json:"id"`
	Trigger      string       `json:"trigger"`
	Actor        string       `json:"actor,omitempty"`
	DeliveryID   string       `json:"delivery_id,omitempty"`
	Branch       string       `json:"branch,omitempty"`
	Before       string       `json:"before,omitempty"`
	Commit       string       `json:"commit,omitempty"`
	Outcome      string       `json:"outcome"`
	Message      string       `json:"message,omitempty"`
	Diagnostics  []Diagnostic `json:"diagnostics,omitempty"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
	RestartDone  bool         `json:"restart_done,omitempty"`
	RestartError string       `json:"restart_error,omitempty"`
}

// HookResult is the response of POST {base}/hook and POST {base}/restart.
type HookResult struct {
	ID          string   `json:"id"`
	Outcome     string   `json:"outcome"`
	Trigger     string   `json:"trigger"`
	Branch      string   `json:"branch,omitempty"`
	Commit      string   `json:"commit,omitempty"`
	Message     string   `json:"message,omitempty"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
