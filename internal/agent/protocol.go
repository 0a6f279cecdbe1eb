package agent

import "time"

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}

// ExecRequest runs Command with Args in WorkDir. Files named in Collect are
// read after the command exits and returned in ExecResponse.Files, which is
// how shard runners get coverage profiles back.
type ExecRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Env     []string `json:"env,omitempty"`
	Timeout int      `json:"timeout_seconds"`
	WorkDir string   `json:"work_dir,omitempty"`
	Input   string   `json:"input,omitempty"`
	Collect []string `json:"collect,omitempty"`
}

type ExecResponse struct {
	ExitCode int               `json:"exit_code"`
	Stdout   string            `json:"stdout"`
	Stderr   string            `json:"stderr"`
	Duration int64             `json:"duration_ms"`
	Files    map[string]string `json:"files,omitempty"`
	// Error is set when the command could not be started at all.
	Error string `json:"error,omitempty"`
}
