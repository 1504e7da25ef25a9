package flow

// State is the flow lifecycle state machine position.
type State string

const (
	Stopped  State = "stopped" // initial/terminal
	Starting State = "starting"
	Running  State = "running"
	Stopping State = "stopping"
	Error    State = "error"
)

// Status is a point-in-time snapshot of a flow's runtime. It is derived
// from process liveness at query time, never stored.
type Status struct {
	FlowID        string `json:"flow_id"`
	State         State  `json:"state"`
	EnginePID     int    `json:"engine_pid,omitempty"`
	EncoderPIDs   []int  `json:"encoder_pids,omitempty"`
	DecoderPID    int    `json:"decoder_pid,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	LastError     string `json:"last_error,omitempty"`
}
