package supervisor

// ExitStatus is the recorded termination metadata of one process.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
}

// Handle is the supervisor's view of one running process. The flow
// state machine only ever needs liveness, exit metadata, and a way to
// ask for termination, so tests substitute fakes freely.
type Handle interface {
	PID() int
	Done() <-chan struct{}
	ExitStatus() ExitStatus
	Terminate()
}

// Launcher spawns supervised processes. name scopes diagnostics
// ("<flowID>/engine", "<flowID>/encoder0", ...).
type Launcher interface {
	Launch(name string, argv []string) (Handle, error)
}
