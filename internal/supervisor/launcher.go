//go:build linux

package supervisor

import (
	"os"
	"time"

	"go.uber.org/zap"
)

// ExecLauncher is the production Launcher: each spawn is wrapped in
// the process supervisor with its own ring log buffer.
type ExecLauncher struct {
	log   *zap.Logger
	logs  *LogManager
	env   []string
	grace time.Duration
}

// NewExecLauncher builds a launcher. grace bounds the SIGTERM →
// SIGKILL escalation window for every process it spawns.
func NewExecLauncher(log *zap.Logger, logs *LogManager, grace time.Duration) *ExecLauncher {
	return &ExecLauncher{
		log:   log.Named("exec"),
		logs:  logs,
		env:   os.Environ(),
		grace: grace,
	}
}

// Launch spawns argv and starts supervision. The returned handle is
// live: Done() will eventually fire.
func (l *ExecLauncher) Launch(name string, argv []string) (Handle, error) {
	p, err := newProcess(l.log.With(zap.String("proc", name)), l.logs.Get(name), l.env, argv, l.grace)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}
