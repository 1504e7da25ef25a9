package supervisor

import "time"

// member is one process inside a flow's group.
type member struct {
	name      string // "engine", "encoder<idx>", "decoder"
	handle    Handle
	startedAt time.Time
}

// Group is the set of OS processes belonging to one running flow: the
// processing engine, one encoder per enabled transport output
// (index-aligned), and at most one decoder. A group is owned by
// exactly one supervisor and destroyed when the flow stops.
type Group struct {
	engine   *member
	encoders []*member
	decoder  *member
}

// transports returns every member except the engine. Shutdown
// terminates these first so no process writes into a pipe nobody
// reads.
func (g *Group) transports() []*member {
	out := make([]*member, 0, len(g.encoders)+1)
	for _, m := range g.encoders {
		if m != nil {
			out = append(out, m)
		}
	}
	if g.decoder != nil {
		out = append(out, g.decoder)
	}
	return out
}

// members returns every live member, engine last.
func (g *Group) members() []*member {
	out := g.transports()
	if g.engine != nil {
		out = append(out, g.engine)
	}
	return out
}

// encoderPIDs returns the PIDs of live encoders in output order.
func (g *Group) encoderPIDs() []int {
	pids := make([]int, 0, len(g.encoders))
	for _, m := range g.encoders {
		if m != nil {
			pids = append(pids, m.handle.PID())
		}
	}
	return pids
}
