package mount

import (
	"github.com/greenswamp/gsmount/internal/monitor"
	"github.com/greenswamp/gsmount/queue"
	"github.com/greenswamp/gsmount/simulator"
)

// Simulated is the facade over the in-process actuator. It exposes the
// same observable state shape as Hardware, so callers work against
// either without branching.
type Simulated struct {
	facade[*simulator.Actuator]
}

var _ Mount = (*Simulated)(nil)

func NewSimulated(log *monitor.Logger) *Simulated {
	s := &Simulated{}
	s.q = &queue.Queue[*simulator.Actuator]{
		NewExecutor: func() (*simulator.Actuator, error) {
			return simulator.New(), nil
		},
		Teardown: func(a *simulator.Actuator) {
			a.Close()
		},
		Connected: func(*simulator.Actuator) bool {
			return simulator.Connected()
		},
		Log: log,
	}
	return s
}
