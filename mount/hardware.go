package mount

import (
	"github.com/greenswamp/gsmount/internal/monitor"
	"github.com/greenswamp/gsmount/queue"
	"github.com/greenswamp/gsmount/skywatcher"
)

// HardwareConfig carries the setup a serial-connected mount needs
// beyond the generic queue contract.
type HardwareConfig struct {
	// Serial is the controller link configuration, including any
	// custom steps-per-revolution gearing.
	Serial skywatcher.Config
	// LowVoltage, when set, is invoked once per connection the first
	// time the controller reports its low-voltage flag.
	LowVoltage func()

	Log *monitor.Logger
}

// Hardware is the facade over a serial-connected motor controller. A
// fresh controller is constructed on every Start; connectivity loss
// while running fails commands fast but does not stop the queue.
type Hardware struct {
	facade[*skywatcher.Controller]
	cfg HardwareConfig
}

var _ Mount = (*Hardware)(nil)

func NewHardware(cfg HardwareConfig) *Hardware {
	if cfg.Serial.Log == nil {
		cfg.Serial.Log = cfg.Log
	}
	h := &Hardware{cfg: cfg}
	h.q = &queue.Queue[*skywatcher.Controller]{
		NewExecutor: func() (*skywatcher.Controller, error) {
			return skywatcher.Connect(cfg.Serial)
		},
		Init: func(c *skywatcher.Controller) error {
			if cfg.LowVoltage != nil {
				c.OnLowVoltage(cfg.LowVoltage)
			}
			return nil
		},
		Teardown: func(c *skywatcher.Controller) {
			c.ClearLowVoltage()
			c.Close()
		},
		Connected: (*skywatcher.Controller).Connected,
		Log:       cfg.Log,
	}
	return h
}
