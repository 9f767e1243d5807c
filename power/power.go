// Package power monitors the mount's power distribution unit over
// modbus and raises a callback when the supply sags below a threshold.
// The hardware facade wires the callback into its low-voltage
// handling so a browning-out supply is surfaced before the motors
// stall mid-slew.
package power

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/greenswamp/gsmount/internal/modbus"
	"github.com/greenswamp/gsmount/internal/monitor"
)

// Status is a snapshot of the supply.
type Status struct {
	BusVolts   float64
	LowVoltage bool
	OutputsOn  []bool
}

type StatusCallback func(status Status)

// LowVoltageCallback fires on each transition into the low-voltage
// condition.
type LowVoltageCallback func(busVolts float64)

type Monitor struct {
	statusCallback StatusCallback
	lowVoltage     LowVoltageCallback
	threshold      float64
	log            *monitor.Logger

	mu      sync.Mutex
	client  *modbus.Client
	volts   float64
	low     bool
	outputs []bool
}

// Connect starts polling the PDU. thresholdVolts sets the low-voltage
// trip point; lowVoltage may be nil.
func Connect(ctx context.Context, port string, baud int, thresholdVolts float64,
	statusCallback StatusCallback, lowVoltage LowVoltageCallback, log *monitor.Logger) (*Monitor, error) {
	if log == nil {
		log = monitor.Nop()
	}
	m := &Monitor{
		statusCallback: statusCallback,
		lowVoltage:     lowVoltage,
		threshold:      thresholdVolts,
		log:            log,
		client: &modbus.Client{
			Port:     port,
			BaudRate: baud,
			SlaveID:  1,
			Log:      log,
		},
	}
	m.client.Poll = m.pollOnce
	return m, m.client.Connect(ctx)
}

func (m *Monitor) pollOnce() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Input register 0 holds the bus voltage in centivolts.
	results, err := m.client.ReadInputRegisters(0, 1)
	if err != nil {
		return err
	}
	m.volts = float64(binary.BigEndian.Uint16(results)) / 100
	// Holding register 0 holds the output count, then that many coils.
	results, err = m.client.ReadHoldingRegisters(0, 1)
	if err != nil {
		return err
	}
	outputs := binary.BigEndian.Uint16(results)
	coils, err := m.client.ReadCoils(0, outputs)
	if err != nil {
		return err
	}
	m.outputs = modbus.BytesToBits(coils)[:outputs]

	low := m.volts < m.threshold
	if low && !m.low {
		m.log.Warn(monitor.CategoryDriver, "pollOnce",
			fmt.Sprintf("bus voltage %.2fV below %.2fV threshold", m.volts, m.threshold))
		if m.lowVoltage != nil {
			m.lowVoltage(m.volts)
		}
	}
	m.low = low
	m.notifyStatus()
	return nil
}

func (m *Monitor) notifyStatus() {
	if m.statusCallback == nil {
		return
	}
	m.statusCallback(m.status())
}

func (m *Monitor) status() Status {
	outputs := make([]bool, len(m.outputs))
	copy(outputs, m.outputs)
	return Status{
		BusVolts:   m.volts,
		LowVoltage: m.low,
		OutputsOn:  outputs,
	}
}

// Status returns the latest snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status()
}

// SetOutput switches a PDU output on or off.
func (m *Monitor) SetOutput(output int, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if output >= len(m.outputs) {
		return fmt.Errorf("invalid output %d", output)
	}
	return m.client.WriteCoil(output, on)
}
