// Package skywatcher drives a SkyWatcher-style dual-axis motor
// controller over a serial link. All methods issue a blocking
// command/reply exchange; the command queue serializes access, so the
// controller itself needs no locking beyond protecting the link
// handle.
package skywatcher

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/greenswamp/gsmount/internal/monitor"
)

// Axis indices. The wire protocol numbers axes from 1.
const (
	AxisRA  = 0
	AxisDec = 1

	numAxes = 2
)

// stepCenter is the controller's zero-position step value; positions
// are reported as unsigned counts offset by this center.
const stepCenter = 0x800000

// Status flag bits from the 'f' inquiry.
const (
	flagMoving     = 1 << 0
	flagSlewing    = 1 << 1
	flagGoto       = 1 << 2
	flagLowVoltage = 1 << 5
)

type Config struct {
	// Port is the serial device name.
	Port string
	// Baud defaults to 9600.
	Baud int
	// ReadTimeout bounds each reply wait. Defaults to one second.
	ReadTimeout time.Duration
	// StepsPerRev overrides the gearing interrogated from the
	// controller, for mounts with custom gear trains. A zero entry
	// means "ask the controller".
	StepsPerRev [numAxes]int

	Log *monitor.Logger
}

// Controller is the hardware executor. It is constructed connected;
// a failed exchange marks it disconnected until recreated by a queue
// restart.
type Controller struct {
	cfg Config
	log *monitor.Logger

	mu          sync.Mutex
	port        *serial.Port
	connected   bool
	stepsPerRev [numAxes]int
	timerFreq   int
	lastRate    [numAxes]float64

	lowVoltage func()
	lowSeen    bool
}

// Connect opens the serial link and interrogates the controller for
// its firmware version, timer frequency and gearing.
func Connect(cfg Config) (*Controller, error) {
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}
	log := cfg.Log
	if log == nil {
		log = monitor.Nop()
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", cfg.Port, err)
	}
	c := &Controller{cfg: cfg, log: log, port: port, connected: true}
	if err := c.handshake(); err != nil {
		port.Close()
		return nil, err
	}
	log.Info(monitor.CategoryDriver, "Connect",
		fmt.Sprintf("opened %q at %d baud", cfg.Port, cfg.Baud))
	return c, nil
}

func (c *Controller) handshake() error {
	version, err := c.exchange('e', AxisRA, "")
	if err != nil {
		return fmt.Errorf("reading firmware version: %w", err)
	}
	c.log.Info(monitor.CategoryDriver, "handshake", "firmware "+version)
	freq, err := c.inquireValue('b', AxisRA)
	if err != nil {
		return fmt.Errorf("reading timer frequency: %w", err)
	}
	c.timerFreq = freq
	for axis := 0; axis < numAxes; axis++ {
		if c.cfg.StepsPerRev[axis] > 0 {
			c.stepsPerRev[axis] = c.cfg.StepsPerRev[axis]
			continue
		}
		spr, err := c.inquireValue('a', axis)
		if err != nil {
			return fmt.Errorf("reading steps/rev for axis %d: %w", axis, err)
		}
		c.stepsPerRev[axis] = spr
	}
	// Initialization done; energize both axes.
	for axis := 0; axis < numAxes; axis++ {
		if _, err := c.exchange('F', axis, ""); err != nil {
			return fmt.Errorf("initializing axis %d: %w", axis, err)
		}
	}
	return nil
}

// Connected reports whether the serial link is still believed healthy.
// It is the queue's connectivity predicate.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close releases the serial handle.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		c.port.Close()
		c.port = nil
	}
	c.connected = false
}

// OnLowVoltage registers the callback fired once when the controller
// first reports the low-voltage flag. The queue's init hook wires
// this; teardown unhooks it.
func (c *Controller) OnLowVoltage(fn func()) {
	c.mu.Lock()
	c.lowVoltage = fn
	c.mu.Unlock()
}

// ClearLowVoltage unhooks the low-voltage callback and resets the
// latch.
func (c *Controller) ClearLowVoltage() {
	c.mu.Lock()
	c.lowVoltage = nil
	c.lowSeen = false
	c.mu.Unlock()
}

// StepsPerRev reports the gearing in use for the axis.
func (c *Controller) StepsPerRev(axis int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepsPerRev[axis]
}

// AxisSteps reads the current position of the axis in raw steps,
// relative to the center position.
func (c *Controller) AxisSteps(axis int) (int, error) {
	v, err := c.inquireValue('j', axis)
	if err != nil {
		return 0, err
	}
	return v - stepCenter, nil
}

// AxisDegrees reads the current axis position in degrees.
func (c *Controller) AxisDegrees(axis int) (float64, error) {
	steps, err := c.AxisSteps(axis)
	if err != nil {
		return 0, err
	}
	return c.stepsToDegrees(axis, steps), nil
}

// SetAxisSteps rewrites the controller's notion of the current
// position (used when synchronizing on a known target).
func (c *Controller) SetAxisSteps(axis, steps int) error {
	_, err := c.exchange('E', axis, encodeValue(steps+stepCenter))
	return err
}

// SlewTo commands a goto move to the given position in degrees.
func (c *Controller) SlewTo(axis int, degrees float64) error {
	if err := c.StopAxis(axis); err != nil {
		return err
	}
	// Goto mode, then target, then start.
	if _, err := c.exchange('G', axis, "00"); err != nil {
		return err
	}
	target := c.degreesToSteps(axis, degrees) + stepCenter
	if _, err := c.exchange('S', axis, encodeValue(target)); err != nil {
		return err
	}
	_, err := c.exchange('J', axis, "")
	return err
}

// SetRate commands continuous motion at the given rate in
// degrees/second. A zero rate stops the axis.
func (c *Controller) SetRate(axis int, degPerSec float64) error {
	if degPerSec == 0 {
		return c.StopAxis(axis)
	}
	if err := c.StopAxis(axis); err != nil {
		return err
	}
	rate := degPerSec
	mode := "10" // tracking mode, forward
	if degPerSec < 0 {
		mode = "11" // tracking mode, reverse
		degPerSec = -degPerSec
	}
	if _, err := c.exchange('G', axis, mode); err != nil {
		return err
	}
	period := c.ratePeriod(axis, degPerSec)
	if _, err := c.exchange('I', axis, encodeValue(period)); err != nil {
		return err
	}
	if _, err := c.exchange('J', axis, ""); err != nil {
		return err
	}
	c.setLastRate(axis, rate)
	return nil
}

// StopAxis halts motion on the axis and waits for the controller to
// report it stopped.
func (c *Controller) StopAxis(axis int) error {
	if _, err := c.exchange('K', axis, ""); err != nil {
		return err
	}
	c.setLastRate(axis, 0)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := c.AxisStatus(axis)
		if err != nil {
			return err
		}
		if !status.Moving {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("axis %d did not stop", axis)
}

// PulseGuide offsets the axis rate by degPerSec for the duration, then
// restores the rate that was in effect before the pulse. It blocks for
// the full pulse; the worker serializes commands, so nothing else can
// touch the axis meanwhile.
func (c *Controller) PulseGuide(axis int, degPerSec float64, d time.Duration) error {
	prev := c.rateFor(axis)
	if err := c.SetRate(axis, prev+degPerSec); err != nil {
		return err
	}
	time.Sleep(d)
	return c.SetRate(axis, prev)
}

func (c *Controller) setLastRate(axis int, degPerSec float64) {
	c.mu.Lock()
	c.lastRate[axis] = degPerSec
	c.mu.Unlock()
}

func (c *Controller) rateFor(axis int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRate[axis]
}

// AxisStatus reads and decodes the axis status word.
func (c *Controller) AxisStatus(axis int) (Status, error) {
	reply, err := c.exchange('f', axis, "")
	if err != nil {
		return Status{}, err
	}
	flags, err := strconv.ParseUint(reply, 16, 32)
	if err != nil {
		return Status{}, fmt.Errorf("status reply %q: %w", reply, err)
	}
	status := Status{
		Moving:     flags&flagMoving != 0,
		Slewing:    flags&flagSlewing != 0,
		Goto:       flags&flagGoto != 0,
		LowVoltage: flags&flagLowVoltage != 0,
	}
	if status.LowVoltage {
		c.fireLowVoltage()
	}
	return status, nil
}

// Status is the decoded axis status word.
type Status struct {
	Moving     bool
	Slewing    bool
	Goto       bool
	LowVoltage bool
}

func (c *Controller) fireLowVoltage() {
	c.mu.Lock()
	fn := c.lowVoltage
	fire := fn != nil && !c.lowSeen
	c.lowSeen = true
	c.mu.Unlock()
	if fire {
		c.log.Warn(monitor.CategoryDriver, "AxisStatus", "controller reports low voltage")
		fn()
	}
}

func (c *Controller) stepsToDegrees(axis, steps int) float64 {
	return float64(steps) * 360 / float64(c.StepsPerRev(axis))
}

func (c *Controller) degreesToSteps(axis int, degrees float64) int {
	return int(degrees / 360 * float64(c.StepsPerRev(axis)))
}

// ratePeriod converts a rate in degrees/second to the controller's
// step-timer preset.
func (c *Controller) ratePeriod(axis int, degPerSec float64) int {
	stepsPerSec := degPerSec / 360 * float64(c.StepsPerRev(axis))
	if stepsPerSec <= 0 {
		return 0xFFFFFF
	}
	c.mu.Lock()
	freq := c.timerFreq
	c.mu.Unlock()
	period := int(float64(freq) / stepsPerSec)
	if period < 1 {
		period = 1
	}
	if period > 0xFFFFFF {
		period = 0xFFFFFF
	}
	return period
}

func (c *Controller) inquireValue(cmd byte, axis int) (int, error) {
	reply, err := c.exchange(cmd, axis, "")
	if err != nil {
		return 0, err
	}
	return decodeValue(reply)
}

// exchange writes ":<cmd><axis><payload>\r" and reads one reply line.
// Replies start with '=' (payload follows) or '!' (error code). Any
// link fault marks the controller disconnected.
func (c *Controller) exchange(cmd byte, axis int, payload string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil || !c.connected {
		return "", errors.New("skywatcher: not connected")
	}
	out := fmt.Sprintf(":%c%d%s\r", cmd, axis+1, payload)
	if _, err := c.port.Write([]byte(out)); err != nil {
		c.connected = false
		return "", fmt.Errorf("writing %q: %w", out, err)
	}
	reply, err := c.readReply()
	if err != nil {
		c.connected = false
		return "", fmt.Errorf("command %q: %w", out, err)
	}
	return reply, nil
}

func (c *Controller) readReply() (string, error) {
	var buf []byte
	one := make([]byte, 1)
	for {
		n, err := c.port.Read(one)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", errors.New("reply timeout")
		}
		b := one[0]
		if b == '\r' {
			break
		}
		buf = append(buf, b)
	}
	if len(buf) == 0 {
		return "", errors.New("empty reply")
	}
	switch buf[0] {
	case '=':
		return string(buf[1:]), nil
	case '!':
		return "", fmt.Errorf("controller error %q", string(buf[1:]))
	}
	return "", fmt.Errorf("malformed reply %q", string(buf))
}

// The controller speaks 24-bit values as six hex digits with the bytes
// swapped: "123456" means 0x563412.

func encodeValue(v int) string {
	v &= 0xFFFFFF
	return fmt.Sprintf("%02X%02X%02X", v&0xFF, (v>>8)&0xFF, (v>>16)&0xFF)
}

func decodeValue(s string) (int, error) {
	if len(s) != 6 {
		return 0, fmt.Errorf("value %q: want 6 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("value %q: %w", s, err)
	}
	return int((v&0xFF)<<16 | (v & 0xFF00) | (v>>16)&0xFF), nil
}
