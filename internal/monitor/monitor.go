// Package monitor is the structured log sink shared by every component.
// Each entry carries the device it concerns, a category, the calling
// method and the goroutine that produced it, so hardware faults can be
// traced without a debugger attached to a moving mount.
package monitor

import (
	"bytes"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Entry categories.
const (
	CategoryInterface = "interface"
	CategoryDriver    = "driver"
	CategoryServer    = "server"
	CategoryQueue     = "queue"
	CategoryTelemetry = "telemetry"
)

type Logger struct {
	log zerolog.Logger
}

// New returns a logger for one device. All entries are written to w as
// structured records with timestamp, device, category, severity,
// method, goroutine id and message.
func New(w io.Writer, device string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().
		Timestamp().
		Str("device", device).
		Logger()
	return &Logger{log: zl}
}

// Nop returns a logger that discards everything. Used by tests and as
// the default when a component is constructed without a sink.
func Nop() *Logger {
	return &Logger{log: zerolog.Nop()}
}

func (l *Logger) Debug(category, method, msg string) { l.emit(l.log.Debug(), category, method, msg) }
func (l *Logger) Info(category, method, msg string)  { l.emit(l.log.Info(), category, method, msg) }
func (l *Logger) Warn(category, method, msg string)  { l.emit(l.log.Warn(), category, method, msg) }

func (l *Logger) Error(category, method string, err error, msg string) {
	l.emit(l.log.Error().Err(err), category, method, msg)
}

// Event returns a raw zerolog event carrying the standard fields, for
// call sites that want to attach extra key/values.
func (l *Logger) Event(category, method string) *zerolog.Event {
	return l.log.Info().
		Str("category", category).
		Str("method", method).
		Int("goroutine", goroutineID())
}

func (l *Logger) emit(e *zerolog.Event, category, method, msg string) {
	e.Str("category", category).
		Str("method", method).
		Int("goroutine", goroutineID()).
		Msg(msg)
}

// goroutineID parses the current goroutine's id out of the stack
// header ("goroutine 12 [running]:"). It is only used for log entries,
// never for control flow.
func goroutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.Atoi(string(fields[1]))
	if err != nil {
		return 0
	}
	return id
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
