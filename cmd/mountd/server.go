package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/greenswamp/gsmount/internal/monitor"
	"github.com/greenswamp/gsmount/mount"
	"github.com/greenswamp/gsmount/power"
)

// Server fans the mount's observable state out to HTTP and websocket
// consumers and translates their commands into facade calls.
type Server struct {
	mu  sync.Mutex
	m   mount.Mount
	log *monitor.Logger

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     StatusReport
}

// StatusReport is the wire snapshot pushed to consumers.
type StatusReport struct {
	Mount mount.Status `json:"mount"`
	Power power.Status `json:"power"`
}

func NewServer(m mount.Mount, log *monitor.Logger) *Server {
	s := &Server{m: m, log: log}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	m.State().Notify(s.mountCallback)
	return s
}

func (s *Server) mountCallback(status mount.Status) {
	s.statusMu.Lock()
	s.status.Mount = status
	s.statusMu.Unlock()
	s.statusCond.Broadcast()
}

func (s *Server) powerCallback(status power.Status) {
	s.statusMu.Lock()
	s.status.Power = status
	s.statusMu.Unlock()
	s.statusCond.Broadcast()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(status)
	if err != nil {
		s.log.Error(monitor.CategoryServer, "StatusHandler", err, "marshaling status")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

// Command is the JSON command shape accepted over the websocket and
// the POST endpoint.
type Command struct {
	Command    string  `json:"command"`
	Axis       int     `json:"axis"`
	Degrees    float64 `json:"degrees"`
	Rate       float64 `json:"rate"`
	DurationMS int     `json:"duration_ms"`
	On         bool    `json:"on"`
}

// dispatch runs one command against the facade. Each call blocks until
// the queued command completes or the queue reports failure.
func (s *Server) dispatch(msg Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	axis := mount.Axis(msg.Axis)
	switch msg.Command {
	case "slew":
		return s.m.SlewTo(axis, msg.Degrees)
	case "rate":
		return s.m.SetRate(axis, msg.Rate)
	case "stop_axis":
		return s.m.StopAxis(axis)
	case "pulse":
		return s.m.PulseGuide(axis, msg.Rate, time.Duration(msg.DurationMS)*time.Millisecond)
	case "track":
		return s.m.SetTracking(msg.On)
	case "park":
		return s.m.Park()
	}
	return errUnknownCommand(msg.Command)
}

type errUnknownCommand string

func (e errUnknownCommand) Error() string { return "unknown command " + string(e) }

func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var msg Command
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.dispatch(msg); err != nil {
		s.log.Error(monitor.CategoryServer, "CommandHandler", err, "command failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(monitor.CategoryServer, "StatusSocketHandler", err, "upgrade failed")
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	// Read and process incoming commands.
	go func() {
		defer close(done)
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := s.dispatch(msg); err != nil {
				s.log.Error(monitor.CategoryServer, "StatusSocketHandler", err, "command failed")
			}
		}
	}()
	// Wake the push loop when the reader or the server context ends.
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
		}
		s.statusCond.Broadcast()
	}()

	send := func(status StatusReport) bool {
		data, err := json.Marshal(status)
		if err != nil {
			s.log.Error(monitor.CategoryServer, "StatusSocketHandler", err, "marshaling status")
			return false
		}
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	if !send(status) {
		return
	}

	for {
		s.statusMu.RLock()
		s.statusCond.Wait()
		status := s.status
		s.statusMu.RUnlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}
		if !send(status) {
			return
		}
	}
}
