// mountd exposes a telescope mount (serial-connected or simulated) to
// HTTP, websocket and LX200 TCP consumers. It is the composition root:
// one facade instance, one command queue, wired here and passed by
// handle to every consumer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/greenswamp/gsmount/internal/monitor"
	"github.com/greenswamp/gsmount/mount"
	"github.com/greenswamp/gsmount/power"
	"github.com/greenswamp/gsmount/skywatcher"
)

var (
	listen      = flag.String("listen", "127.0.0.1:8502", "HTTP listen address")
	lx200Listen = flag.String("lx200_listen", "", "LX200 TCP listen address (disabled if empty)")
	sim         = flag.Bool("sim", false, "use the simulated mount")
	serialPort  = flag.String("serial", "/dev/ttyUSB0", "motor controller serial port")
	baud        = flag.Int("baud", 9600, "motor controller baud rate")
	stepsPerRev = flag.String("steps_per_rev", "", "custom gearing as \"primary,secondary\" steps per revolution")

	powerPort      = flag.String("power_serial", "", "PDU modbus serial port (disabled if empty)")
	powerBaud      = flag.Int("power_baud", 19200, "PDU baud rate")
	powerThreshold = flag.Float64("power_threshold", 11.5, "low-voltage threshold in volts")
)

func main() {
	flag.Parse()
	log := monitor.New(os.Stderr, "mount")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := buildMount(log)
	if err != nil {
		log.Error(monitor.CategoryInterface, "main", err, "configuring mount")
		os.Exit(1)
	}
	if err := m.Start(); err != nil {
		log.Error(monitor.CategoryInterface, "main", err, "starting mount")
		os.Exit(1)
	}
	defer m.Stop()

	srv := NewServer(m, log)

	if *powerPort != "" {
		_, err := power.Connect(ctx, *powerPort, *powerBaud, *powerThreshold,
			srv.powerCallback, func(volts float64) { emergencyStop(m, log, volts) }, log)
		if err != nil {
			log.Error(monitor.CategoryInterface, "main", err, "connecting PDU")
			os.Exit(1)
		}
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/status", srv.StatusHandler).Methods("GET")
	r.HandleFunc("/api/command", srv.CommandHandler).Methods("POST")
	r.HandleFunc("/api/ws", srv.StatusSocketHandler)

	httpSrv := &http.Server{
		Handler:     r,
		Addr:        *listen,
		ReadTimeout: 15 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	if *lx200Listen != "" {
		if err := srv.ListenLX200(ctx, *lx200Listen); err != nil {
			log.Error(monitor.CategoryInterface, "main", err, "starting LX200 listener")
			os.Exit(1)
		}
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info(monitor.CategoryInterface, "main", "listening on "+*listen)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error(monitor.CategoryInterface, "main", err, "exiting")
		os.Exit(1)
	}
}

func buildMount(log *monitor.Logger) (mount.Mount, error) {
	if *sim {
		return mount.NewSimulated(log), nil
	}
	cfg := mount.HardwareConfig{
		Serial: skywatcher.Config{
			Port: *serialPort,
			Baud: *baud,
		},
		Log: log,
	}
	if *stepsPerRev != "" {
		parts := strings.Split(*stepsPerRev, ",")
		if len(parts) != mount.NumAxes {
			return nil, fmt.Errorf("steps_per_rev: want %d comma-separated values", mount.NumAxes)
		}
		for i, p := range parts {
			v, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("steps_per_rev: %w", err)
			}
			cfg.Serial.StepsPerRev[i] = v
		}
	}
	var h *mount.Hardware
	cfg.LowVoltage = func() { emergencyStop(h, log, 0) }
	h = mount.NewHardware(cfg)
	return h, nil
}

// emergencyStop halts all motion when the supply sags. Tracking is not
// resumed automatically; the operator restarts it once power is back.
func emergencyStop(m mount.Mount, log *monitor.Logger, volts float64) {
	log.Warn(monitor.CategoryInterface, "emergencyStop",
		fmt.Sprintf("low voltage (%.2fV); stopping all axes", volts))
	go func() {
		m.SetTracking(false)
		for axis := mount.Axis(0); axis < mount.NumAxes; axis++ {
			m.StopAxis(axis)
		}
	}()
}
