package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/greenswamp/gsmount/internal/monitor"
	"github.com/greenswamp/gsmount/mount"
)

// ListenLX200 serves a minimal LX200-style handset protocol on a raw
// TCP socket, for planetarium software that does not speak the HTTP
// API. Commands are ":"-prefixed and "#"-terminated.
func (s *Server) ListenLX200(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.log.Info(monitor.CategoryServer, "ListenLX200", "shutdown; closing socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error(monitor.CategoryServer, "ListenLX200", err, "accept failed")
				}
				continue
			}
			go s.handleLX200(conn)
		}
	}()
	return nil
}

func scanCommands(data []byte, atEOF bool) (int, []byte, error) {
	for i, b := range data {
		if b == '#' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

func (s *Server) handleLX200(conn net.Conn) {
	defer conn.Close()
	s.log.Info(monitor.CategoryServer, "handleLX200",
		"accepted connection from "+conn.RemoteAddr().String())

	// Slew targets are set with :Sr/:Sd and executed with :MS.
	var targetPrimary, targetSecondary float64

	scanner := bufio.NewScanner(conn)
	scanner.Split(scanCommands)
	for scanner.Scan() {
		cmd := strings.TrimPrefix(scanner.Text(), ":")
		if cmd == "" {
			continue
		}
		switch {
		case cmd == "GR": // get primary-axis (RA-side) position
			deg, err := s.m.AxisDegrees(mount.AxisPrimary)
			if err != nil {
				deg = 0
			}
			fmt.Fprintf(conn, "%s#", degToHMS(deg))
		case cmd == "GD": // get secondary-axis (Dec-side) position
			deg, err := s.m.AxisDegrees(mount.AxisSecondary)
			if err != nil {
				deg = 0
			}
			fmt.Fprintf(conn, "%s#", degToDMS(deg))
		case strings.HasPrefix(cmd, "Sr"): // set target primary
			if deg, ok := parseHMS(cmd[2:]); ok {
				targetPrimary = deg
				fmt.Fprint(conn, "1")
			} else {
				fmt.Fprint(conn, "0")
			}
		case strings.HasPrefix(cmd, "Sd"): // set target secondary
			if deg, ok := parseDMS(cmd[2:]); ok {
				targetSecondary = deg
				fmt.Fprint(conn, "1")
			} else {
				fmt.Fprint(conn, "0")
			}
		case cmd == "MS": // slew to target
			err1 := s.m.SlewTo(mount.AxisPrimary, targetPrimary)
			err2 := s.m.SlewTo(mount.AxisSecondary, targetSecondary)
			if err1 != nil || err2 != nil {
				fmt.Fprint(conn, "2Slew failed#")
			} else {
				fmt.Fprint(conn, "0")
			}
		case cmd == "Q": // stop everything
			s.m.StopAxis(mount.AxisPrimary)
			s.m.StopAxis(mount.AxisSecondary)
		case cmd == "hP": // park
			s.m.Park()
		case strings.HasPrefix(cmd, "Mg"): // pulse guide: MgN1000
			if len(cmd) < 3 {
				break
			}
			dir := cmd[2]
			ms, err := strconv.Atoi(cmd[3:])
			if err != nil || ms < 0 || ms > 9999 {
				break
			}
			axis, sign := mount.AxisPrimary, 1.0
			switch dir {
			case 'n':
				axis = mount.AxisSecondary
			case 's':
				axis, sign = mount.AxisSecondary, -1
			case 'w':
				sign = -1
			}
			go s.m.PulseGuide(axis, sign*mount.SiderealRate/2, time.Duration(ms)*time.Millisecond)
		default:
			s.log.Debug(monitor.CategoryServer, "handleLX200", "unknown command "+cmd)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Error(monitor.CategoryServer, "handleLX200", err,
			"reading from "+conn.RemoteAddr().String())
	}
}

// degToHMS formats degrees as "HH:MM:SS" of hour angle.
func degToHMS(deg float64) string {
	hours := deg / 15
	h := int(hours)
	m := int((hours - float64(h)) * 60)
	sec := int(((hours-float64(h))*60 - float64(m)) * 60)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
}

// degToDMS formats degrees as "sDD*MM'SS".
func degToDMS(deg float64) string {
	sign := "+"
	if deg < 0 {
		sign = "-"
		deg = -deg
	}
	d := int(deg)
	m := int((deg - float64(d)) * 60)
	sec := int(((deg-float64(d))*60 - float64(m)) * 60)
	return fmt.Sprintf("%s%02d*%02d'%02d", sign, d, m, sec)
}

func parseHMS(s string) (float64, bool) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' })
	if len(parts) != 3 {
		return 0, false
	}
	var hms [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, false
		}
		hms[i] = v
	}
	return (hms[0] + hms[1]/60 + hms[2]/3600) * 15, true
}

func parseDMS(s string) (float64, bool) {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimLeft(s, "+-")
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '*' || r == '\'' || r == ':'
	})
	if len(parts) != 3 {
		return 0, false
	}
	var dms [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, false
		}
		dms[i] = v
	}
	deg := dms[0] + dms[1]/60 + dms[2]/3600
	if neg {
		deg = -deg
	}
	return deg, true
}
