// Package modbus wraps a serial modbus RTU connection with a
// reconnect loop and a caller-supplied poll hook.
package modbus

import (
	"context"
	"time"

	"github.com/goburrow/modbus"

	"github.com/greenswamp/gsmount/internal/monitor"
)

type Client struct {
	// Port is the serial device name.
	Port string
	// BaudRate defaults to 19200.
	BaudRate int
	SlaveID  byte

	// Poll is called in a loop while the connection is active; a
	// returned error closes the connection and restarts the loop.
	Poll func() error

	Log *monitor.Logger

	handler *modbus.RTUClientHandler
	modbus.Client
}

func (c *Client) Connect(ctx context.Context) error {
	baud := c.BaudRate
	if baud == 0 {
		baud = 19200
	}
	handler := modbus.NewRTUClientHandler(c.Port)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = c.SlaveID
	c.handler = handler
	c.Client = modbus.NewClient(handler)
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) log() *monitor.Logger {
	if c.Log != nil {
		return c.Log
	}
	return monitor.Nop()
}

func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		if err := c.handler.Connect(); err != nil {
			c.log().Warn(monitor.CategoryDriver, "reconnectLoop",
				"opening "+c.Port+": "+err.Error())
			continue
		}
		if err := c.watch(ctx); err != nil {
			c.log().Warn(monitor.CategoryDriver, "reconnectLoop",
				"watching "+c.Port+": "+err.Error())
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.Poll(); err != nil {
			return err
		}
	}
}

func (c *Client) WriteCoil(coil int, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

// BytesToBits unpacks a modbus bit-field reply, least significant bit
// first.
func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
