// mount_logger tails the mountd status websocket and records every
// snapshot (step counts, pulse-guide flags, supply voltage) to
// InfluxDB for telemetry dashboards.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"

	"github.com/greenswamp/gsmount/internal/monitor"
)

var log = monitor.New(os.Stderr, "mount_logger")

func main() {
	server := os.Getenv("INFLUX_SERVER")
	if server == "" {
		server = "http://localhost:9999"
	}
	client := influxdb2.NewClient(server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Non-blocking write client; errors arrive on a channel.
	writeAPI := client.WriteApi("greenswamp", "mount.raw")
	defer writeAPI.Close()
	go func() {
		for err := range writeAPI.Errors() {
			log.Error(monitor.CategoryTelemetry, "main", err, "write error")
		}
	}()
	for {
		if err := logData(writeAPI); err != nil {
			log.Error(monitor.CategoryTelemetry, "main", err, "logging interrupted")
		}
		time.Sleep(1 * time.Second)
	}
}

// flattenStatus turns nested status JSON into dotted field names.
func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	default:
		fields[prefix[1:]] = status
	}
}

func logData(writeAPI api.WriteApi) error {
	url := os.Getenv("MOUNTD_ADDRESS")
	if url == "" {
		url = "ws://localhost:8502/api/ws"
	}
	defer writeAPI.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		fields := make(map[string]interface{})
		flattenStatus(fields, status, "")

		p := influxdb2.NewPoint("mount.status",
			nil,
			fields,
			time.Now(),
		)
		writeAPI.WritePoint(p)
	}
}
