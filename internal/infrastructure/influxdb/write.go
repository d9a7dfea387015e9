package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementLink    = "robot_link"
	measurementCommand = "robot_command"
)

// WriteLinkState records a device link transition.
//
// Example line: robot_link,address=10.0.0.5:9000 connected=true
func (c *Client) WriteLinkState(address string, connected bool) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(linkStatePoint(address, connected, time.Now()))
}

// WriteCommand records one command delivery attempt. delivered is false
// when the command was dropped.
//
// Example line: robot_command,cmd=move delivered=true
func (c *Client) WriteCommand(name string, delivered bool) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(name, delivered, time.Now()))
}

func linkStatePoint(address string, connected bool, ts time.Time) *write.Point {
	value := 0
	if connected {
		value = 1
	}
	return write.NewPoint(
		measurementLink,
		map[string]string{"address": address},
		map[string]interface{}{
			"connected": connected,
			"state":     value,
		},
		ts,
	)
}

func commandPoint(name string, delivered bool, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementCommand,
		map[string]string{"cmd": name},
		map[string]interface{}{"delivered": delivered},
		ts,
	)
}
