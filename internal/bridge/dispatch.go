package bridge

import (
	"context"

	"github.com/nerrad567/robot-bridge/internal/robot"
)

// Device is the slice of the device link that sessions drive.
// *robot.Link implements it.
type Device interface {
	Send(ctx context.Context, cmd robot.Command) error
	Reconnect(ctx context.Context) error
	RefreshConnectionState()
	IsConnected() bool
}

var _ Device = (*robot.Link)(nil)

// route is one dispatch table entry.
type route struct {
	run func(ctx context.Context, d Device, data map[string]any)

	// reportsStatus marks routes whose completion is always followed by a
	// status event carrying the link's new state.
	reportsStatus bool
}

// routes maps client message types to device calls. Send errors are
// discarded here; the link has already logged them.
var routes = map[string]route{
	TypeMove: {run: func(ctx context.Context, d Device, data map[string]any) {
		_ = d.Send(ctx, robot.Move(field(data, "pan", 0), field(data, "tilt", 0)))
	}},
	TypeFace: {run: func(ctx context.Context, d Device, data map[string]any) {
		_ = d.Send(ctx, robot.Face(field(data, "val", nil)))
	}},
	TypeSay: {run: func(ctx context.Context, d Device, data map[string]any) {
		_ = d.Send(ctx, robot.Say(field(data, "val", nil)))
	}},
	TypeReconnect: {
		run: func(ctx context.Context, d Device, _ map[string]any) {
			_ = d.Reconnect(ctx)
		},
		reportsStatus: true,
	},
}

// field returns data[key], or def when the key is absent. A present null
// is passed through as nil.
func field(data map[string]any, key string, def any) any {
	if v, ok := data[key]; ok {
		return v
	}
	return def
}

// Dispatcher translates client messages into device calls.
type Dispatcher struct {
	device Device
}

// NewDispatcher creates a dispatcher bound to device.
func NewDispatcher(device Device) (*Dispatcher, error) {
	if device == nil {
		return nil, ErrNoDevice
	}
	return &Dispatcher{device: device}, nil
}

// Known reports whether msgType has a route.
func (d *Dispatcher) Known(msgType string) bool {
	_, ok := routes[msgType]
	return ok
}

// ReportsStatus reports whether msgType must be answered with a status event.
func (d *Dispatcher) ReportsStatus(msgType string) bool {
	return routes[msgType].reportsStatus
}

// Dispatch runs msg against the device. Unknown types are ignored and
// return false. For status-reporting routes the returned event carries
// the connected state read right after the call.
func (d *Dispatcher) Dispatch(ctx context.Context, msg ClientMessage) (*StatusEvent, bool) {
	r, ok := routes[msg.Type]
	if !ok {
		return nil, false
	}

	data := msg.Data
	if data == nil {
		data = map[string]any{}
	}
	r.run(ctx, d.device, data)

	if !r.reportsStatus {
		return nil, true
	}
	ev := NewStatusEvent(d.device.IsConnected())
	return &ev, true
}
