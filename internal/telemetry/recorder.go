// Package telemetry fans device link events out to the optional sinks:
// InfluxDB points, a retained MQTT status topic and the SQLite journal.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/robot-bridge/internal/journal"
	"github.com/nerrad567/robot-bridge/internal/robot"
)

// defaultBufferSize bounds queued events. Events beyond it are dropped so the
// link never waits on a slow sink.
const defaultBufferSize = 256

// sinkTimeout bounds one journal write.
const sinkTimeout = 5 * time.Second

// Metrics is the time-series sink. *influxdb.Client satisfies it.
type Metrics interface {
	WriteLinkState(address string, connected bool)
	WriteCommand(name string, delivered bool)
}

// Publisher is the MQTT sink. *mqtt.Client satisfies it.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
}

// Journal is the durable history sink. *journal.SQLiteRepository satisfies it.
type Journal interface {
	RecordLinkEvent(ctx context.Context, ev *journal.LinkEvent) error
	RecordCommand(ctx context.Context, rec *journal.CommandRecord) error
}

// Logger is the optional logging interface.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Recorder. Every sink is optional.
type Options struct {
	// Address labels link events (the device host:port).
	Address string

	Metrics Metrics

	Publisher   Publisher
	StatusTopic string

	Journal Journal

	BufferSize int
	Logger     Logger
}

type eventKind int

const (
	kindLink eventKind = iota
	kindCommand
	kindStatus // publish only, not a transition
)

type event struct {
	kind      eventKind
	at        time.Time
	connected bool
	cmd       robot.Command
	err       error
}

// statusPayload is the retained MQTT status message.
type statusPayload struct {
	RobotConnected bool   `json:"robot_connected"`
	Timestamp      string `json:"timestamp"`
}

// Stats holds recorder counters.
type Stats struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
}

// Recorder implements robot.Observer. Callbacks only enqueue; a single
// goroutine started by Start writes to the sinks in order.
type Recorder struct {
	opts   Options
	events chan event

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

var _ robot.Observer = (*Recorder)(nil)

// New creates a recorder. Call Start before events are expected.
func New(opts Options) *Recorder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	return &Recorder{
		opts:   opts,
		events: make(chan event, opts.BufferSize),
		done:   make(chan struct{}),
	}
}

// Enabled reports whether any sink is configured.
func (r *Recorder) Enabled() bool {
	return r.opts.Metrics != nil || r.opts.Publisher != nil || r.opts.Journal != nil
}

// Start launches the drain goroutine. Cancelling ctx does not stop it: the
// link emits its final transition during shutdown, after the signal context
// is already done, so only Close ends the drain.
func (r *Recorder) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
		go r.drain(ctx)
	})
}

// Close stops the drain goroutine and waits for queued events to be written.
// Close without Start is a no-op.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		<-r.done
	})
}

// OnStateChange records a link transition.
func (r *Recorder) OnStateChange(connected bool) {
	r.enqueue(event{kind: kindLink, at: time.Now().UTC(), connected: connected})
}

// OnCommand records a delivery attempt.
func (r *Recorder) OnCommand(cmd robot.Command, err error) {
	r.enqueue(event{kind: kindCommand, at: time.Now().UTC(), cmd: cmd, err: err})
}

// PublishStatus publishes the current link state without recording a
// transition. Used once at startup so the retained topic is never stale.
func (r *Recorder) PublishStatus(connected bool) {
	r.enqueue(event{kind: kindStatus, at: time.Now().UTC(), connected: connected})
}

// Stats returns a snapshot of the counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
	}
}

func (r *Recorder) enqueue(ev event) {
	if !r.Enabled() {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
		r.logWarn("telemetry buffer full, dropping event", "kind", int(ev.kind))
	}
}

func (r *Recorder) drain(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case ev := <-r.events:
			r.write(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.events:
					r.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(ev event) {
	ok := true
	switch ev.kind {
	case kindLink:
		if r.opts.Metrics != nil {
			r.opts.Metrics.WriteLinkState(r.opts.Address, ev.connected)
		}
		ok = r.publishStatus(ev) && ok
		if r.opts.Journal != nil {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			err := r.opts.Journal.RecordLinkEvent(ctx, &journal.LinkEvent{
				Address:    r.opts.Address,
				Connected:  ev.connected,
				OccurredAt: ev.at,
			})
			cancel()
			if err != nil {
				r.logError("journal link event failed", "error", err)
				ok = false
			}
		}

	case kindCommand:
		delivered := ev.err == nil
		if r.opts.Metrics != nil {
			r.opts.Metrics.WriteCommand(ev.cmd.Name, delivered)
		}
		if r.opts.Journal != nil {
			rec := &journal.CommandRecord{
				Cmd:        ev.cmd.Name,
				Payload:    ev.cmd.String(),
				Delivered:  delivered,
				OccurredAt: ev.at,
			}
			if ev.err != nil {
				rec.Error = ev.err.Error()
			}
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			err := r.opts.Journal.RecordCommand(ctx, rec)
			cancel()
			if err != nil {
				r.logError("journal command failed", "cmd", ev.cmd.Name, "error", err)
				ok = false
			}
		}

	case kindStatus:
		ok = r.publishStatus(ev)
	}

	if ok {
		r.recorded.Add(1)
	} else {
		r.failed.Add(1)
	}
}

func (r *Recorder) publishStatus(ev event) bool {
	if r.opts.Publisher == nil || r.opts.StatusTopic == "" {
		return true
	}
	payload, err := json.Marshal(statusPayload{
		RobotConnected: ev.connected,
		Timestamp:      ev.at.Format(time.RFC3339),
	})
	if err != nil {
		return false
	}
	if err := r.opts.Publisher.PublishRetained(r.opts.StatusTopic, payload); err != nil {
		r.logWarn("mqtt status publish failed", "topic", r.opts.StatusTopic, "error", err)
		return false
	}
	return true
}

func (r *Recorder) logWarn(msg string, keysAndValues ...any) {
	if r.opts.Logger != nil {
		r.opts.Logger.Warn(msg, keysAndValues...)
	}
}

func (r *Recorder) logError(msg string, keysAndValues ...any) {
	if r.opts.Logger != nil {
		r.opts.Logger.Error(msg, keysAndValues...)
	}
}
