// Package bridge translates client control messages into device commands
// and reports device connectivity back to each client.
//
// One Session exists per client channel. It owns a status-poll goroutine
// that probes the shared device link every interval and emits a status
// event only when the state it observes changes:
//
//	sess, err := bridge.NewSession(bridge.SessionOptions{
//	    Device:           link,
//	    Emit:             func(ev bridge.StatusEvent) { queue(ev) },
//	    AnnounceOnAttach: true,
//	})
//	sess.Start(ctx)
//	defer sess.Close()
//	for frame := range frames {
//	    if err := sess.Handle(ctx, frame); err != nil {
//	        break
//	    }
//	}
//
// Messages:
//
//	in:  {"type": "move"|"face"|"say"|"reconnect", "data": {...}}
//	out: {"type": "status", "data": {"robot_connected": true}}
//
// A reconnect request is always answered with a status event. Malformed
// frames and unknown types are dropped without a reply.
package bridge
