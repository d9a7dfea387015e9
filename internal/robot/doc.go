// Package robot owns the TCP connection to the controlled device.
//
// The device speaks a fire-and-forget, line-delimited JSON protocol: each
// command is one object followed by a newline, and nothing is ever read back
// except to notice that the peer has gone away.
//
//	{"cmd":"move","pan":12.5,"tilt":-4}
//	{"cmd":"face","val":"happy"}
//	{"cmd":"say","val":"hello"}
//
// # Link
//
// A single Link is shared by every client session in the process. All
// lifecycle operations are serialised by one mutex:
//
//	link := robot.New(robot.Config{Host: "127.0.0.1", Port: 9999})
//	link.SetLogger(logger.With("component", "robot"))
//	if err := link.Connect(ctx); err != nil {
//	    logger.Warn("robot not reachable yet", "error", err)
//	}
//	_ = link.Send(ctx, robot.Move(10, 0))
//
// Every transport failure leaves the link disconnected. The next Send makes
// exactly one connect attempt and drops the command if that fails.
//
// # Mock
//
// Mock is an in-process device double used by tests and by cmd/robotmock.
package robot
