// Package panel serves the browser control page for the robot.
//
// The page (index.html plus /static/js and /static/css) is embedded with
// go:embed, so the binary has no runtime dependency on external files. It
// opens a WebSocket to /ws, sends {"type","data"} control messages for head
// movement, expressions, speech and reconnect, and renders the
// {"type":"status"} events it receives.
package panel
