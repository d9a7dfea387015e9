// Package api implements the bridge's Channel Gateway: the HTTP server that
// accepts browser WebSocket channels and pairs each one with a
// bridge.Session over the shared device link.
//
// Routes:
//
//	GET /                 control page (panel package)
//	GET /static/*         control page assets
//	GET /ws               WebSocket channel (path configurable)
//	GET /api/v1/health    {status, version, robot_connected}
//	GET /api/v1/metrics   runtime, channel and link counters
//	GET /api/v1/history   journal of link transitions and commands
//
// # Channel lifecycle
//
// Each accepted channel gets its own session, started with an immediate
// status snapshot. Frames are handed to the session in arrival order by the
// channel's read pump; status events are queued to its write pump. When the
// channel closes, the session is closed and the shared link is left as is.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
