// Package logging provides structured logging for the robot bridge.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the bridge.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Size-rotated log files via lumberjack, alone or alongside stdout
//
// # Configuration
//
//	logging:
//	  level: "info"          # debug, info, warn, error
//	  format: "json"         # json, text
//	  output: "stdout+file"  # stdout, stderr, file, stdout+file
//	  file:
//	    path: "./logs/robotbridge.log"
//	    max_size: 10         # MB before rotation
//	    max_backups: 5
//	    max_age: 30          # days
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	defer logger.Close()
//	logger.Info("robot connected", "address", addr)
package logging
