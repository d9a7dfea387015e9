// Package config loads and validates the robot bridge configuration.
//
// Values are layered, later sources winning:
//   - built-in defaults (a local device on 127.0.0.1:9999, API on :8000)
//   - the YAML file
//   - ROBOTBRIDGE_* environment variables
//
// Secrets (MQTT password, InfluxDB token) are best supplied through the
// environment; keep the file itself at 0600.
//
// Usage:
//
//	cfg, err := config.LoadOrDefault("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	link := robot.New(robot.Config{Host: cfg.Robot.Host, Port: cfg.Robot.Port})
package config
