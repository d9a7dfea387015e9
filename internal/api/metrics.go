package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/robot-bridge/internal/telemetry"
)

// SystemMetrics is the /api/v1/metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	Robot         RobotMetrics     `json:"robot"`
	MQTT          *MQTTMetrics     `json:"mqtt,omitempty"`
	InfluxDB      *InfluxMetrics   `json:"influxdb,omitempty"`
	Telemetry     *telemetry.Stats `json:"telemetry,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// RobotMetrics mirrors robot.Stats.
type RobotMetrics struct {
	Address         string `json:"address"`
	Connected       bool   `json:"connected"`
	CommandsSent    uint64 `json:"commands_sent"`
	CommandsDropped uint64 `json:"commands_dropped"`
	ConnectAttempts uint64 `json:"connect_attempts"`
	ConnectFailures uint64 `json:"connect_failures"`
	Reconnects      uint64 `json:"reconnects"`
	ErrorsTotal     uint64 `json:"errors_total"`
	LastActivity    string `json:"last_activity,omitempty"`
}

type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

type InfluxMetrics struct {
	Connected bool `json:"connected"`
}

// DatabaseMetrics contains connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	linkStats := s.link.Stats()
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Robot: RobotMetrics{
			Address:         s.link.Address(),
			Connected:       linkStats.Connected,
			CommandsSent:    linkStats.CommandsSent,
			CommandsDropped: linkStats.CommandsDropped,
			ConnectAttempts: linkStats.ConnectAttempts,
			ConnectFailures: linkStats.ConnectFailures,
			Reconnects:      linkStats.Reconnects,
			ErrorsTotal:     linkStats.ErrorsTotal,
		},
	}
	if !linkStats.LastActivity.IsZero() {
		metrics.Robot.LastActivity = linkStats.LastActivity.UTC().Format(time.RFC3339)
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}
	if s.influx != nil {
		metrics.InfluxDB = &InfluxMetrics{Connected: s.influx.IsConnected()}
	}

	if s.telemetry != nil {
		stats := s.telemetry.Stats()
		metrics.Telemetry = &stats
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
