package interfaces

import (
	"context"
	"time"

	"github.com/keunjinahn/things-plc/internal/batch"
	"github.com/keunjinahn/things-plc/internal/collector"
	"github.com/keunjinahn/things-plc/internal/config"
	"github.com/keunjinahn/things-plc/internal/scheduler"
	"github.com/keunjinahn/things-plc/internal/storage"
	"github.com/keunjinahn/things-plc/internal/xgt"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State           string               `json:"state"`
	StartedAt       time.Time            `json:"started_at"`
	Uptime          string               `json:"uptime"`
	DeviceCount     int                  `json:"device_count"`
	ActiveTags      int                  `json:"active_tags"`
	Collector       collector.Stats      `json:"collector"`
	Endpoints       []xgt.EndpointStatus `json:"endpoints"`
	Batch           *batch.Summary       `json:"batch,omitempty"`
	Schedules       int                  `json:"schedules"`
	LiveSubscribers int                  `json:"live_subscribers"`
}

type LifecycleManager interface {
	Config() *config.Config
	Storage() storage.Store
	Collector() *collector.Collector
	// BatchRunner is nil when batch.enabled is false.
	BatchRunner() *batch.Runner
	Scheduler() *scheduler.Scheduler
	// ScheduleBatch registers a scheduler entry that runs the named jobs
	// and flushes their results.
	ScheduleBatch(name, interval string, jobs []string) error
	GetCurrentStatus(ctx context.Context) SystemStatus
	Shutdown(ctx context.Context) error
}
