package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/keunjinahn/things-plc/internal/api/rest"
	"github.com/keunjinahn/things-plc/internal/api/websocket"
	"github.com/keunjinahn/things-plc/internal/auth"
	"github.com/keunjinahn/things-plc/internal/batch"
	"github.com/keunjinahn/things-plc/internal/collector"
	"github.com/keunjinahn/things-plc/internal/config"
	"github.com/keunjinahn/things-plc/internal/devices"
	"github.com/keunjinahn/things-plc/internal/interfaces"
	"github.com/keunjinahn/things-plc/internal/modbus"
	"github.com/keunjinahn/things-plc/internal/publish"
	"github.com/keunjinahn/things-plc/internal/scheduler"
	"github.com/keunjinahn/things-plc/internal/storage"
	"github.com/keunjinahn/things-plc/internal/stream"
	"github.com/keunjinahn/things-plc/internal/types"
	"github.com/keunjinahn/things-plc/internal/xgt"
)

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)

type LifecycleManager struct {
	config *config.Config
	store  storage.Store
	logger *zap.Logger

	pool      *xgt.Pool
	modbus    *modbus.Reader
	streamer  *stream.Streamer
	sinks     []publish.Sink
	collector *collector.Collector
	runner    *batch.Runner
	scheduler *scheduler.Scheduler

	validator  *auth.Validator
	wsHub      *websocket.Hub
	restServer *rest.Server
	grpcServer *grpc.Server
	health     *health.Server
	hubCancel  context.CancelFunc
	hubDone    chan struct{}

	stateMu      sync.RWMutex
	currentState SystemState
	startedAt    time.Time
	lastError    string

	shutdownOnce sync.Once
}

func NewLifecycleManager(store storage.Store, cfg *config.Config, logger *zap.Logger) *LifecycleManager {
	pool := xgt.NewPool(xgt.Options{
		Timeout:     cfg.XGT.Timeout,
		IdleTimeout: cfg.XGT.IdleTimeout,
		Codec: xgt.Codec{
			CPUInfo:        byte(cfg.XGT.CPUInfo),
			Checksum:       xgt.ChecksumScheme(cfg.XGT.Checksum),
			VerifyChecksum: cfg.XGT.VerifyChecksum,
		},
	}, logger.Named("xgt"))

	return &LifecycleManager{
		config:       cfg,
		store:        store,
		logger:       logger,
		pool:         pool,
		modbus:       modbus.NewReader(cfg.Modbus.Timeout, cfg.Modbus.IdleTimeout, logger.Named("modbus")),
		streamer:     stream.NewStreamer(0),
		scheduler:    scheduler.New(logger.Named("scheduler")),
		currentState: StateInitializing,
	}
}

func (lm *LifecycleManager) retryPolicy() xgt.RetryPolicy {
	return xgt.RetryPolicy{Count: lm.config.XGT.RetryCount, Delay: lm.config.XGT.RetryDelay}
}

// Start seeds devices, builds the collector and batch runner, and starts
// every server. ctx bounds the startup work only.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting things-plc")

	if err := lm.start(ctx); err != nil {
		lm.setError(err)
		return err
	}

	lm.stateMu.Lock()
	lm.startedAt = time.Now()
	lm.stateMu.Unlock()
	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("collector_enabled", lm.config.Collector.Enabled),
		zap.Bool("batch_enabled", lm.config.Batch.Enabled))
	return nil
}

func (lm *LifecycleManager) start(ctx context.Context) error {
	report, err := devices.NewManager(lm.store, lm.logger.Named("devices")).Sync(ctx, lm.config.Devices)
	if err != nil {
		return fmt.Errorf("failed to seed devices: %w", err)
	}
	lm.logger.Info("Devices seeded", zap.Int("devices", report.Devices), zap.Int("tags", report.Tags))

	if lm.config.Auth.Enabled {
		secret, err := lm.config.Auth.JWTSecret()
		if err != nil {
			return err
		}
		if lm.validator, err = auth.NewValidator(secret, lm.config.Auth.Issuer); err != nil {
			return err
		}
	}

	lm.sinks, err = publish.Open(ctx, lm.config.Publish, lm.logger.Named("publish"))
	if err != nil {
		return fmt.Errorf("failed to open sinks: %w", err)
	}

	// streamer first so live clients see readings even when a broker is slow
	sinks := []collector.Sink{lm.streamer}
	for _, s := range lm.sinks {
		sinks = append(sinks, s)
	}
	lm.collector = collector.New(collector.Config{
		Interval: lm.config.Collector.Interval(),
		Retry:    lm.retryPolicy(),
	}, lm.store, map[types.Protocol]collector.TagReader{
		types.ProtocolXGT:    lm.pool,
		types.ProtocolModbus: lm.modbus,
	}, lm.logger.Named("collector"), sinks...)

	if lm.config.Batch.Enabled {
		if err := lm.setupBatch(); err != nil {
			return err
		}
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	lm.hubDone = make(chan struct{})
	lm.wsHub = websocket.NewHub(lm.streamer, lm.validator, lm.logger.Named("websocket"))
	go func() {
		defer close(lm.hubDone)
		lm.wsHub.Run(hubCtx)
	}()

	if err := lm.startGRPCServer(); err != nil {
		return fmt.Errorf("failed to start gRPC: %w", err)
	}
	if err := lm.startRESTServer(); err != nil {
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	if lm.config.Collector.Enabled {
		if err := lm.collector.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start collector: %w", err)
		}
	}
	if err := lm.scheduler.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

func (lm *LifecycleManager) setupBatch() error {
	cfg := lm.config.Batch

	loader, err := batch.NewLoader()
	if err != nil {
		return err
	}
	set, err := loader.LoadFile(cfg.JobsFile)
	if err != nil {
		return fmt.Errorf("failed to load batch jobs: %w", err)
	}
	for _, w := range set.Warnings {
		lm.logger.Warn("Batch job file warning",
			zap.String("code", w.Code),
			zap.String("job", w.Job),
			zap.String("message", w.Message))
	}

	port := cfg.PLC.Port
	if port == 0 {
		port = xgt.DefaultPort
	}
	lm.runner = batch.NewRunner(lm.pool, set, lm.store, batch.Options{
		Endpoint:      net.JoinHostPort(cfg.PLC.Host, strconv.Itoa(port)),
		Retry:         lm.retryPolicy(),
		InterJobDelay: cfg.InterJobDelay,
		OutputDir:     cfg.OutputDir,
		Export:        cfg.Export,
	}, lm.logger.Named("batch"))
	lm.runner.OnResult(lm.streamer.PublishJobResult)

	lm.logger.Info("Batch jobs loaded",
		zap.String("file", cfg.JobsFile),
		zap.Strings("jobs", set.Names()))

	for _, e := range lm.config.Scheduler.Entries {
		if err := lm.ScheduleBatch(e.Name, e.Interval, e.Jobs); err != nil {
			return fmt.Errorf("scheduler entry %q: %w", e.Name, err)
		}
	}
	return nil
}

// ScheduleBatch registers an entry that runs the named jobs (all jobs when
// names is empty) and flushes the results.
func (lm *LifecycleManager) ScheduleBatch(name, interval string, jobs []string) error {
	if lm.runner == nil {
		return errors.New("batch runner is disabled")
	}

	known := make(map[string]bool)
	for _, j := range lm.runner.Jobs() {
		known[j.Name] = true
	}
	for _, j := range jobs {
		if !known[j] {
			return fmt.Errorf("unknown job %q", j)
		}
	}

	return lm.scheduler.Add(name, interval, lm.batchJob(jobs))
}

func (lm *LifecycleManager) batchJob(names []string) scheduler.Job {
	return func(ctx context.Context) error {
		results, err := lm.runner.RunNamed(ctx, names)
		if err != nil {
			return err
		}
		if _, err := lm.runner.Flush(ctx); err != nil {
			return err
		}

		failed := 0
		for _, res := range results {
			if res.Status == batch.StatusError {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d jobs failed", failed, len(results))
		}
		return nil
	}
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	lm.health = stream.Register(lm.grpcServer, stream.NewLiveService(lm.streamer, lm.statusMap, lm.logger.Named("grpc")))

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", stream.ServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger.Named("rest"), lm.wsHub, lm.validator)
	return lm.restServer.Start()
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		if shutdownErr != nil {
			lm.setError(shutdownErr)
			return
		}
		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// 1. keine neuen Anfragen
	if lm.restServer != nil {
		if err := lm.restServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
	}

	// 2. Scheduler und Collector anhalten; laufende Jobs laufen zu Ende
	if err := lm.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler stop failed: %w", err))
	}
	if lm.collector != nil {
		if err := lm.collector.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("collector stop failed: %w", err))
		}
	}

	// 3. offene Batch-Ergebnisse sichern
	if lm.runner != nil {
		if _, err := lm.runner.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("batch flush failed: %w", err))
		}
	}

	// 4. Live-Verbindungen schliessen
	if lm.health != nil {
		lm.health.Shutdown()
	}
	if lm.grpcServer != nil {
		lm.stopGRPC(ctx)
	}
	if lm.hubCancel != nil {
		lm.hubCancel()
		<-lm.hubDone
	}

	// 5. Verbindungen zu Brokern und PLCs
	if err := publish.CloseAll(lm.sinks); err != nil {
		errs = append(errs, err)
	}
	if err := lm.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("xgt pool close failed: %w", err))
	}
	if err := lm.modbus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("modbus close failed: %w", err))
	}

	if len(errs) == 0 {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

// stopGRPC waits for streams to end until ctx expires, then forces them.
func (lm *LifecycleManager) stopGRPC(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		lm.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing gRPC stop")
		lm.grpcServer.Stop()
		<-done
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state change", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err.Error()
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus(ctx context.Context) interfaces.SystemStatus {
	lm.stateMu.RLock()
	status := interfaces.SystemStatus{
		State:     lm.currentState.String(),
		StartedAt: lm.startedAt,
	}
	lm.stateMu.RUnlock()

	if !status.StartedAt.IsZero() {
		status.Uptime = time.Since(status.StartedAt).Round(time.Second).String()
	}

	if devs, err := lm.store.ListDevices(ctx); err == nil {
		status.DeviceCount = len(devs)
	} else {
		lm.logger.Debug("Status: failed to list devices", zap.Error(err))
	}
	if tags, err := lm.store.ListActiveTags(ctx, nil); err == nil {
		status.ActiveTags = len(tags)
	} else {
		lm.logger.Debug("Status: failed to list tags", zap.Error(err))
	}

	if lm.collector != nil {
		status.Collector = lm.collector.Stats()
	}
	status.Endpoints = lm.pool.Status()
	if lm.runner != nil {
		summary := lm.runner.Summary()
		status.Batch = &summary
	}
	status.Schedules = len(lm.scheduler.List())
	status.LiveSubscribers = lm.streamer.Subscribers()
	return status
}

func (lm *LifecycleManager) statusMap(ctx context.Context) (map[string]any, error) {
	data, err := json.Marshal(lm.GetCurrentStatus(ctx))
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) Storage() storage.Store {
	return lm.store
}

func (lm *LifecycleManager) Collector() *collector.Collector {
	return lm.collector
}

func (lm *LifecycleManager) BatchRunner() *batch.Runner {
	return lm.runner
}

func (lm *LifecycleManager) Scheduler() *scheduler.Scheduler {
	return lm.scheduler
}
