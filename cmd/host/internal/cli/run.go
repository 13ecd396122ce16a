package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/latticerun/host/internal/adminhttp"
	"github.com/latticerun/host/internal/artifact"
	"github.com/latticerun/host/internal/bus"
	"github.com/latticerun/host/internal/controlplane"
	"github.com/latticerun/host/internal/events"
	"github.com/latticerun/host/internal/eventstream"
	"github.com/latticerun/host/internal/host"
	"github.com/latticerun/host/internal/hostconfig"
	"github.com/latticerun/host/internal/logging"
	"github.com/latticerun/host/internal/metrics"
	"github.com/latticerun/host/internal/policy"
	"github.com/latticerun/host/internal/reconciler"
	"github.com/latticerun/host/internal/router"
	"github.com/latticerun/host/internal/statestore"
	"github.com/latticerun/host/internal/supervisor"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the host and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
}

// hostDefaultLabels returns the hostcore.* labels every host carries in
// addition to whatever the operator configured, merged at construction so
// auction constraint matching always sees them.
func hostDefaultLabels(id string) map[string]string {
	return map[string]string{
		"hostcore.arch": runtime.GOARCH,
		"hostcore.os":   runtime.GOOS,
		"hostcore.id":   id,
	}
}

func mergeLabels(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func run(ctx context.Context, configPath string) error {
	cfg, err := hostconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if dump, err := cfg.DumpYAML(); err == nil {
		logger.Info("starting lattice host", "config", dump)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := bus.DialWithRetry(ctx, &redis.Options{
		Addr:            cfg.Bus.Addr,
		Password:        cfg.Bus.Password,
		DB:              cfg.Bus.DB,
		DialTimeout:     cfg.Bus.DialTimeout,
		MaxRetries:      cfg.Bus.MaxRetries,
		MinRetryBackoff: cfg.Bus.MinRetryBackoff,
		MaxRetryBackoff: cfg.Bus.MaxRetryBackoff,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	adapter := bus.NewRedisAdapter(client, logger)
	defer adapter.Close()

	hostID, err := host.NewPublicKey()
	if err != nil {
		return fmt.Errorf("generate host id: %w", err)
	}
	friendlyName := cfg.Host.FriendlyName
	if friendlyName == "" {
		friendlyName, err = host.GenerateFriendlyName()
		if err != nil {
			return fmt.Errorf("generate friendly name: %w", err)
		}
	}
	labels := mergeLabels(hostDefaultLabels(hostID), cfg.Host.Labels)
	h := host.New(hostID, friendlyName, cfg.Host.LatticeID, labels, cfg.Host.ClusterIssuers)

	// host.stop (via the control plane) must abort every subscription loop
	// just like an OS signal does, so fold h.Stopped() into the same ctx
	// every loop below already selects on.
	ctx, cancelOnHostStop := context.WithCancel(ctx)
	defer cancelOnHostStop()
	go func() {
		select {
		case <-h.Stopped():
			cancelOnHostStop()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store := statestore.New(adapter, cfg.Host.LatticeID)
	if err := adapter.EnsureBucket(ctx, store.Bucket()); err != nil {
		return fmt.Errorf("ensure lattice bucket: %w", err)
	}

	gate, err := policy.New(adapter, policy.Config{
		Subject:   cfg.Policy.Subject,
		Timeout:   cfg.Policy.Timeout,
		CacheSize: cfg.Policy.CacheSize,
		CacheTTL:  cfg.Policy.CacheTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("build policy gate: %w", err)
	}

	fetcher := artifact.FileFetcher{}

	components := supervisor.New(adapter, store, gate, fetcher, m, logger, supervisor.Config{
		LatticeID:         cfg.Host.LatticeID,
		HostID:            hostID,
		ConfigBucket:      cfg.ConfigBucketOrDefault(),
		InvocationTimeout: cfg.Host.InvocationTimeout,
		ClusterIssuers:    cfg.Host.ClusterIssuers,
	})
	providers := supervisor.NewProviderSupervisor(adapter, store, gate, fetcher, supervisor.ExecSpawner{}, m, logger, supervisor.ProviderConfig{
		LatticeID:         cfg.Host.LatticeID,
		HostID:            hostID,
		RPCEndpoint:       cfg.Bus.Addr,
		BusPassword:       cfg.Bus.Password,
		DefaultRPCTimeout: cfg.Host.InvocationTimeout,
		GracePeriod:       cfg.Provider.GracePeriod,
		HealthPeriod:      cfg.Provider.HealthPeriod,
		StopGrace:         cfg.Provider.StopGrace,
		ClusterIssuers:    cfg.Host.ClusterIssuers,
		StructuredLogging: cfg.Log.Format == "json",
		LogLevel:          cfg.Log.Level,
	})

	rtr := router.New(ctx, cfg.Host.LatticeID, adapter, components, logger)
	components.SetOnRunningChanged(rtr.OnComponentRunningChanged)

	cp := controlplane.New(adapter, h, store, components, providers, logger, controlplane.Config{
		LatticeID:    cfg.Host.LatticeID,
		ConfigBucket: cfg.ConfigBucketOrDefault(),
	})
	if err := cp.Start(ctx); err != nil {
		return fmt.Errorf("start control plane: %w", err)
	}
	defer cp.Stop()

	recon := reconciler.New(adapter, store, components, logger)
	go func() {
		if err := recon.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("reconciler stopped unexpectedly", "error", err)
		}
	}()

	hub := eventstream.NewHub(logger, eventstream.NewMetrics(reg), cfg.Admin.EventStreamBuffer)
	hub.Start(ctx)
	publisher := eventstream.NewPublisher(hub, logger)
	go func() {
		if err := publisher.Run(ctx, adapter, cfg.Host.LatticeID); err != nil && ctx.Err() == nil {
			logger.Error("event stream publisher stopped unexpectedly", "error", err)
		}
	}()

	admin := adminhttp.New(adminhttp.Config{Addr: cfg.Admin.Addr}, h, reg, hub, rtr.HTTPHandler(), logger)
	adminErrCh := make(chan error, 1)
	admin.Start(adminErrCh)

	publishHostStarted(ctx, adapter, h)
	go heartbeatLoop(ctx, adapter, h, components, providers, m, cfg.Host.HeartbeatInterval)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-adminErrCh:
		logger.Error("admin server failed", "error", err)
	case <-h.Stopped():
		logger.Info("host.stop received")
	}

	// h.Stop is a no-op if host.stop already set a deadline (e.g. via the
	// control plane); its StopDeadline is what wins in that case. An OS
	// signal or admin-server failure reaches this point without h having
	// been stopped yet, so this call is what sets the deadline for them.
	h.Stop(time.Now().Add(cfg.Host.ShutdownGrace))

	shutdownCtx, cancel := context.WithDeadline(context.Background(), h.StopDeadline())
	defer cancel()

	publishHostStopped(shutdownCtx, adapter, h)
	_ = admin.Shutdown(shutdownCtx)
	_ = hub.Stop(shutdownCtx)

	logger.Info("host stopped")
	return nil
}

func publishHostStarted(ctx context.Context, adapter bus.Adapter, h *host.Host) {
	publish(ctx, adapter, h, events.TypeHostStarted, events.HostStartedData{
		FriendlyName: h.FriendlyName,
		Labels:       h.Labels(),
		Issuers:      h.Issuers(),
	})
}

func publishHostStopped(ctx context.Context, adapter bus.Adapter, h *host.Host) {
	publish(ctx, adapter, h, events.TypeHostStopped, events.HostStoppedData{Reason: "shutdown"})
}

func publish(ctx context.Context, adapter bus.Adapter, h *host.Host, eventType string, data any) {
	ev, err := events.New(h.ID, eventType, data)
	if err != nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = adapter.Publish(ctx, events.Subject(h.LatticeID, eventType), nil, raw)
}

func heartbeatLoop(ctx context.Context, adapter bus.Adapter, h *host.Host, components *supervisor.ComponentSupervisor, providers *supervisor.ProviderSupervisor, m *metrics.Host, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sendHeartbeat(ctx, adapter, h, components, providers)
			m.HeartbeatsSent.Inc()
		}
	}
}

func sendHeartbeat(ctx context.Context, adapter bus.Adapter, h *host.Host, components *supervisor.ComponentSupervisor, providers *supervisor.ProviderSupervisor) {
	var comps []events.ActorScaledData
	for id, n := range components.ListRunning() {
		comps = append(comps, events.ActorScaledData{PublicKey: id, MaxInstances: n})
	}
	var provs []events.ProviderLifecycleData
	for id, health := range providers.ListRunning() {
		provs = append(provs, events.ProviderLifecycleData{PublicKey: id, Healthy: health == supervisor.Healthy})
	}

	publish(ctx, adapter, h, events.TypeHostHeartbeat, events.HeartbeatData{
		FriendlyName: h.FriendlyName,
		Labels:       h.Labels(),
		Components:   comps,
		Providers:    provs,
	})
}
