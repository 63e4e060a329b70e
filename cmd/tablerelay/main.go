package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/tablerelay/internal/httpapi"
	"github.com/agentworkforce/tablerelay/internal/tablestore"
	"github.com/agentworkforce/tablerelay/internal/tablesync"
)

func main() {
	addr := envOrDefault("TABLERELAY_ADDR", ":8080")
	dataDir := envOrDefault("TABLERELAY_DATA_DIR", ".tablerelay")
	syncInterval := durationEnv("TABLERELAY_SYNC_INTERVAL", time.Minute)
	syncJitter := clampJitterRatio(floatEnv("TABLERELAY_SYNC_JITTER", 0.1))
	cycleTimeout := durationEnv("TABLERELAY_CYCLE_TIMEOUT", 2*time.Minute)

	source := tablesync.NewHTTPSourceClient(tablesync.SourceClientOptions{
		BaseURL: os.Getenv("TABLERELAY_SOURCE_BASE_URL"),
		Token:   os.Getenv("TABLERELAY_SOURCE_TOKEN"),
	})

	snapshotDSN := strings.TrimSpace(os.Getenv("TABLERELAY_SNAPSHOT_DSN"))
	if snapshotDSN == "" {
		snapshotDSN = "file://" + filepath.Join(dataDir, "snapshots")
	}
	snapshots, err := tablestore.BuildSnapshotStoreFromDSN(snapshotDSN)
	if err != nil {
		log.Fatalf("failed to initialize snapshot store: %v", err)
	}

	registry, fileRegistry, err := buildRegistry(source)
	if err != nil {
		log.Fatalf("failed to initialize subscription registry: %v", err)
	}

	coordinator, err := tablesync.NewCoordinator(tablesync.CoordinatorOptions{
		Source:     source,
		Snapshots:  snapshots,
		Registry:   registry,
		Dispatcher: tablesync.NewDispatcher(tablesync.DispatcherOptions{}),
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize coordinator: %v", err)
	}
	gateway, err := tablesync.NewGateway(tablesync.GatewayOptions{
		Registry:  registry,
		Source:    source,
		Snapshots: snapshots,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize gateway: %v", err)
	}

	server := httpapi.NewServerWithConfig(coordinator, gateway, httpapi.ServerConfig{
		MaxBodyBytes: int64Env("TABLERELAY_MAX_BODY_BYTES", 0),
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if fileRegistry != nil {
		go func() {
			if err := fileRegistry.Watch(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("registry watcher stopped: %v", err)
			}
		}()
	}

	if syncInterval > 0 {
		go runScheduler(rootCtx, coordinator, syncInterval, syncJitter, cycleTimeout)
	} else {
		log.Printf("in-process scheduler disabled; cycles run only via /processHooks")
	}

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("tablerelay listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

// buildRegistry picks the registry backend: an explicit DSN wins; otherwise
// the registry lives in a Hooks table of the source API (the reference
// layout). The FileRegistry is returned separately so its watcher can start.
func buildRegistry(source *tablesync.HTTPSourceClient) (tablesync.SubscriptionRegistry, *tablestore.FileRegistry, error) {
	registryDSN := strings.TrimSpace(os.Getenv("TABLERELAY_REGISTRY_DSN"))
	configSource := strings.TrimSpace(os.Getenv("TABLERELAY_CONFIG_SOURCE"))
	switch {
	case registryDSN != "":
		registry, err := tablestore.BuildRegistryFromDSN(registryDSN, log.Default())
		if err != nil {
			return nil, nil, err
		}
		fileRegistry, _ := registry.(*tablestore.FileRegistry)
		return registry, fileRegistry, nil
	case configSource != "":
		registry, err := tablestore.NewSourceRegistry(tablestore.SourceRegistryOptions{
			Source:       source,
			Updater:      source,
			ConfigSource: configSource,
			HooksTable:   os.Getenv("TABLERELAY_HOOKS_TABLE"),
		})
		return registry, nil, err
	default:
		return nil, nil, errors.New("TABLERELAY_REGISTRY_DSN or TABLERELAY_CONFIG_SOURCE is required")
	}
}

func runScheduler(ctx context.Context, coordinator *tablesync.Coordinator, interval time.Duration, jitter float64, cycleTimeout time.Duration) {
	run := func() {
		cycleCtx, cancel := context.WithTimeout(ctx, cycleTimeout)
		defer cancel()
		report, err := coordinator.RunCycle(cycleCtx)
		if err != nil {
			log.Printf("sync cycle failed: %v", err)
			return
		}
		log.Printf("sync cycle %s completed: %d subscriptions, %d status updates",
			report.CycleID, report.Subscriptions, report.StatusUpdates)
	}

	run()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler stopping: %v", ctx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
