// Command retraced is the process entrypoint: it wires the relational
// store, processing queue, ingest coordinator, search engine, federated
// query layer, and retention task into one running service and drives
// graceful shutdown on signal. All wiring happens here, in one explicitly
// constructed container; apart from the logging package's process-wide
// level configuration, no package holds global state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haseab/retrace-sub005/internal/config"
	"github.com/haseab/retrace-sub005/internal/federation"
	"github.com/haseab/retrace-sub005/internal/ingest"
	"github.com/haseab/retrace-sub005/internal/lifecycle"
	"github.com/haseab/retrace-sub005/internal/logging"
	"github.com/haseab/retrace-sub005/internal/migrate"
	"github.com/haseab/retrace-sub005/internal/model"
	"github.com/haseab/retrace-sub005/internal/ocr"
	"github.com/haseab/retrace-sub005/internal/pixels"
	"github.com/haseab/retrace-sub005/internal/queue"
	"github.com/haseab/retrace-sub005/internal/search"
	"github.com/haseab/retrace-sub005/internal/segment"
	"github.com/haseab/retrace-sub005/internal/store"
)

func main() {
	log := logging.New("main")

	cfgPath := os.Getenv("RETRACE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	container, err := buildContainer(cfg)
	if err != nil {
		log.Error("failed to build service container", "err", err)
		os.Exit(1)
	}
	defer container.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := container.Queue.RecoverCrashed(ctx); err != nil {
		log.Error("crash recovery failed", "err", err)
	} else if n > 0 {
		log.Info("recovered frames stuck in processing", "count", n)
	}

	// One-shot bulk import mode: copy the first configured secondary corpus
	// into the primary store, then exit.
	if os.Getenv("RETRACE_IMPORT") == "1" {
		if err := runImport(ctx, container, log); err != nil {
			log.Error("import failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := container.Lifecycle.Fire(lifecycle.EventLaunch); err != nil {
		log.Error("lifecycle launch failed", "err", err)
	}
	container.Lifecycle.Fire(lifecycle.EventReady)
	if err := container.Lifecycle.Fire(lifecycle.EventStart); err != nil {
		log.Error("lifecycle start rejected", "err", err)
		os.Exit(1)
	}
	container.Lifecycle.Fire(lifecycle.EventRun)

	container.Queue.StartWorkers(ctx)
	container.Retention.Start(ctx)

	log.Info("retrace running",
		"storageRoot", cfg.StorageRoot,
		"workerCount", cfg.WorkerCount,
		"retentionDays", cfg.RetentionDays,
		"secondarySources", len(cfg.SecondarySources),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	container.Lifecycle.Fire(lifecycle.EventTerminate)
	container.Queue.StopWorkers()
	container.Retention.Stop()
	if err := container.Coordinator.Shutdown(shutdownCtx, time.Now().UnixMilli()); err != nil {
		log.Error("coordinator shutdown error", "err", err)
	}
	container.Lifecycle.Fire(lifecycle.EventTerminated)

	log.Info("retrace stopped")
}

// serviceContainer holds every wired component, handed out once at startup
// "no global state" design note.
type serviceContainer struct {
	Store       *store.Store
	Secondaries []*store.Store
	Queue       *queue.Queue
	Coordinator *ingest.Coordinator
	Federation  *federation.Layer
	Lifecycle   *lifecycle.Machine
	Retention   *lifecycle.Retention
}

func (c *serviceContainer) Close() {
	for _, s := range c.Secondaries {
		s.Close()
	}
	if c.Store != nil {
		c.Store.Close()
	}
}

func buildContainer(cfg config.Config) (*serviceContainer, error) {
	root := expandPath(cfg.StorageRoot)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	primaryStore, err := store.Open(store.DatabaseConfig{
		Path:       root + "/retrace.db",
		ChunksRoot: root,
	})
	if err != nil {
		return nil, fmt.Errorf("open primary store: %w", err)
	}

	ocrAdapter := ocr.New(ocr.DefaultConfig(cfg.OCREndpoint))

	procCfg := queue.ProcessorConfig{
		OCRConfig:     ocrWithRetries(cfg),
		Languages:     cfg.OCRLanguages,
		MinConfidence: cfg.MinimumConfidence,
		StorageRoot:   root,
	}
	if px, err := pixels.New(); err != nil {
		slog.Default().Warn("ffmpeg not available, OCR will run FrameRef-only", "err", err)
	} else {
		procCfg.Pixels = px
	}

	frameProc := queue.NewFrameProcessor(primaryStore, ocrAdapter, procCfg)

	q := queue.New(primaryStore, frameProc, queue.Config{
		WorkerCount:      cfg.WorkerCount,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		MaxQueueSize:     cfg.MaxQueueSize,
		ErrorHandler: func(frameID int64, err error) {
			slog.Default().Warn("frame processing failed", "frame", frameID, "err", err)
		},
	})

	primarySearch := search.New(primaryStore.DB(), primaryStore.Config(), model.SourcePrimary)
	primarySource := federation.Source{
		Name:     "primary",
		Frames:   primaryStore,
		Sessions: primaryStore,
		Search:   primarySearch,
	}
	if procCfg.Pixels != nil {
		primarySource.Images = pixels.NewResolver(primaryStore, procCfg.Pixels, root)
	}

	var secondaryStores []*store.Store
	var secondarySources []federation.Source
	for _, sec := range cfg.SecondarySources {
		secStore, err := store.Open(store.DatabaseConfig{
			Path:       sec.DBPath,
			ChunksRoot: sec.ChunksPath,
			ISO8601:    true,
			Cutoff:     sec.CutoffDate,
			Password:   sec.Password,
			ReadOnly:   true,
		})
		if err != nil {
			slog.Default().Warn("secondary source unavailable, continuing without it", "path", sec.DBPath, "err", err)
			continue
		}
		secondaryStores = append(secondaryStores, secStore)
		secSource := federation.Source{
			Name:     sec.DBPath,
			Frames:   secStore,
			Sessions: secStore,
			Search:   search.New(secStore.DB(), secStore.Config(), model.SourceSecondary),
			Cutoff:   sec.CutoffDate,
		}
		if procCfg.Pixels != nil {
			secSource.Images = pixels.NewResolver(secStore, procCfg.Pixels, sec.ChunksPath)
		}
		secondarySources = append(secondarySources, secSource)
	}

	fed := federation.New(primarySource, secondarySources)

	coordinator := ingest.New(ingest.Config{
		Store: primaryStore,
		Queue: q,
		OpenSegment: func(ctx context.Context, root string, startTime int64) (ingest.SegmentWriter, error) {
			return segment.New(ctx, root, startTime)
		},
		StorageRoot:      root,
		SegmentFramesCap: cfg.SegmentFramesCap,
		OnSessionChange:  fed.InvalidateSessionCache,
	})

	retention := lifecycle.NewRetention(primaryStore, root, cfg.RetentionDays)

	return &serviceContainer{
		Store:       primaryStore,
		Secondaries: secondaryStores,
		Queue:       q,
		Coordinator: coordinator,
		Federation:  fed,
		Lifecycle:   lifecycle.New(),
		Retention:   retention,
	}, nil
}

func runImport(ctx context.Context, container *serviceContainer, log *slog.Logger) error {
	if len(container.Secondaries) == 0 {
		return fmt.Errorf("no secondary sources configured")
	}

	importer := migrate.New(container.Secondaries[0], container.Store)
	progress := make(chan migrate.Progress, 16)
	done := make(chan error, 1)
	go func() { done <- importer.Import(ctx, progress) }()

	for {
		select {
		case p := <-progress:
			log.Info("import progress",
				"sessions", p.SessionsImported, "videos", p.VideosImported,
				"frames", p.FramesImported, "skipped", p.FramesSkipped, "done", p.Done)
		case err := <-done:
			if err != nil {
				return err
			}
			if err := container.Store.Analyze(ctx); err != nil {
				log.Warn("post-import analyze failed", "err", err)
			}
			return container.Store.WALCheckpoint(ctx)
		}
	}
}

func ocrWithRetries(cfg config.Config) ocr.Config {
	c := ocr.DefaultConfig(cfg.OCREndpoint)
	c.MaxRetryAttempts = cfg.MaxRetryAttempts
	return c
}

func expandPath(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home + p[1:]
		}
	}
	return p
}
