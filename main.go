package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"animforge/internal/archive"
	"animforge/internal/config"
	"animforge/internal/llm"
	"animforge/internal/render"
	"animforge/internal/rpc"
	"animforge/internal/session"
	"animforge/internal/validator"
	"animforge/internal/workflow"
)

// Worker wires the session store, refinement engine, renderer, and RPC
// surface into one long-running stdio process.
type Worker struct {
	cfg       *config.Config
	store     *session.Store
	archive   *archive.Archive
	rpcServer *rpc.Server
	ctx       context.Context
	cancel    context.CancelFunc
}

func main() {
	configPath := os.Getenv("ANIMFORGE_CONFIG")
	if configPath == "" {
		configPath = "animforge.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	apiKey := os.Getenv("ANIMFORGE_API_KEY")
	if apiKey == "" {
		log.Fatalf("ANIMFORGE_API_KEY is not set")
	}

	w := &Worker{cfg: cfg}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	arch, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}
	w.archive = arch
	defer w.archive.Close()

	w.store = session.NewStore()

	client := llm.NewClient(apiKey, cfg.Generation.BaseURL)

	v := validator.New(
		validator.WithInterpreter(cfg.Validation.Interpreter...),
		validator.WithRenderer(cfg.Validation.Renderer...),
		validator.WithDryRunTimeout(cfg.Validation.DryRunTimeout.Std()),
		validator.WithMediaDir(cfg.Validation.MediaDir),
	)

	engine := workflow.NewEngine(w.store, client, v).WithRecorder(w.archive)

	renderer := render.New(
		render.WithCommand(cfg.Render.Command...),
		render.WithTimeout(cfg.Render.Timeout.Std()),
		render.WithOutputDir(cfg.Render.OutputDir),
	)

	rpc.SetGenerateDefaults(rpc.GenerateDefaults{
		Model:         cfg.Generation.Model,
		Temperature:   cfg.Generation.Temperature,
		MaxTokens:     cfg.Generation.MaxTokens,
		MaxIterations: cfg.Generation.MaxIterations,
	})
	w.rpcServer = rpc.NewServer(w.store, engine, renderer, w.archive)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- w.rpcServer.Serve(os.Stdin, os.Stdout)
	}()

	sweepTicker := time.NewTicker(cfg.Sessions.SweepInterval.Std())
	defer sweepTicker.Stop()

	log.Printf("animforge worker started: model=%s max_iterations=%d",
		cfg.Generation.Model, cfg.Generation.MaxIterations)

	for {
		select {
		case <-sweepTicker.C:
			if removed := w.store.Sweep(cfg.Sessions.MaxAge.Std()); removed > 0 {
				log.Printf("Swept %d expired session(s)", removed)
			}
		case err := <-serveDone:
			if err != nil {
				log.Printf("RPC server error: %v", err)
			}
			w.shutdown()
			return
		case sig := <-sigChan:
			log.Printf("Received signal %v, shutting down gracefully...", sig)
			w.shutdown()
			return
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Worker) shutdown() {
	log.Println("Starting graceful shutdown...")

	// Phase 1: stop accepting new work.
	w.cancel()

	// Phase 2: bounded wait for in-flight actions.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 55*time.Second)
	defer shutdownCancel()

	if w.rpcServer != nil {
		if err := w.rpcServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("RPC server shutdown error: %v", err)
		}
	}

	// Phase 3: flush the archive WAL.
	if w.archive != nil {
		if err := w.archive.Checkpoint(); err != nil {
			log.Printf("Archive checkpoint error: %v", err)
		}
	}

	log.Println("Graceful shutdown completed")
}
