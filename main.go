package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urban-vision/annoqc/internal/api"
	"github.com/urban-vision/annoqc/internal/config"
	"github.com/urban-vision/annoqc/internal/dataset"
	"github.com/urban-vision/annoqc/internal/ingest"
	"github.com/urban-vision/annoqc/internal/labelmap"
	"github.com/urban-vision/annoqc/internal/qc"
	"github.com/urban-vision/annoqc/internal/store"
	"github.com/urban-vision/annoqc/internal/version"
)

var (
	listen     = flag.String("listen", "", "Listen address (overrides ANNOQC_LISTEN)")
	dbPath     = flag.String("db", "", "SQLite database path (overrides ANNOQC_DB)")
	configPath = flag.String("config", "", "Path to tuning config JSON (optional)")
	datasetDir = flag.String("dataset-dir", "", "Dataset output directory (overrides tuning config)")
	qcInterval = flag.Duration("qc-interval", 0, "Periodic QC sweep interval over all projects (0 disables)")
)

func main() {
	flag.Parse()

	log.Printf("annoqc %s (%s)", version.Version, version.GitSHA)

	env := config.LoadEnv()
	if *listen != "" {
		env.ListenAddr = *listen
	}
	if *dbPath != "" {
		env.DBPath = *dbPath
	}

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
	}
	outDir := tuning.GetDatasetDir()
	if *datasetDir != "" {
		outDir = *datasetDir
	}

	db, err := store.Open(env.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.MigrateUp(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	tasks := store.NewTaskStore(db)
	annotations := store.NewAnnotationStore(db)
	agreements := store.NewAgreementStore(db)
	canonical := store.NewCanonicalStore(db)

	aligner := qc.AlignerConfig{
		MatchIoU:       tuning.GetMatchIoU(),
		ConsensusRatio: tuning.GetConsensusRatio(),
	}
	policy := qc.Policy{
		MinIAA:                     tuning.GetMinIAA(),
		MinKappa:                   tuning.GetMinKappa(),
		RequireKappa:               tuning.GetRequireKappa(),
		SingleAnnotatorAutoApprove: tuning.GetSingleAnnotatorAutoApprove(),
	}
	defs := labelmap.Default()
	categories := make([]string, 0, len(defs.Categories()))
	for _, cat := range defs.Categories() {
		categories = append(categories, cat.Name)
	}

	runner := qc.NewRunner(tasks, annotations, agreements, aligner, policy, categories)
	generator := dataset.NewGenerator(tasks, annotations, agreements, canonical, defs, aligner,
		dataset.Config{
			Dir:         outDir,
			FrameWidth:  tuning.GetFrameWidth(),
			FrameHeight: tuning.GetFrameHeight(),
		})
	tool := ingest.NewClient(env.ToolBaseURL, env.ToolToken)
	events := ingest.NewHandler(tool, tasks, annotations, canonical)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional periodic QC sweep over every known project, so groups pass
	// or fail without an operator driving /api/qc/run by hand.
	if *qcInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(*qcInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					projects, err := tasks.ListProjects(ctx)
					if err != nil {
						log.Printf("qc sweep: list projects: %v", err)
						continue
					}
					for _, projectID := range projects {
						if _, err := runner.RunProject(ctx, projectID); err != nil {
							log.Printf("qc sweep: project %d: %v", projectID, err)
						}
					}
				case <-ctx.Done():
					log.Print("qc sweep routine terminated")
					return
				}
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		db.AttachAdminRoutes(mux)

		apiServer := api.NewServer(db, tasks, agreements, canonical, runner, generator, events, tuning, env.WebhookSecret)
		mux.Handle("/", apiServer.ServeMux())

		server := &http.Server{
			Addr:    env.ListenAddr,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		log.Printf("listening on %s", env.ListenAddr)

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
