package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/urban-vision/annoqc/internal/config"
	"github.com/urban-vision/annoqc/internal/dataset"
	"github.com/urban-vision/annoqc/internal/labelmap"
	"github.com/urban-vision/annoqc/internal/qc"
	"github.com/urban-vision/annoqc/internal/store"
)

func main() {
	var dbPath string
	var configPath string
	var outDir string
	var projectID int64
	var runQC bool

	flag.StringVar(&dbPath, "db", "annoqc.db", "path to sqlite db")
	flag.StringVar(&configPath, "config", "", "path to tuning config JSON (optional)")
	flag.StringVar(&outDir, "out", "", "dataset output directory (overrides tuning config)")
	flag.Int64Var(&projectID, "project", 0, "project id to export")
	flag.BoolVar(&runQC, "run-qc", true, "run a QC pass before exporting")
	flag.Parse()

	if projectID <= 0 {
		log.Fatalf("project must be provided")
	}

	tuning := config.EmptyTuningConfig()
	if configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(configPath)
		if err != nil {
			log.Fatalf("invalid tuning config: %v", err)
		}
	}
	if outDir == "" {
		outDir = tuning.GetDatasetDir()
	}

	db, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := db.MigrateUp(); err != nil {
		log.Fatalf("migrate db: %v", err)
	}

	tasks := store.NewTaskStore(db)
	annotations := store.NewAnnotationStore(db)
	agreements := store.NewAgreementStore(db)
	canonical := store.NewCanonicalStore(db)

	aligner := qc.AlignerConfig{
		MatchIoU:       tuning.GetMatchIoU(),
		ConsensusRatio: tuning.GetConsensusRatio(),
	}
	defs := labelmap.Default()

	ctx := context.Background()

	if runQC {
		policy := qc.Policy{
			MinIAA:                     tuning.GetMinIAA(),
			MinKappa:                   tuning.GetMinKappa(),
			RequireKappa:               tuning.GetRequireKappa(),
			SingleAnnotatorAutoApprove: tuning.GetSingleAnnotatorAutoApprove(),
		}
		categories := make([]string, 0, len(defs.Categories()))
		for _, cat := range defs.Categories() {
			categories = append(categories, cat.Name)
		}
		runner := qc.NewRunner(tasks, annotations, agreements, aligner, policy, categories)
		results, err := runner.RunProject(ctx, projectID)
		if err != nil {
			log.Fatalf("qc run failed: %v", err)
		}
		for _, res := range results {
			fmt.Printf("group %s: %s", res.Key, res.Decision.State)
			if res.Decision.Reason != "" {
				fmt.Printf(" (%s)", res.Decision.Reason)
			}
			fmt.Println()
		}
	}

	generator := dataset.NewGenerator(tasks, annotations, agreements, canonical, defs, aligner,
		dataset.Config{
			Dir:         outDir,
			FrameWidth:  tuning.GetFrameWidth(),
			FrameHeight: tuning.GetFrameHeight(),
		})
	result, err := generator.Generate(ctx, projectID)
	if err != nil {
		log.Fatalf("dataset generation failed: %v", err)
	}

	fmt.Printf("run %s: emitted %d groups, %d rows -> %s\n",
		result.RunID, result.Groups, result.Rows, result.Path)
}
