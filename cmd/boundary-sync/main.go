package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/OpenTerra/boundary-sync/internal/config"
	"github.com/OpenTerra/boundary-sync/internal/db"
	"github.com/OpenTerra/boundary-sync/internal/feature"
	"github.com/OpenTerra/boundary-sync/internal/runner"
	"github.com/OpenTerra/boundary-sync/internal/store"
)

func main() {
	_ = godotenv.Load(".env.local")

	modeFlag := flag.String("mode", "full", "run mode: full or changed")
	dryRun := flag.Bool("dry-run", false, "compute deltas but write nothing")
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	idsFlag := flag.String("ids", "", "comma-separated feature IDs to restrict the run to")
	flag.Parse()

	mode, err := feature.ParseRunMode(*modeFlag)
	if err != nil {
		log.Fatalf("invalid --mode: %v", err)
	}

	ids, err := parseIDs(*idsFlag)
	if err != nil {
		log.Fatalf("invalid --ids: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	gdb, err := db.Connect()
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	st := store.New(gdb, store.Config{
		FeatureTable:  cfg.FeatureTable,
		RegionTable:   cfg.RegionTable,
		DistrictTable: cfg.DistrictTable,
		SRID:          cfg.SRID,
	})

	ctx := context.Background()

	// Fatal configuration problems abort here, before anything is written.
	if err := db.EnsureSchema(gdb, "boundary_sync"); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	// The runs table is the one piece of storage this job owns.
	if err := gdb.AutoMigrate(&store.SyncRun{}); err != nil {
		log.Fatalf("migrate runs table: %v", err)
	}
	if err := st.Preflight(ctx); err != nil {
		log.Fatal(err)
	}

	r := runner.Runner{
		Source:  st,
		Sink:    st,
		Tracker: st,
		Config:  cfg,
	}

	summary, err := r.Run(ctx, runner.Options{
		Mode:   mode,
		DryRun: *dryRun,
		IDs:    ids,
	})
	if err != nil {
		log.Fatalf("run aborted: %v", err)
	}
	if summary.Status != feature.StatusSuccess {
		os.Exit(1)
	}
}

func parseIDs(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a feature ID", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
