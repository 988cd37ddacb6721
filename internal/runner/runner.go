package runner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/OpenTerra/boundary-sync/internal/assign"
	"github.com/OpenTerra/boundary-sync/internal/config"
	"github.com/OpenTerra/boundary-sync/internal/feature"
	"github.com/OpenTerra/boundary-sync/internal/geostore"
	"github.com/OpenTerra/boundary-sync/internal/sync"
)

// Source is the remote store's read surface as the runner needs it.
type Source interface {
	FetchFeatures(ctx context.Context, f feature.Filter) ([]feature.Record, error)
	CountFeatures(ctx context.Context) (int, error)
	FetchLayer(ctx context.Context, table string) ([]geostore.Boundary, error)
}

// Tracker persists run metadata and serves the incremental watermark.
type Tracker interface {
	LastSuccess(ctx context.Context) (*feature.RunMetadata, error)
	WriteRun(ctx context.Context, md feature.RunMetadata) error
}

// Options are the per-invocation knobs from the CLI.
type Options struct {
	Mode feature.RunMode
	// DryRun computes and logs deltas but applies nothing and records no
	// run metadata.
	DryRun bool
	// IDs, when non-empty, restricts the run to an explicit allowlist.
	IDs []int64
}

// Summary is the authoritative audit record of one run.
type Summary struct {
	Mode           feature.RunMode
	Considered     int
	Deltas         int
	Updated        int
	FailedRecords  int
	FailedBatches  int
	Assign         assign.Stats
	Status         feature.RunStatus
	ErrorSummary   string
	MetadataStored bool
}

// Runner wires the pipeline together: decide mode, load boundary layers,
// assign, reconcile, apply, record. Strictly sequential; the boundary
// layers are built once and read-only from then on.
type Runner struct {
	Source  Source
	Sink    sync.Sink
	Tracker Tracker
	Config  config.Config

	// Now is swappable for tests; nil means time.Now.
	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run executes one batch run. A non-nil error means the run aborted before
// a trustworthy outcome existed; nothing was written, including metadata.
// A nil error with Status=failure means the run completed but one or more
// update batches permanently failed.
func (r *Runner) Run(ctx context.Context, opts Options) (Summary, error) {
	cfg := r.Config
	policy := sync.Policy{
		MaxAttempts: cfg.RetryAttempts,
		Delay:       time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}

	regions, districts, err := r.loadLayers(ctx, policy)
	if err != nil {
		return Summary{}, err
	}

	var last *feature.RunMetadata
	if err := policy.Do(ctx, "read last success", func() error {
		var readErr error
		last, readErr = r.Tracker.LastSuccess(ctx)
		return readErr
	}); err != nil {
		return Summary{}, fmt.Errorf("read last success: %w", err)
	}

	mode, filter := sync.Decide(last, opts.Mode)
	filter.IDs = opts.IDs

	// The watermark for the next run is taken before the fetch, so edits
	// that land while this run is processing fall inside the next window.
	startedAt := r.now()

	records, err := r.fetchCandidates(ctx, policy, filter)
	if err != nil {
		return Summary{}, err
	}

	// An incremental run that caught most of the feature set anyway is
	// better off running full. Skipped when an explicit allowlist narrows
	// the run on purpose.
	if mode == feature.ModeIncremental && len(opts.IDs) == 0 && cfg.EscalateThreshold > 0 {
		var total int
		if err := policy.Do(ctx, "count features", func() error {
			var countErr error
			total, countErr = r.Source.CountFeatures(ctx)
			return countErr
		}); err != nil {
			return Summary{}, fmt.Errorf("count features: %w", err)
		}
		if sync.ShouldEscalate(len(records), total, cfg.EscalateThreshold) {
			log.Printf("[runner] %d of %d features changed, escalating to full run", len(records), total)
			mode = feature.ModeFull
			records, err = r.fetchCandidates(ctx, policy, feature.Filter{})
			if err != nil {
				return Summary{}, err
			}
		}
	}

	log.Printf("[runner] mode=%s considering %d features against %d regions, %d districts",
		mode, len(records), regions.Len(), districts.Len())

	assignments, stats := assign.Assign(records, regions, districts, cfg.FallbackRadiusM)
	deltas := sync.Reconcile(records, assignments)

	summary := Summary{
		Mode:       mode,
		Considered: len(records),
		Deltas:     len(deltas),
		Assign:     stats,
	}

	if opts.DryRun {
		summary.Status = feature.StatusSuccess
		log.Printf("[runner] dry run: %d deltas computed, nothing applied", len(deltas))
		logSummary(summary)
		return summary, nil
	}

	rec := sync.Reconciler{
		Sink:      r.Sink,
		BatchSize: cfg.BatchSize,
		Retry:     policy,
	}
	if cfg.RateLimitPerSec > 0 {
		rec.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1)
	}
	result := rec.Apply(ctx, deltas)

	summary.Updated = result.RecordsUpdated
	summary.FailedRecords = result.RecordsFailed
	summary.FailedBatches = result.BatchesFailed
	if result.OK() {
		summary.Status = feature.StatusSuccess
	} else {
		summary.Status = feature.StatusFailure
		summary.ErrorSummary = joinErrors(result.Errors)
	}

	md := feature.RunMetadata{
		RunTimestamp:      startedAt,
		Mode:              mode,
		RecordsConsidered: summary.Considered,
		RecordsUpdated:    summary.Updated,
		Status:            summary.Status,
	}
	if summary.ErrorSummary != "" {
		es := summary.ErrorSummary
		md.ErrorSummary = &es
	}
	if err := policy.Do(ctx, "write run metadata", func() error {
		return r.Tracker.WriteRun(ctx, md)
	}); err != nil {
		// The run happened, but its outcome could not be recorded. The next
		// run falls back to the previous watermark and redoes this window,
		// which is the safe direction.
		logSummary(summary)
		return summary, fmt.Errorf("write run metadata: %w", err)
	}
	summary.MetadataStored = true

	logSummary(summary)
	return summary, nil
}

func (r *Runner) loadLayers(ctx context.Context, policy sync.Policy) (*geostore.Layer, *geostore.Layer, error) {
	load := func(name, table string) (*geostore.Layer, error) {
		var boundaries []geostore.Boundary
		if err := policy.Do(ctx, "fetch layer "+name, func() error {
			var fetchErr error
			boundaries, fetchErr = r.Source.FetchLayer(ctx, table)
			return fetchErr
		}); err != nil {
			return nil, fmt.Errorf("fetch %s layer: %w", name, err)
		}
		layer := geostore.NewLayer(name, boundaries)
		if layer.Len() == 0 {
			// Non-fatal: every point simply comes back unassigned for this
			// layer, and the summary shows it.
			log.Printf("[runner] warning: %s layer %s has no usable polygons", name, table)
		}
		return layer, nil
	}

	regions, err := load("region", r.Config.RegionTable)
	if err != nil {
		return nil, nil, err
	}
	districts, err := load("district", r.Config.DistrictTable)
	if err != nil {
		return nil, nil, err
	}
	return regions, districts, nil
}

func (r *Runner) fetchCandidates(ctx context.Context, policy sync.Policy, f feature.Filter) ([]feature.Record, error) {
	var records []feature.Record
	if err := policy.Do(ctx, "fetch features", func() error {
		var fetchErr error
		records, fetchErr = r.Source.FetchFeatures(ctx, f)
		return fetchErr
	}); err != nil {
		return nil, fmt.Errorf("fetch features: %w", err)
	}
	return records, nil
}

func logSummary(s Summary) {
	log.Printf("[runner] done mode=%s status=%s considered=%d deltas=%d updated=%d failed_records=%d failed_batches=%d",
		s.Mode, s.Status, s.Considered, s.Deltas, s.Updated, s.FailedRecords, s.FailedBatches)
	log.Printf("[runner] quality missing_geometry=%d low_confidence=%d region_fallback=%d region_unassigned=%d district_fallback=%d district_unassigned=%d",
		s.Assign.MissingGeometry, s.Assign.LowConfidence,
		s.Assign.RegionFallback, s.Assign.RegionUnassigned,
		s.Assign.DistrictFallback, s.Assign.DistrictUnassigned)
	if s.ErrorSummary != "" {
		log.Printf("[runner] errors: %s", s.ErrorSummary)
	}
}

// joinErrors caps the stored error summary; the full list is in the log.
func joinErrors(errs []string) string {
	const max = 5
	if len(errs) <= max {
		return strings.Join(errs, "; ")
	}
	return fmt.Sprintf("%s; and %d more", strings.Join(errs[:max], "; "), len(errs)-max)
}
