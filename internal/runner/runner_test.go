package runner_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/twpayne/go-geom"

	"github.com/OpenTerra/boundary-sync/internal/config"
	"github.com/OpenTerra/boundary-sync/internal/feature"
	"github.com/OpenTerra/boundary-sync/internal/geostore"
	"github.com/OpenTerra/boundary-sync/internal/runner"
	"github.com/OpenTerra/boundary-sync/internal/sync"
)

func str(s string) *string { return &s }

func square(minLon, minLat, maxLon, maxLat float64) *geom.MultiPolygon {
	return geom.NewMultiPolygon(geom.XY).MustSetCoords([][][]geom.Coord{{{
		{minLon, minLat},
		{maxLon, minLat},
		{maxLon, maxLat},
		{minLon, maxLat},
		{minLon, minLat},
	}}})
}

// fakeRemote implements runner.Source, sync.Sink and runner.Tracker in
// memory, recording every interaction.
type fakeRemote struct {
	features []feature.Record
	total    int

	fetchErr error
	layers   map[string][]geostore.Boundary

	updateRespond func(batch []feature.FieldDelta) ([]feature.UpdateStatus, error)
	updates       [][]feature.FieldDelta

	last     *feature.RunMetadata
	written  []feature.RunMetadata
	writeErr error

	filters []feature.Filter
}

func (f *fakeRemote) FetchFeatures(_ context.Context, filter feature.Filter) ([]feature.Record, error) {
	f.filters = append(f.filters, filter)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if filter.ModifiedAfter == nil {
		return f.features, nil
	}
	var out []feature.Record
	for _, r := range f.features {
		if r.LastModified.After(*filter.ModifiedAfter) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRemote) CountFeatures(context.Context) (int, error) {
	if f.total > 0 {
		return f.total, nil
	}
	return len(f.features), nil
}

func (f *fakeRemote) FetchLayer(_ context.Context, table string) ([]geostore.Boundary, error) {
	return f.layers[table], nil
}

func (f *fakeRemote) UpdateFeatures(_ context.Context, batch []feature.FieldDelta) ([]feature.UpdateStatus, error) {
	f.updates = append(f.updates, batch)
	if f.updateRespond != nil {
		return f.updateRespond(batch)
	}
	statuses := make([]feature.UpdateStatus, len(batch))
	for i, d := range batch {
		statuses[i] = feature.UpdateStatus{RecordID: d.RecordID, OK: true}
	}
	return statuses, nil
}

func (f *fakeRemote) LastSuccess(context.Context) (*feature.RunMetadata, error) {
	return f.last, nil
}

func (f *fakeRemote) WriteRun(_ context.Context, md feature.RunMetadata) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, md)
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.FeatureTable = "assets.point_features"
	cfg.RegionTable = "boundaries.regions"
	cfg.DistrictTable = "boundaries.districts"
	cfg.RetryDelaySeconds = 0
	cfg.EscalateThreshold = 0
	return cfg
}

func newRemote() *fakeRemote {
	return &fakeRemote{
		layers: map[string][]geostore.Boundary{
			"boundaries.regions":   {{Code: "02", Geom: square(174, -37, 175, -36)}},
			"boundaries.districts": {{Code: "04101", Geom: square(174, -37, 175, -36)}},
		},
		features: []feature.Record{
			{ID: 1, Lon: 174.76, Lat: -36.85, HasGeometry: true,
				LastModified: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)},
			{ID: 2, Lon: 174.5, Lat: -36.5, HasGeometry: true,
				RegionCode: str("02"), DistrictCode: str("04101"),
				LastModified: time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)},
		},
	}
}

func newRunner(remote *fakeRemote, cfg config.Config) *runner.Runner {
	return &runner.Runner{
		Source:  remote,
		Sink:    remote,
		Tracker: remote,
		Config:  cfg,
		Now: func() time.Time {
			return time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC)
		},
	}
}

// TestRun_FullSuccess verifies a clean full run: only the stale record is
// updated, and one success metadata row is recorded.
func TestRun_FullSuccess(t *testing.T) {
	remote := newRemote()
	r := newRunner(remote, testConfig())

	summary, err := r.Run(context.Background(), runner.Options{Mode: feature.ModeFull})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Status != feature.StatusSuccess {
		t.Errorf("expected success, got %s", summary.Status)
	}
	if summary.Considered != 2 || summary.Deltas != 1 || summary.Updated != 1 {
		t.Errorf("expected considered=2 deltas=1 updated=1, got %+v", summary)
	}
	if len(remote.updates) != 1 || remote.updates[0][0].RecordID != 1 {
		t.Fatalf("expected exactly record 1 to be updated, got %+v", remote.updates)
	}

	if len(remote.written) != 1 {
		t.Fatalf("expected one metadata row, got %d", len(remote.written))
	}
	md := remote.written[0]
	if md.Status != feature.StatusSuccess || md.Mode != feature.ModeFull {
		t.Errorf("unexpected metadata: %+v", md)
	}
	if md.RecordsConsidered != 2 || md.RecordsUpdated != 1 {
		t.Errorf("unexpected metadata counts: %+v", md)
	}
	if !summary.MetadataStored {
		t.Error("summary should report metadata stored")
	}
}

// TestRun_IncrementalUsesWatermark verifies an incremental run filters on
// the last success timestamp and only considers newer records.
func TestRun_IncrementalUsesWatermark(t *testing.T) {
	remote := newRemote()
	watermark := time.Date(2026, 8, 15, 3, 0, 0, 0, time.UTC)
	remote.last = &feature.RunMetadata{RunTimestamp: watermark, Status: feature.StatusSuccess}

	r := newRunner(remote, testConfig())
	summary, err := r.Run(context.Background(), runner.Options{Mode: feature.ModeIncremental})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Mode != feature.ModeIncremental {
		t.Errorf("expected incremental, got %s", summary.Mode)
	}
	if len(remote.filters) != 1 || remote.filters[0].ModifiedAfter == nil ||
		!remote.filters[0].ModifiedAfter.Equal(watermark) {
		t.Errorf("expected fetch filtered on %v, got %+v", watermark, remote.filters)
	}
	// Only record 1 (modified Aug 20) is newer than the watermark.
	if summary.Considered != 1 {
		t.Errorf("expected 1 candidate, got %d", summary.Considered)
	}
}

// TestRun_IncrementalWithoutHistoryRunsFull verifies the fallback when no
// successful run exists yet.
func TestRun_IncrementalWithoutHistoryRunsFull(t *testing.T) {
	remote := newRemote()
	r := newRunner(remote, testConfig())

	summary, err := r.Run(context.Background(), runner.Options{Mode: feature.ModeIncremental})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Mode != feature.ModeFull {
		t.Errorf("expected fallback to full, got %s", summary.Mode)
	}
	if summary.Considered != 2 {
		t.Errorf("expected all records considered, got %d", summary.Considered)
	}
}

// TestRun_EscalatesToFull verifies an incremental run refetches everything
// when the changed share crosses the threshold.
func TestRun_EscalatesToFull(t *testing.T) {
	remote := newRemote()
	remote.last = &feature.RunMetadata{
		RunTimestamp: time.Date(2026, 8, 15, 3, 0, 0, 0, time.UTC),
		Status:       feature.StatusSuccess,
	}
	cfg := testConfig()
	cfg.EscalateThreshold = 0.5

	r := newRunner(remote, cfg)
	summary, err := r.Run(context.Background(), runner.Options{Mode: feature.ModeIncremental})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// 1 of 2 records changed = 50%, at the threshold: escalate.
	if summary.Mode != feature.ModeFull {
		t.Errorf("expected escalation to full, got %s", summary.Mode)
	}
	if len(remote.filters) != 2 {
		t.Fatalf("expected a second unfiltered fetch, got %d fetches", len(remote.filters))
	}
	if remote.filters[1].ModifiedAfter != nil {
		t.Error("escalated fetch should be unfiltered")
	}
	if summary.Considered != 2 {
		t.Errorf("expected 2 candidates after escalation, got %d", summary.Considered)
	}
}

// TestRun_DryRun verifies a dry run computes deltas but neither updates the
// store nor records metadata.
func TestRun_DryRun(t *testing.T) {
	remote := newRemote()
	r := newRunner(remote, testConfig())

	summary, err := r.Run(context.Background(), runner.Options{Mode: feature.ModeFull, DryRun: true})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if summary.Deltas != 1 {
		t.Errorf("expected 1 computed delta, got %d", summary.Deltas)
	}
	if len(remote.updates) != 0 {
		t.Errorf("dry run must not update the store, got %d batches", len(remote.updates))
	}
	if len(remote.written) != 0 {
		t.Errorf("dry run must not record metadata, got %d rows", len(remote.written))
	}
}

// TestRun_BatchFailureMarksRunFailed verifies a permanently failing batch
// produces a failure metadata row with an error summary.
func TestRun_BatchFailureMarksRunFailed(t *testing.T) {
	remote := newRemote()
	remote.updateRespond = func(batch []feature.FieldDelta) ([]feature.UpdateStatus, error) {
		return nil, fmt.Errorf("%w: gateway timeout", feature.ErrTransient)
	}

	r := newRunner(remote, testConfig())
	summary, err := r.Run(context.Background(), runner.Options{Mode: feature.ModeFull})
	if err != nil {
		t.Fatalf("run should complete despite batch failures: %v", err)
	}

	if summary.Status != feature.StatusFailure {
		t.Errorf("expected failure status, got %s", summary.Status)
	}
	if summary.FailedBatches != 1 || summary.FailedRecords != 1 {
		t.Errorf("expected 1 failed batch with 1 record, got %+v", summary)
	}
	if len(remote.written) != 1 {
		t.Fatalf("expected a metadata row, got %d", len(remote.written))
	}
	md := remote.written[0]
	if md.Status != feature.StatusFailure || md.ErrorSummary == nil {
		t.Errorf("expected failure metadata with an error summary, got %+v", md)
	}
}

// TestRun_FetchFailureWritesNothing verifies the fail-safe: a run that
// cannot establish its candidate set aborts with no metadata row at all.
func TestRun_FetchFailureWritesNothing(t *testing.T) {
	remote := newRemote()
	remote.fetchErr = errors.New("schema changed under us")

	r := newRunner(remote, testConfig())
	_, err := r.Run(context.Background(), runner.Options{Mode: feature.ModeFull})
	if err == nil {
		t.Fatal("expected the run to abort")
	}
	if len(remote.updates) != 0 {
		t.Error("aborted run must not update the store")
	}
	if len(remote.written) != 0 {
		t.Error("aborted run must not record metadata")
	}
}

// TestRun_MetadataWriteFailure verifies that when the metadata write itself
// fails, the run reports an error and nothing claims to be stored.
func TestRun_MetadataWriteFailure(t *testing.T) {
	remote := newRemote()
	remote.writeErr = errors.New("metadata table locked")

	r := newRunner(remote, testConfig())
	summary, err := r.Run(context.Background(), runner.Options{Mode: feature.ModeFull})
	if err == nil {
		t.Fatal("expected an error when metadata cannot be written")
	}
	if summary.MetadataStored {
		t.Error("summary must not claim metadata was stored")
	}
	if len(remote.written) != 0 {
		t.Errorf("expected no metadata rows, got %d", len(remote.written))
	}
}

// TestRun_AllowlistSkipsEscalation verifies an explicit ID allowlist is
// passed through and never escalated away.
func TestRun_AllowlistSkipsEscalation(t *testing.T) {
	remote := newRemote()
	remote.last = &feature.RunMetadata{
		RunTimestamp: time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC),
		Status:       feature.StatusSuccess,
	}
	cfg := testConfig()
	cfg.EscalateThreshold = 0.1

	r := newRunner(remote, cfg)
	_, err := r.Run(context.Background(), runner.Options{
		Mode: feature.ModeIncremental,
		IDs:  []int64{1},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(remote.filters) != 1 {
		t.Fatalf("allowlisted run should fetch once, got %d fetches", len(remote.filters))
	}
	if len(remote.filters[0].IDs) != 1 || remote.filters[0].IDs[0] != 1 {
		t.Errorf("expected ID allowlist in filter, got %+v", remote.filters[0])
	}
}

var _ sync.Sink = (*fakeRemote)(nil)
