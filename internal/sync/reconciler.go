package sync

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/time/rate"

	"github.com/OpenTerra/boundary-sync/internal/assign"
	"github.com/OpenTerra/boundary-sync/internal/feature"
)

// Sink is the remote store's update surface. One call applies one batch
// atomically and reports a per-item verdict.
type Sink interface {
	UpdateFeatures(ctx context.Context, batch []feature.FieldDelta) ([]feature.UpdateStatus, error)
}

// DefaultBatchSize bounds how many deltas travel in one update request.
const DefaultBatchSize = 100

// Reconcile compares freshly computed assignments against the records'
// stored codes and returns deltas for the fields that actually changed.
// Records whose stored codes already match produce nothing: unchanged
// records must never reach the remote store, which audits every write.
//
// Both of a record's fields, when both changed, travel in the same delta;
// the store never observes a half-updated record.
func Reconcile(current []feature.Record, assignments []assign.Assignment) []feature.FieldDelta {
	byID := make(map[int64]assign.Assignment, len(assignments))
	for _, a := range assignments {
		byID[a.RecordID] = a
	}

	var deltas []feature.FieldDelta
	for _, rec := range current {
		a, ok := byID[rec.ID]
		if !ok {
			continue
		}

		var d feature.FieldDelta
		d.RecordID = rec.ID
		if !codesEqual(rec.RegionCode, a.Region.Code) {
			d.SetRegion = true
			d.Region = a.Region.Code
		}
		if !codesEqual(rec.DistrictCode, a.District.Code) {
			d.SetDistrict = true
			d.District = a.District.Code
		}
		if d.SetRegion || d.SetDistrict {
			deltas = append(deltas, d)
		}
	}
	return deltas
}

func codesEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ApplyResult summarises one Apply pass. The run is only a success when
// every batch and every item in it succeeded.
type ApplyResult struct {
	BatchesApplied int
	BatchesFailed  int
	RecordsUpdated int
	RecordsFailed  int
	Errors         []string
}

// OK reports whether every delta was applied.
func (r ApplyResult) OK() bool {
	return r.BatchesFailed == 0 && r.RecordsFailed == 0
}

// Reconciler applies deltas to a Sink in bounded batches with retry.
// A batch that exhausts its retries is marked failed and processing moves
// on to the next batch; one bad batch never aborts the run.
type Reconciler struct {
	Sink      Sink
	BatchSize int
	Retry     Policy
	// Limiter, when set, paces update requests.
	Limiter *rate.Limiter
}

// Apply submits the deltas batch by batch, in order.
func (r *Reconciler) Apply(ctx context.Context, deltas []feature.FieldDelta) ApplyResult {
	size := r.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	var result ApplyResult
	for start := 0; start < len(deltas); start += size {
		end := start + size
		if end > len(deltas) {
			end = len(deltas)
		}
		batch := deltas[start:end]
		batchNum := start/size + 1

		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				result.BatchesFailed++
				result.RecordsFailed += len(batch)
				result.Errors = append(result.Errors, fmt.Sprintf("batch %d: %v", batchNum, err))
				continue
			}
		}

		var statuses []feature.UpdateStatus
		err := r.Retry.Do(ctx, fmt.Sprintf("update batch %d", batchNum), func() error {
			var callErr error
			statuses, callErr = r.Sink.UpdateFeatures(ctx, batch)
			return callErr
		})
		if err != nil {
			log.Printf("[reconciler] batch %d failed permanently: %v", batchNum, err)
			result.BatchesFailed++
			result.RecordsFailed += len(batch)
			result.Errors = append(result.Errors, fmt.Sprintf("batch %d: %v", batchNum, err))
			continue
		}

		result.BatchesApplied++
		for _, s := range statuses {
			if s.OK {
				result.RecordsUpdated++
			} else {
				result.RecordsFailed++
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: %s", s.RecordID, s.Message))
			}
		}
	}
	return result
}
