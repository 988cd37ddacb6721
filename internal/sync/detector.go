package sync

import (
	"github.com/OpenTerra/boundary-sync/internal/feature"
)

// Decide picks the effective run mode and the fetch filter for it.
//
// A requested full run is always honoured as-is. A requested incremental
// run needs a watermark (the timestamp of the last successful run) and
// falls back to full when none exists. The watermark comparison is strict
// (last_modified > watermark): a record whose modification time equals the
// watermark was already covered by the previous run's window.
//
// Clock skew between this process and the remote store's last_modified
// timestamps can hide edits made during the previous run; that is an
// accepted limitation of timestamp watermarking, not corrected here. A
// full run picks any stragglers up.
func Decide(last *feature.RunMetadata, requested feature.RunMode) (feature.RunMode, feature.Filter) {
	if requested == feature.ModeFull || last == nil {
		return feature.ModeFull, feature.Filter{}
	}
	watermark := last.RunTimestamp
	return feature.ModeIncremental, feature.Filter{ModifiedAfter: &watermark}
}

// ShouldEscalate reports whether an incremental run has picked up such a
// large share of the feature set that a full run is cheaper than tracking
// the difference. threshold is a fraction of the total; zero or negative
// disables escalation.
func ShouldEscalate(candidates, total int, threshold float64) bool {
	if threshold <= 0 || total <= 0 {
		return false
	}
	return float64(candidates)/float64(total) >= threshold
}
