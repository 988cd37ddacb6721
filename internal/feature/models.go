package feature

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RunMode selects how much of the feature set a run considers.
type RunMode string

const (
	// ModeFull reprocesses every feature regardless of modification time.
	ModeFull RunMode = "full"
	// ModeIncremental only considers features modified since the last
	// successful run's watermark.
	ModeIncremental RunMode = "incremental"
)

// ParseRunMode maps the CLI-facing mode names onto RunMode.
// The flag surface uses "changed" rather than "incremental".
func ParseRunMode(s string) (RunMode, error) {
	switch s {
	case "full":
		return ModeFull, nil
	case "changed", "incremental":
		return ModeIncremental, nil
	}
	return "", errors.New("mode must be one of: full, changed")
}

// ErrTransient marks errors from remote calls that are worth retrying
// (timeouts, dropped connections, temporary server errors). The retry
// policy checks for it with errors.Is; anything else fails immediately.
var ErrTransient = errors.New("transient remote error")

// Record is a point feature as read from the remote store. The engine owns
// RegionCode and DistrictCode; everything else is read-only here.
type Record struct {
	ID       int64
	GlobalID uuid.UUID

	// Lon/Lat are only meaningful when HasGeometry is true. All geometry in
	// a run shares one coordinate reference system; no reprojection happens
	// downstream of the fetch.
	Lon         float64
	Lat         float64
	HasGeometry bool

	RegionCode   *string // 2-char council region code, nil when unassigned
	DistrictCode *string // 5-char district code, nil when unassigned

	// LastModified is owned by the remote store and used only for change
	// detection. Never written back.
	LastModified time.Time
}

// Filter narrows a feature fetch. Zero value means "everything".
type Filter struct {
	// ModifiedAfter, when set, restricts the fetch to features with
	// last_modified strictly greater than this instant.
	ModifiedAfter *time.Time
	// IDs, when non-empty, restricts the fetch to an explicit allowlist.
	IDs []int64
}

// FieldDelta is one feature's pending code changes. When a feature needs
// both its region and district updated, both travel in the same delta so
// the remote store never shows one field from the new run and one from the
// old.
type FieldDelta struct {
	RecordID int64

	SetRegion bool
	Region    *string // nil clears the stored code

	SetDistrict bool
	District    *string
}

// UpdateStatus is the remote store's per-item verdict for one delta in a
// submitted batch.
type UpdateStatus struct {
	RecordID int64
	OK       bool
	Message  string
}

// RunStatus is the overall outcome recorded for a completed run.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusFailure RunStatus = "failure"
)

// RunMetadata is the record of one completed run. Written at most once per
// run, append-only; the most recent success is the next incremental run's
// watermark.
type RunMetadata struct {
	RunTimestamp      time.Time
	Mode              RunMode
	RecordsConsidered int
	RecordsUpdated    int
	Status            RunStatus
	ErrorSummary      *string
}
