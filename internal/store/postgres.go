package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"gorm.io/gorm"

	"github.com/OpenTerra/boundary-sync/internal/feature"
	"github.com/OpenTerra/boundary-sync/internal/geostore"
)

// Config names the tables the connector reads and writes. Table names come
// from trusted configuration, not user input; they are interpolated into
// SQL directly because PostGIS functions cannot take table binds.
type Config struct {
	FeatureTable  string
	RegionTable   string
	DistrictTable string
	SRID          int
}

// Store is the Postgres/PostGIS connector for the remote feature platform.
// Errors from database round trips are wrapped as feature.ErrTransient;
// the retry policy decides how often to try again.
type Store struct {
	db  *gorm.DB
	cfg Config
}

func New(db *gorm.DB, cfg Config) *Store {
	return &Store{db: db, cfg: cfg}
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, feature.ErrTransient, err)
}

// Preflight verifies the store is reachable and every configured layer
// table carries geometry in the expected SRID, before any processing
// begins. A failure here aborts the run with nothing written.
func (s *Store) Preflight(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("preflight: store unreachable: %w", err)
	}

	for _, table := range []string{s.cfg.FeatureTable, s.cfg.RegionTable, s.cfg.DistrictTable} {
		if table == "" {
			return errors.New("preflight: missing layer table in configuration")
		}
		var srid sql.NullInt64
		query := fmt.Sprintf(`SELECT ST_SRID(geom) FROM %s LIMIT 1`, table)
		err := s.db.WithContext(ctx).Raw(query).Row().Scan(&srid)
		if errors.Is(err, sql.ErrNoRows) {
			// Empty table: nothing to check the SRID against.
			continue
		}
		if err != nil {
			return fmt.Errorf("preflight: table %s: %w", table, err)
		}
		if srid.Valid && int(srid.Int64) != s.cfg.SRID {
			return fmt.Errorf("preflight: table %s has SRID %d, expected %d (reprojection is not this job's business)",
				table, srid.Int64, s.cfg.SRID)
		}
	}
	return nil
}

// CountFeatures returns the total feature count, used to judge whether an
// incremental run should escalate to full.
func (s *Store) CountFeatures(ctx context.Context) (int, error) {
	var n int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.cfg.FeatureTable)
	if err := s.db.WithContext(ctx).Raw(query).Scan(&n).Error; err != nil {
		return 0, transient("count features", err)
	}
	return int(n), nil
}

// FetchFeatures loads the candidate records matching the filter, ordered by
// id so batch formation is stable within a run.
func (s *Store) FetchFeatures(ctx context.Context, f feature.Filter) ([]feature.Record, error) {
	var conditions []string
	var args []interface{}
	argIdx := 1

	if f.ModifiedAfter != nil {
		conditions = append(conditions, fmt.Sprintf("last_modified > $%d", argIdx))
		args = append(args, *f.ModifiedAfter)
		argIdx++
	}
	if len(f.IDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("id = ANY($%d)", argIdx))
		args = append(args, pq.Array(f.IDs))
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT
			id,
			global_id,
			region_code,
			district_code,
			last_modified,
			geom IS NOT NULL AS has_geom,
			COALESCE(ST_X(geom), 0) AS lon,
			COALESCE(ST_Y(geom), 0) AS lat
		FROM %s
		%s
		ORDER BY id
	`, s.cfg.FeatureTable, where)

	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, transient("fetch features", err)
	}
	defer rows.Close()

	var records []feature.Record
	for rows.Next() {
		var rec feature.Record
		var region, district sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.GlobalID,
			&region,
			&district,
			&rec.LastModified,
			&rec.HasGeometry,
			&rec.Lon,
			&rec.Lat,
		); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		if region.Valid {
			v := region.String
			rec.RegionCode = &v
		}
		if district.Valid {
			v := district.String
			rec.DistrictCode = &v
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("fetch features", err)
	}
	return records, nil
}

// UpdateFeatures applies one batch of deltas in a single transaction and
// reports a per-item verdict. A database error rolls the whole batch back
// and is returned as transient for the retry policy; an item that matches
// no row is reported in its status without failing the batch.
func (s *Store) UpdateFeatures(ctx context.Context, batch []feature.FieldDelta) ([]feature.UpdateStatus, error) {
	statuses := make([]feature.UpdateStatus, 0, len(batch))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range batch {
			var sets []string
			var args []interface{}
			argIdx := 1

			if d.SetRegion {
				sets = append(sets, fmt.Sprintf("region_code = $%d", argIdx))
				args = append(args, nullable(d.Region))
				argIdx++
			}
			if d.SetDistrict {
				sets = append(sets, fmt.Sprintf("district_code = $%d", argIdx))
				args = append(args, nullable(d.District))
				argIdx++
			}
			if len(sets) == 0 {
				statuses = append(statuses, feature.UpdateStatus{RecordID: d.RecordID, OK: true})
				continue
			}

			query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`,
				s.cfg.FeatureTable, strings.Join(sets, ", "), argIdx)
			args = append(args, d.RecordID)

			res := tx.Exec(query, args...)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				statuses = append(statuses, feature.UpdateStatus{
					RecordID: d.RecordID,
					OK:       false,
					Message:  "no matching feature",
				})
				continue
			}
			statuses = append(statuses, feature.UpdateStatus{RecordID: d.RecordID, OK: true})
		}
		return nil
	})
	if err != nil {
		return nil, transient("update batch", err)
	}
	return statuses, nil
}

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// FetchLayer loads one boundary layer as code + GeoJSON geometry pairs.
// Rows whose geometry is not polygonal are rejected: a bad layer is a
// fatal input problem, not something to silently skip.
func (s *Store) FetchLayer(ctx context.Context, table string) ([]geostore.Boundary, error) {
	query := fmt.Sprintf(`
		SELECT code, ST_AsGeoJSON(geom)
		FROM %s
		ORDER BY code
	`, table)

	rows, err := s.db.WithContext(ctx).Raw(query).Rows()
	if err != nil {
		return nil, transient("fetch layer "+table, err)
	}
	defer rows.Close()

	var boundaries []geostore.Boundary
	for rows.Next() {
		var code string
		var raw []byte
		if err := rows.Scan(&code, &raw); err != nil {
			return nil, fmt.Errorf("scan boundary: %w", err)
		}

		var g geom.T
		if err := geojson.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("boundary %q in %s: %w", code, table, err)
		}

		var mp *geom.MultiPolygon
		switch t := g.(type) {
		case *geom.MultiPolygon:
			mp = t
		case *geom.Polygon:
			mp = geom.NewMultiPolygon(t.Layout())
			if err := mp.Push(t); err != nil {
				return nil, fmt.Errorf("boundary %q in %s: %w", code, table, err)
			}
		default:
			return nil, fmt.Errorf("boundary %q in %s: unexpected geometry type %T", code, table, g)
		}

		boundaries = append(boundaries, geostore.Boundary{Code: code, Geom: mp})
	}
	if err := rows.Err(); err != nil {
		return nil, transient("fetch layer "+table, err)
	}
	return boundaries, nil
}

// LastSuccess returns the metadata of the most recent successful run, or
// nil when no run has ever succeeded.
func (s *Store) LastSuccess(ctx context.Context) (*feature.RunMetadata, error) {
	var run SyncRun
	err := s.db.WithContext(ctx).
		Where("status = ?", string(feature.StatusSuccess)).
		Order("run_timestamp DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("read last success", err)
	}

	md := feature.RunMetadata{
		RunTimestamp:      run.RunTimestamp,
		Mode:              feature.RunMode(run.Mode),
		RecordsConsidered: run.RecordsConsidered,
		RecordsUpdated:    run.RecordsUpdated,
		Status:            feature.RunStatus(run.Status),
		ErrorSummary:      run.ErrorSummary,
	}
	return &md, nil
}

// WriteRun appends the run's metadata row. Called exactly once, at the very
// end of a run that reached a trustworthy outcome; a run that crashes
// earlier leaves no row, which the next run reads as "never happened".
func (s *Store) WriteRun(ctx context.Context, md feature.RunMetadata) error {
	row := SyncRun{
		RunTimestamp:      md.RunTimestamp.UTC().Truncate(time.Microsecond),
		Mode:              string(md.Mode),
		RecordsConsidered: md.RecordsConsidered,
		RecordsUpdated:    md.RecordsUpdated,
		Status:            string(md.Status),
		ErrorSummary:      md.ErrorSummary,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return transient("write run metadata", err)
	}
	return nil
}
