package risk

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/openidx/antifraud/internal/common/database"
	apperrors "github.com/openidx/antifraud/internal/common/errors"
	"github.com/openidx/antifraud/internal/metrics"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists reputation, geofences, location history and the
// analysis audit trail in PostgreSQL
type PostgresStore struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore on an open pool
func NewPostgresStore(db *database.PostgresDB, log *zap.Logger) *PostgresStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: log.With(zap.String("component", "postgres_store"))}
}

// EnsureSchema applies any pending versioned migrations
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.Migrate(ctx, migrations, "migrations", s.logger); err != nil {
		return apperrors.DatabaseError("ensure schema", err)
	}
	return nil
}

func observe(op, table string, start time.Time) {
	metrics.RecordDBQuery(op, table, time.Since(start))
}

const fingerprintColumns = `hash, trusted, blocked, block_reason, times_seen, linked_subject_id, first_seen_at, last_seen_at`

func scanFingerprint(row pgx.Row) (*DeviceFingerprint, error) {
	var fp DeviceFingerprint
	err := row.Scan(&fp.Hash, &fp.Trusted, &fp.Blocked, &fp.BlockReason,
		&fp.TimesSeen, &fp.LinkedSubjectID, &fp.FirstSeenAt, &fp.LastSeenAt)
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

// GetFingerprint loads the record for hash
func (s *PostgresStore) GetFingerprint(ctx context.Context, hash string) (*DeviceFingerprint, error) {
	defer observe("select", "device_fingerprints", time.Now())

	fp, err := scanFingerprint(s.db.Pool.QueryRow(ctx,
		`SELECT `+fingerprintColumns+` FROM device_fingerprints WHERE hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("device fingerprint")
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get fingerprint", err)
	}
	return fp, nil
}

// TouchFingerprint upserts the sighting. The prior row is read in the same
// statement; data-modifying CTEs do not affect the snapshot seen by the
// outer SELECT.
func (s *PostgresStore) TouchFingerprint(ctx context.Context, hash, subjectID string, at time.Time) (*DeviceFingerprint, error) {
	defer observe("upsert", "device_fingerprints", time.Now())

	fp, err := scanFingerprint(s.db.Pool.QueryRow(ctx, `
		WITH prior AS (
			SELECT `+fingerprintColumns+` FROM device_fingerprints WHERE hash = $1
		), touched AS (
			INSERT INTO device_fingerprints (hash, times_seen, linked_subject_id, first_seen_at, last_seen_at)
			VALUES ($1, 1, $2, $3, $3)
			ON CONFLICT (hash) DO UPDATE SET
				times_seen = device_fingerprints.times_seen + 1,
				last_seen_at = EXCLUDED.last_seen_at,
				linked_subject_id = CASE
					WHEN device_fingerprints.linked_subject_id = '' THEN EXCLUDED.linked_subject_id
					ELSE device_fingerprints.linked_subject_id
				END
		)
		SELECT `+fingerprintColumns+` FROM prior`,
		hash, subjectID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.DatabaseError("touch fingerprint", err)
	}
	return fp, nil
}

// SetDeviceStatus writes trusted/blocked for hash, creating the row if needed
func (s *PostgresStore) SetDeviceStatus(ctx context.Context, hash string, status DeviceStatus, reason string, at time.Time) (*DeviceFingerprint, error) {
	defer observe("upsert", "device_fingerprints", time.Now())

	var fp DeviceFingerprint
	applyDeviceStatus(&fp, status, reason)

	out, err := scanFingerprint(s.db.Pool.QueryRow(ctx, `
		INSERT INTO device_fingerprints (hash, trusted, blocked, block_reason, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (hash) DO UPDATE SET
			trusted = EXCLUDED.trusted,
			blocked = EXCLUDED.blocked,
			block_reason = EXCLUDED.block_reason
		RETURNING `+fingerprintColumns,
		hash, fp.Trusted, fp.Blocked, fp.BlockReason, at))
	if err != nil {
		return nil, apperrors.DatabaseError("set device status", err)
	}
	return out, nil
}

const ipColumns = `ip, asn, org, hostname, country_code, city, latitude, longitude,
	is_vpn, is_proxy, is_tor, is_datacenter, is_relay, is_mobile,
	abuse_score, blocked, block_reason, times_seen, last_seen_at, updated_at`

func scanIPRecord(row pgx.Row) (*IPReputationRecord, error) {
	var r IPReputationRecord
	err := row.Scan(&r.IP, &r.ASN, &r.Org, &r.Hostname, &r.CountryCode, &r.City, &r.Latitude, &r.Longitude,
		&r.Flags.VPN, &r.Flags.Proxy, &r.Flags.Tor, &r.Flags.Datacenter, &r.Flags.Relay, &r.Flags.Mobile,
		&r.AbuseScore, &r.Blocked, &r.BlockReason, &r.TimesSeen, &r.LastSeenAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetIPRecord loads the record for ip
func (s *PostgresStore) GetIPRecord(ctx context.Context, ip string) (*IPReputationRecord, error) {
	defer observe("select", "ip_reputation", time.Now())

	rec, err := scanIPRecord(s.db.Pool.QueryRow(ctx,
		`SELECT `+ipColumns+` FROM ip_reputation WHERE ip = $1`, ip))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("ip reputation")
	}
	if err != nil {
		return nil, apperrors.DatabaseError("get ip record", err)
	}
	return rec, nil
}

// SaveIPRecord upserts rec. The block columns are only written on insert.
func (s *PostgresStore) SaveIPRecord(ctx context.Context, rec *IPReputationRecord) error {
	defer observe("upsert", "ip_reputation", time.Now())

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO ip_reputation (`+ipColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (ip) DO UPDATE SET
			asn = EXCLUDED.asn,
			org = EXCLUDED.org,
			hostname = EXCLUDED.hostname,
			country_code = EXCLUDED.country_code,
			city = EXCLUDED.city,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			is_vpn = EXCLUDED.is_vpn,
			is_proxy = EXCLUDED.is_proxy,
			is_tor = EXCLUDED.is_tor,
			is_datacenter = EXCLUDED.is_datacenter,
			is_relay = EXCLUDED.is_relay,
			is_mobile = EXCLUDED.is_mobile,
			abuse_score = EXCLUDED.abuse_score,
			times_seen = EXCLUDED.times_seen,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at`,
		rec.IP, rec.ASN, rec.Org, rec.Hostname, rec.CountryCode, rec.City, rec.Latitude, rec.Longitude,
		rec.Flags.VPN, rec.Flags.Proxy, rec.Flags.Tor, rec.Flags.Datacenter, rec.Flags.Relay, rec.Flags.Mobile,
		rec.AbuseScore, rec.Blocked, rec.BlockReason, rec.TimesSeen, rec.LastSeenAt, rec.UpdatedAt)
	if err != nil {
		return apperrors.DatabaseError("save ip record", err)
	}
	return nil
}

// SetIPBlocked writes the block state, creating an unenriched row if needed
func (s *PostgresStore) SetIPBlocked(ctx context.Context, ip string, blocked bool, reason string, at time.Time) (*IPReputationRecord, error) {
	defer observe("upsert", "ip_reputation", time.Now())

	if !blocked {
		reason = ""
	}
	rec, err := scanIPRecord(s.db.Pool.QueryRow(ctx, `
		INSERT INTO ip_reputation (ip, blocked, block_reason, last_seen_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ip) DO UPDATE SET
			blocked = EXCLUDED.blocked,
			block_reason = EXCLUDED.block_reason
		RETURNING `+ipColumns,
		ip, blocked, reason, at, time.Time{}))
	if err != nil {
		return nil, apperrors.DatabaseError("set ip blocked", err)
	}
	return rec, nil
}

// ListGeofences returns the fences owned by ownerID, ordered by name
func (s *PostgresStore) ListGeofences(ctx context.Context, ownerID string) ([]Geofence, error) {
	defer observe("select", "geofences", time.Now())

	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, owner_id, name, center_latitude, center_longitude, radius_meters
		FROM geofences WHERE owner_id = $1 ORDER BY name, id`, ownerID)
	if err != nil {
		return nil, apperrors.DatabaseError("list geofences", err)
	}
	defer rows.Close()

	fences := []Geofence{}
	for rows.Next() {
		var f Geofence
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Name, &f.CenterLatitude, &f.CenterLongitude, &f.RadiusMeters); err != nil {
			return nil, apperrors.DatabaseError("scan geofence", err)
		}
		fences = append(fences, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError("list geofences", err)
	}
	return fences, nil
}

// PutGeofence inserts or replaces fence
func (s *PostgresStore) PutGeofence(ctx context.Context, fence Geofence) (Geofence, error) {
	if err := fence.Validate(); err != nil {
		return Geofence{}, err
	}
	if fence.ID == "" {
		fence.ID = uuid.NewString()
	}

	defer observe("upsert", "geofences", time.Now())
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO geofences (id, owner_id, name, center_latitude, center_longitude, radius_meters)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name,
			center_latitude = EXCLUDED.center_latitude,
			center_longitude = EXCLUDED.center_longitude,
			radius_meters = EXCLUDED.radius_meters`,
		fence.ID, fence.OwnerID, fence.Name, fence.CenterLatitude, fence.CenterLongitude, fence.RadiusMeters)
	if err != nil {
		return Geofence{}, apperrors.DatabaseError("put geofence", err)
	}
	return fence, nil
}

// LastReading returns the most recent reading for the subject, or for the
// device when no subject is given
func (s *PostgresStore) LastReading(ctx context.Context, subjectID, fingerprintHash string) (*GeolocationReading, error) {
	if subjectID == "" && fingerprintHash == "" {
		return nil, apperrors.NotFound("geolocation reading")
	}
	defer observe("select", "geolocation_readings", time.Now())

	const cols = `id, subject_id, fingerprint_hash, latitude, longitude, accuracy_meters, captured_at, suspicious, suspicion_reason`
	var row pgx.Row
	if subjectID != "" {
		row = s.db.Pool.QueryRow(ctx, `SELECT `+cols+` FROM geolocation_readings
			WHERE subject_id = $1 ORDER BY captured_at DESC LIMIT 1`, subjectID)
	} else {
		row = s.db.Pool.QueryRow(ctx, `SELECT `+cols+` FROM geolocation_readings
			WHERE subject_id = '' AND fingerprint_hash = $1 ORDER BY captured_at DESC LIMIT 1`, fingerprintHash)
	}

	var r GeolocationReading
	err := row.Scan(&r.ID, &r.SubjectID, &r.FingerprintHash, &r.Latitude, &r.Longitude,
		&r.AccuracyMeters, &r.CapturedAt, &r.Suspicious, &r.SuspicionReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("geolocation reading")
	}
	if err != nil {
		return nil, apperrors.DatabaseError("last reading", err)
	}
	return &r, nil
}

// Append writes the analysis and its reading in one transaction
func (s *PostgresStore) Append(ctx context.Context, result *AnalysisResult) error {
	defer observe("insert", "risk_analyses", time.Now())

	body, err := json.Marshal(result)
	if err != nil {
		return apperrors.Internal("encode analysis", err)
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return apperrors.DatabaseError("begin audit tx", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO risk_analyses (id, event_type, subject_id, fingerprint_hash, ip_address,
			final_score, risk_tier, recommended_action, confidence, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		result.ID, result.EventType, result.SubjectID, result.FingerprintHash, result.IPAddress,
		result.FinalScore, string(result.RiskTier), string(result.RecommendedAction), result.Confidence,
		body, result.CreatedAt)
	if err != nil {
		return apperrors.DatabaseError("insert analysis", err)
	}

	if r := result.Reading; r != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO geolocation_readings (id, analysis_id, subject_id, fingerprint_hash,
				latitude, longitude, accuracy_meters, captured_at, suspicious, suspicion_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			r.ID, result.ID, r.SubjectID, r.FingerprintHash,
			r.Latitude, r.Longitude, r.AccuracyMeters, r.CapturedAt, r.Suspicious, r.SuspicionReason)
		if err != nil {
			return apperrors.DatabaseError("insert reading", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.DatabaseError("commit audit tx", err)
	}
	return nil
}

// ListAnalyses pages through subjectID's analyses, newest first
func (s *PostgresStore) ListAnalyses(ctx context.Context, subjectID string, limit, offset int) (*AnalysisPage, error) {
	defer observe("select", "risk_analyses", time.Now())

	if subjectID == "" {
		return nil, apperrors.ValidationError("subjectId is required")
	}
	limit, offset = NormalizePage(limit, offset)

	page := &AnalysisPage{Items: []AnalysisSummary{}, Limit: limit, Offset: offset}
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM risk_analyses WHERE subject_id = $1`, subjectID).Scan(&page.Total)
	if err != nil {
		return nil, apperrors.DatabaseError("count analyses", err)
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT result FROM risk_analyses
		WHERE subject_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, subjectID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError("list analyses", err)
	}
	defer rows.Close()

	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, apperrors.DatabaseError("scan analysis", err)
		}
		var res AnalysisResult
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, apperrors.Internal("decode analysis", err)
		}
		page.Items = append(page.Items, summarize(&res))
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError("list analyses", err)
	}

	page.HasMore = offset+len(page.Items) < page.Total
	return page, nil
}

// Statistics aggregates the analyses recorded at or after since in one pass
// over risk_analyses, reading the flags back out of the stored result
func (s *PostgresStore) Statistics(ctx context.Context, since time.Time) (*AnalysisStatistics, error) {
	defer observe("select", "risk_analyses", time.Now())

	stats := newStatistics(since)
	var low, medium, high, critical int
	g := &stats.Geofence
	err := s.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(DISTINCT fingerprint_hash),
			COUNT(DISTINCT ip_address),
			COUNT(*) FILTER (WHERE risk_tier IN ('HIGH', 'CRITICAL')),
			COUNT(*) FILTER (WHERE recommended_action = 'BLOCK'),
			COUNT(*) FILTER (WHERE (result->'flags'->>'newDevice')::boolean),
			COUNT(*) FILTER (WHERE (result->'flags'->>'newIP')::boolean),
			COUNT(*) FILTER (WHERE (result->'flags'->>'vpnDetected')::boolean),
			COUNT(*) FILTER (WHERE (result->'flags'->>'botDetected')::boolean),
			COUNT(*) FILTER (WHERE (result->'flags'->>'impossibleTravel')::boolean),
			COUNT(*) FILTER (WHERE risk_tier = 'LOW'),
			COUNT(*) FILTER (WHERE risk_tier = 'MEDIUM'),
			COUNT(*) FILTER (WHERE risk_tier = 'HIGH'),
			COUNT(*) FILTER (WHERE risk_tier = 'CRITICAL'),
			COUNT(*) FILTER (WHERE result ? 'geofence'),
			COUNT(*) FILTER (WHERE (result->'geofence'->>'insideAny')::boolean),
			COUNT(*) FILTER (WHERE result->'geofence' ? 'nearestDistanceMeters'
				AND NOT (result->'geofence'->>'insideAny')::boolean),
			AVG((result->'geofence'->>'nearestDistanceMeters')::double precision),
			AVG((result->'reading'->>'accuracyMeters')::double precision) FILTER (WHERE result ? 'geofence')
		FROM risk_analyses
		WHERE created_at >= $1`, since).Scan(
		&stats.Analyses, &stats.UniqueDevices, &stats.UniqueIPs,
		&stats.HighRisk, &stats.Blocked,
		&stats.NewDevices, &stats.NewIPs, &stats.VPN, &stats.Bots, &stats.ImpossibleTravel,
		&low, &medium, &high, &critical,
		&g.Validated, &g.Inside, &g.Outside,
		&g.AvgNearestDistanceMeters, &g.AvgReadingAccuracyMeters)
	if err != nil {
		return nil, apperrors.DatabaseError("aggregate analyses", err)
	}
	stats.ByTier[TierLow] = low
	stats.ByTier[TierMedium] = medium
	stats.ByTier[TierHigh] = high
	stats.ByTier[TierCritical] = critical
	stats.fillRates()

	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+ipColumns+` FROM ip_reputation ORDER BY times_seen DESC, ip LIMIT $1`, topIPLimit)
	if err != nil {
		return nil, apperrors.DatabaseError("top ips", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanIPRecord(rows)
		if err != nil {
			return nil, apperrors.DatabaseError("scan ip record", err)
		}
		stats.TopIPs = append(stats.TopIPs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError("top ips", err)
	}
	return stats, nil
}
