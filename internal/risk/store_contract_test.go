package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openidx/antifraud/internal/common/errors"
)

// reputationStore is everything a storage backend provides
type reputationStore interface {
	FingerprintStore
	IPReputationStore
	GeofenceStore
	LocationHistory
	AuditSink
	AnalysisReader
}

// runStoreContract checks the behavior every backend must share
func runStoreContract(t *testing.T, store reputationStore) {
	at := time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC)

	t.Run("fingerprint sightings", func(t *testing.T) {
		ctx := context.Background()
		_, err := store.GetFingerprint(ctx, "fp-1")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

		prev, err := store.TouchFingerprint(ctx, "fp-1", "alice", at)
		require.NoError(t, err)
		assert.Nil(t, prev, "first sighting has no prior state")

		prev, err = store.TouchFingerprint(ctx, "fp-1", "bob", at.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, 1, prev.TimesSeen)
		assert.Equal(t, "alice", prev.LinkedSubjectID)

		fp, err := store.GetFingerprint(ctx, "fp-1")
		require.NoError(t, err)
		assert.Equal(t, 2, fp.TimesSeen)
		assert.Equal(t, "alice", fp.LinkedSubjectID, "the first linked subject sticks")
		assert.True(t, fp.FirstSeenAt.Equal(at))
		assert.True(t, fp.LastSeenAt.Equal(at.Add(time.Hour)))
	})

	t.Run("anonymous device links later", func(t *testing.T) {
		ctx := context.Background()
		_, err := store.TouchFingerprint(ctx, "fp-2", "", at)
		require.NoError(t, err)
		_, err = store.TouchFingerprint(ctx, "fp-2", "carol", at)
		require.NoError(t, err)

		fp, err := store.GetFingerprint(ctx, "fp-2")
		require.NoError(t, err)
		assert.Equal(t, "carol", fp.LinkedSubjectID)
	})

	t.Run("device status is exclusive", func(t *testing.T) {
		ctx := context.Background()
		fp, err := store.SetDeviceStatus(ctx, "fp-3", DeviceTrusted, "", at)
		require.NoError(t, err)
		assert.True(t, fp.Trusted)
		assert.False(t, fp.Blocked)

		fp, err = store.SetDeviceStatus(ctx, "fp-3", DeviceBlocked, "chargeback", at)
		require.NoError(t, err)
		assert.False(t, fp.Trusted)
		assert.True(t, fp.Blocked)
		assert.Equal(t, "chargeback", fp.BlockReason)

		fp, err = store.SetDeviceStatus(ctx, "fp-3", DeviceNeutral, "", at)
		require.NoError(t, err)
		assert.False(t, fp.Trusted)
		assert.False(t, fp.Blocked)
		assert.Empty(t, fp.BlockReason)

		prev, err := store.TouchFingerprint(ctx, "fp-3", "dave", at)
		require.NoError(t, err)
		require.NotNil(t, prev, "a status change creates the record")
	})

	t.Run("ip block survives enrichment", func(t *testing.T) {
		ctx := context.Background()
		_, err := store.GetIPRecord(ctx, "192.0.2.1")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

		rec, err := store.SetIPBlocked(ctx, "192.0.2.1", true, "scanner", at)
		require.NoError(t, err)
		assert.True(t, rec.Blocked)
		assert.True(t, rec.UpdatedAt.IsZero(), "a blocked-before-seen address is still unenriched")

		require.NoError(t, store.SaveIPRecord(ctx, &IPReputationRecord{
			IP: "192.0.2.1", Org: "Hetzner Online GmbH", Flags: IPFlags{Datacenter: true},
			TimesSeen: 1, LastSeenAt: at, UpdatedAt: at,
		}))
		got, err := store.GetIPRecord(ctx, "192.0.2.1")
		require.NoError(t, err)
		assert.True(t, got.Blocked)
		assert.Equal(t, "scanner", got.BlockReason)
		assert.Equal(t, "Hetzner Online GmbH", got.Org)
		assert.True(t, got.Flags.Datacenter)
		assert.True(t, got.UpdatedAt.Equal(at))

		rec, err = store.SetIPBlocked(ctx, "192.0.2.1", false, "ignored", at)
		require.NoError(t, err)
		assert.False(t, rec.Blocked)
		assert.Empty(t, rec.BlockReason)
		assert.Equal(t, "Hetzner Online GmbH", rec.Org)
	})

	t.Run("geofences", func(t *testing.T) {
		ctx := context.Background()
		_, err := store.PutGeofence(ctx, Geofence{OwnerID: "erin", RadiusMeters: -1})
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

		office, err := store.PutGeofence(ctx, Geofence{OwnerID: "erin", Name: "office", CenterLatitude: 40.4168, CenterLongitude: -3.7038, RadiusMeters: 120})
		require.NoError(t, err)
		assert.NotEmpty(t, office.ID)
		_, err = store.PutGeofence(ctx, Geofence{OwnerID: "erin", Name: "home", CenterLatitude: 40.45, CenterLongitude: -3.69, RadiusMeters: 80})
		require.NoError(t, err)

		fences, err := store.ListGeofences(ctx, "erin")
		require.NoError(t, err)
		require.Len(t, fences, 2)
		assert.Equal(t, "home", fences[0].Name)
		assert.Equal(t, "office", fences[1].Name)

		office.RadiusMeters = 300
		_, err = store.PutGeofence(ctx, office)
		require.NoError(t, err)
		fences, err = store.ListGeofences(ctx, "erin")
		require.NoError(t, err)
		require.Len(t, fences, 2, "same id replaces")
		assert.Equal(t, 300.0, fences[1].RadiusMeters)

		fences, err = store.ListGeofences(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, fences)
	})

	t.Run("location history", func(t *testing.T) {
		ctx := context.Background()
		_, err := store.LastReading(ctx, "frank", "")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
		_, err = store.LastReading(ctx, "", "")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

		appendReading := func(id string, r GeolocationReading) {
			t.Helper()
			r.ID = "reading-" + id
			require.NoError(t, store.Append(ctx, &AnalysisResult{
				ID: "analysis-" + id, EventType: "login", SubjectID: r.SubjectID,
				FingerprintHash: r.FingerprintHash, IPAddress: "192.0.2.10",
				RiskTier: TierLow, RecommendedAction: ActionAllow, Alerts: []string{},
				Reading: &r, CreatedAt: at,
			}))
		}

		appendReading("1", GeolocationReading{SubjectID: "frank", FingerprintHash: "fp-9", Latitude: 1, Longitude: 1, AccuracyMeters: 5, CapturedAt: at})
		appendReading("2", GeolocationReading{SubjectID: "frank", FingerprintHash: "fp-9", Latitude: 2, Longitude: 2, AccuracyMeters: 5, CapturedAt: at.Add(-time.Hour)})

		last, err := store.LastReading(ctx, "frank", "fp-9")
		require.NoError(t, err)
		assert.Equal(t, "reading-1", last.ID, "an older reading does not replace a newer one")

		appendReading("3", GeolocationReading{SubjectID: "frank", Latitude: 3, Longitude: 3, AccuracyMeters: 5, CapturedAt: at.Add(time.Minute), Suspicious: true, SuspicionReason: "impossible travel"})
		last, err = store.LastReading(ctx, "frank", "")
		require.NoError(t, err)
		assert.Equal(t, "reading-3", last.ID)
		assert.True(t, last.Suspicious)
		assert.Equal(t, "impossible travel", last.SuspicionReason)
		assert.True(t, last.CapturedAt.Equal(at.Add(time.Minute)))

		// without a subject, history is per device
		appendReading("4", GeolocationReading{FingerprintHash: "fp-anon", Latitude: 4, Longitude: 4, AccuracyMeters: 5, CapturedAt: at})
		last, err = store.LastReading(ctx, "", "fp-anon")
		require.NoError(t, err)
		assert.Equal(t, "reading-4", last.ID)
		_, err = store.LastReading(ctx, "", "fp-9")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "subject readings are not device history")
	})

	t.Run("analysis history and statistics", func(t *testing.T) {
		ctx := context.Background()
		later := at.Add(30 * 24 * time.Hour)
		meters := func(v float64) *float64 { return &v }

		record := func(n int, subject, fp, ip string, tier RiskTier, action Action, flags Flags, fence *GeofenceValidation, accuracy float64) {
			t.Helper()
			res := &AnalysisResult{
				ID: fmt.Sprintf("stats-%d", n), EventType: "login", SubjectID: subject,
				FingerprintHash: fp, IPAddress: ip, RiskTier: tier, RecommendedAction: action,
				Flags: flags, Alerts: []string{}, Geofence: fence,
				CreatedAt: later.Add(time.Duration(n) * time.Minute),
			}
			if fence != nil {
				res.Reading = &GeolocationReading{
					ID: fmt.Sprintf("stats-reading-%d", n), SubjectID: subject, FingerprintHash: fp,
					Latitude: 1, Longitude: 1, AccuracyMeters: accuracy, CapturedAt: res.CreatedAt,
				}
			}
			require.NoError(t, store.Append(ctx, res))
		}

		record(0, "grace", "fp-g1", "198.51.100.1", TierLow, ActionAllow, Flags{NewDevice: true, NewIP: true}, nil, 0)
		record(1, "grace", "fp-g1", "198.51.100.1", TierMedium, ActionMonitor, Flags{VPNDetected: true},
			&GeofenceValidation{InsideAny: true, NearestDistanceMeters: meters(0)}, 10)
		record(2, "grace", "fp-g2", "198.51.100.2", TierHigh, ActionRequire2FA, Flags{ImpossibleTravel: true},
			&GeofenceValidation{NearestDistanceMeters: meters(1500)}, 30)
		record(3, "grace", "fp-g2", "198.51.100.3", TierCritical, ActionBlock, Flags{BotDetected: true}, nil, 0)
		// no fences configured, so neither inside nor outside
		record(4, "heidi", "fp-h", "198.51.100.1", TierLow, ActionAllow, Flags{}, &GeofenceValidation{}, 20)

		page, err := store.ListAnalyses(ctx, "grace", 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 4, page.Total)
		assert.True(t, page.HasMore)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "stats-3", page.Items[0].ID, "newest first")
		assert.True(t, page.Items[0].Blocked)
		assert.True(t, page.Items[0].Flags.BotDetected)
		assert.Equal(t, "stats-2", page.Items[1].ID)
		assert.False(t, page.Items[1].Blocked)
		require.NotNil(t, page.Items[1].Geofence)
		require.NotNil(t, page.Items[1].Geofence.NearestDistanceMeters)
		assert.Equal(t, 1500.0, *page.Items[1].Geofence.NearestDistanceMeters)
		assert.Nil(t, page.Items[0].Geofence)

		page, err = store.ListAnalyses(ctx, "grace", 2, 2)
		require.NoError(t, err)
		assert.False(t, page.HasMore)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "stats-0", page.Items[1].ID)
		assert.NotNil(t, page.Items[1].Alerts)

		page, err = store.ListAnalyses(ctx, "grace", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, DefaultHistoryLimit, page.Limit)
		assert.Empty(t, page.Items)
		assert.NotNil(t, page.Items)
		assert.False(t, page.HasMore)

		page, err = store.ListAnalyses(ctx, "nobody", 500, -3)
		require.NoError(t, err)
		assert.Equal(t, 0, page.Total)
		assert.Equal(t, MaxHistoryLimit, page.Limit)
		assert.Equal(t, 0, page.Offset)

		_, err = store.ListAnalyses(ctx, "", 10, 0)
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

		require.NoError(t, store.SaveIPRecord(ctx, &IPReputationRecord{
			IP: "198.51.100.200", CountryCode: "BR", TimesSeen: 1_000_000, LastSeenAt: later, UpdatedAt: later,
		}))

		stats, err := store.Statistics(ctx, later)
		require.NoError(t, err)
		assert.True(t, stats.Since.Equal(later))
		assert.Equal(t, 5, stats.Analyses)
		assert.Equal(t, 3, stats.UniqueDevices)
		assert.Equal(t, 3, stats.UniqueIPs)
		assert.Equal(t, 2, stats.HighRisk)
		assert.Equal(t, 1, stats.Blocked)
		assert.Equal(t, 1, stats.NewDevices)
		assert.Equal(t, 1, stats.NewIPs)
		assert.Equal(t, 1, stats.VPN)
		assert.Equal(t, 1, stats.Bots)
		assert.Equal(t, 1, stats.ImpossibleTravel)
		assert.Equal(t, 20.0, stats.BlockRate)
		assert.Equal(t, 40.0, stats.HighRiskRate)
		assert.Equal(t, map[RiskTier]int{TierLow: 2, TierMedium: 1, TierHigh: 1, TierCritical: 1}, stats.ByTier)

		assert.Equal(t, 3, stats.Geofence.Validated)
		assert.Equal(t, 1, stats.Geofence.Inside)
		assert.Equal(t, 1, stats.Geofence.Outside)
		require.NotNil(t, stats.Geofence.AvgNearestDistanceMeters)
		assert.InDelta(t, 750.0, *stats.Geofence.AvgNearestDistanceMeters, 1e-9)
		require.NotNil(t, stats.Geofence.AvgReadingAccuracyMeters)
		assert.InDelta(t, 20.0, *stats.Geofence.AvgReadingAccuracyMeters, 1e-9)

		require.NotEmpty(t, stats.TopIPs)
		assert.LessOrEqual(t, len(stats.TopIPs), 10)
		assert.Equal(t, "198.51.100.200", stats.TopIPs[0].IP)
		assert.Equal(t, "BR", stats.TopIPs[0].CountryCode)

		stats, err = store.Statistics(ctx, later.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Analyses)
		assert.Equal(t, 1, stats.Geofence.Outside)
		assert.Equal(t, 0, stats.Geofence.Inside)

		stats, err = store.Statistics(ctx, later.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Analyses)
		assert.Zero(t, stats.BlockRate)
		assert.Nil(t, stats.Geofence.AvgReadingAccuracyMeters)
		assert.Equal(t, 0, stats.ByTier[TierLow])

		stats, err = store.Statistics(ctx, time.Time{})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stats.Analyses, 9, "a zero since covers the whole trail")
	})
}
