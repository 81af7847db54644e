package risk

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/openidx/antifraud/internal/common/errors"
)

func TestDefaultWeightTablesSumToOne(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.InDelta(t, 1.0, cfg.WeightsGPS.Sum(), 1e-9)
	assert.InDelta(t, 1.0, cfg.WeightsNoGPS.Sum(), 1e-9)
	assert.Zero(t, cfg.WeightsNoGPS.Geolocation)
	assert.Greater(t, cfg.WeightsNoGPS.IP, cfg.WeightsGPS.IP)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "gps weights", mutate: func(c *Config) { c.WeightsGPS.IP = 0.5 }},
		{name: "no-gps weights", mutate: func(c *Config) { c.WeightsNoGPS.Behavior = 0.1 }},
		{name: "no-gps geolocation weight", mutate: func(c *Config) {
			c.WeightsNoGPS = Weights{Fingerprint: 0.3, IP: 0.3, Geolocation: 0.1, Behavior: 0.3}
		}},
		{name: "tier order", mutate: func(c *Config) { c.Tiers.High = 0.9 }},
		{name: "timeout", mutate: func(c *Config) { c.AnalyzerTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTierClassification(t *testing.T) {
	tiers := DefaultConfig().Tiers
	tests := []struct {
		score float64
		tier  RiskTier
		act   Action
	}{
		{0, TierLow, ActionAllow},
		{0.2999, TierLow, ActionAllow},
		{0.3, TierMedium, ActionMonitor},
		{0.5999, TierMedium, ActionMonitor},
		{0.6, TierHigh, ActionRequire2FA},
		{0.8, TierCritical, ActionBlock},
		{1, TierCritical, ActionBlock},
	}
	for _, tt := range tests {
		got := tiers.Classify(tt.score)
		assert.Equal(t, tt.tier, got, "score %v", tt.score)
		assert.Equal(t, tt.act, ActionFor(got))
	}
}

func TestEngineNewDeviceInsideFenceIsAllowed(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, nil)
	_, err := te.store.PutGeofence(ctx, Geofence{OwnerID: "alice", Name: "office", CenterLatitude: 52.52, CenterLongitude: 13.405, RadiusMeters: 100})
	require.NoError(t, err)

	res, err := te.engine.Analyze(ctx, AnalysisRequest{
		EventType:   "login",
		Fingerprint: FingerprintInput{Hash: "new-device"},
		IPAddress:   "203.0.113.10",
		SubjectID:   "alice",
		Geolocation: &GeolocationInput{Latitude: 52.52003, Longitude: 13.40502, AccuracyMeters: 10, CapturedAt: te.clock.Now()},
		Behavior:    daytimeBehavior(),
	})
	require.NoError(t, err)

	assert.Equal(t, TierLow, res.RiskTier)
	assert.Equal(t, ActionAllow, res.RecommendedAction)
	assert.True(t, res.Flags.NewDevice)
	assert.Equal(t, "gps", res.GeolocationMethod)
	assert.True(t, res.LocationIdentified)
	assert.Equal(t, DefaultConfig().WeightsGPS, res.Weights)
	require.NotNil(t, res.Geofence)
	assert.True(t, res.Geofence.InsideAny)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.InDelta(t, 0.3*0.3, res.FinalScore, 1e-9)
	assert.Empty(t, res.AnalyzerFallbacks)
}

func TestEngineBlockedDeviceIsBlocked(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, nil)
	_, err := te.store.SetDeviceStatus(ctx, "stolen-device", DeviceBlocked, "reported stolen", te.clock.Now())
	require.NoError(t, err)

	res, err := te.engine.Analyze(ctx, AnalysisRequest{
		EventType:   "payment",
		Fingerprint: FingerprintInput{Hash: "stolen-device"},
		IPAddress:   "203.0.113.10",
		Behavior:    daytimeBehavior(),
	})
	require.NoError(t, err)

	assert.Equal(t, TierCritical, res.RiskTier)
	assert.Equal(t, ActionBlock, res.RecommendedAction)
	assert.Less(t, res.FinalScore, 0.8, "the override does not depend on the score")
	assert.Contains(t, res.Alerts, "blocked device")
}

func TestEngineImpossibleTravelEscalates(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, nil)

	req := AnalysisRequest{
		EventType:   "login",
		Fingerprint: FingerprintInput{Hash: "laptop"},
		IPAddress:   "203.0.113.10",
		SubjectID:   "alice",
		Geolocation: &GeolocationInput{Latitude: newYork.Latitude, Longitude: newYork.Longitude, AccuracyMeters: 15, CapturedAt: te.clock.Now()},
		Behavior:    daytimeBehavior(),
	}
	first, err := te.engine.Analyze(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Flags.ImpossibleTravel)

	te.clock.Advance(10 * time.Minute)
	req.Geolocation = &GeolocationInput{Latitude: london.Latitude, Longitude: london.Longitude, AccuracyMeters: 15, CapturedAt: te.clock.Now()}
	second, err := te.engine.Analyze(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Flags.ImpossibleTravel)
	assert.Contains(t, []RiskTier{TierHigh, TierCritical}, second.RiskTier)
	assert.Equal(t, 0.9, second.Scores.Geolocation)
	require.NotNil(t, second.Reading)
	assert.True(t, second.Reading.Suspicious)

	last, err := te.store.LastReading(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, second.Reading.ID, last.ID)
	assert.True(t, last.Suspicious)
}

func TestEngineDatacenterWithoutGPS(t *testing.T) {
	te := newTestEngine(t, nil)
	te.provider.set("203.0.113.77", &IPIntel{ASN: "AS14061", Org: "DigitalOcean, LLC"})

	res, err := te.engine.Analyze(context.Background(), AnalysisRequest{
		EventType:   "transfer",
		Fingerprint: FingerprintInput{Hash: "unknown-device"},
		IPAddress:   "203.0.113.77",
	})
	require.NoError(t, err)

	assert.True(t, res.Flags.DatacenterDetected)
	assert.Equal(t, "none", res.GeolocationMethod)
	assert.Equal(t, DefaultConfig().WeightsNoGPS, res.Weights)
	assert.InDelta(t, 0.3*0.35+0.5*0.35+0.1*0.30, res.FinalScore, 1e-9)
	assert.Equal(t, TierMedium, res.RiskTier)
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
	assert.Equal(t, 0.1, res.Scores.Geolocation)
	assert.Nil(t, res.Geofence)
}

func TestEngineBotBehaviorRaisesTier(t *testing.T) {
	te := newTestEngine(t, nil)

	res, err := te.engine.Analyze(context.Background(), AnalysisRequest{
		EventType:   "login",
		Fingerprint: FingerprintInput{Hash: "headless"},
		IPAddress:   "203.0.113.10",
		Behavior:    &BehaviorMetrics{ActionsPerMinute: 120, TemporalConsistency: 0.97, LocalHour: 14},
	})
	require.NoError(t, err)

	assert.True(t, res.Flags.BotDetected)
	assert.InDelta(t, 0.7, res.Scores.Behavior, 1e-9)
	assert.GreaterOrEqual(t, res.RiskTier.rank(), TierMedium.rank())
}

func TestEngineBlockedIPOverridesEverything(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, nil)
	_, err := te.store.SetDeviceStatus(ctx, "trusted-device", DeviceTrusted, "", te.clock.Now())
	require.NoError(t, err)
	_, err = te.store.SetIPBlocked(ctx, "198.51.100.66", true, "botnet", te.clock.Now())
	require.NoError(t, err)

	res, err := te.engine.Analyze(ctx, AnalysisRequest{
		EventType:   "login",
		Fingerprint: FingerprintInput{Hash: "trusted-device"},
		IPAddress:   "198.51.100.66",
		Behavior:    daytimeBehavior(),
	})
	require.NoError(t, err)
	assert.Equal(t, TierCritical, res.RiskTier)
	assert.Equal(t, ActionBlock, res.RecommendedAction)
	assert.InDelta(t, 0.7, res.Confidence, 1e-9, "trusted device without GPS")
}

func TestEngineBlockedIPMatchesAnySpelling(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, nil)
	admin, _ := newTestAdmin(t, te.store, nil)

	_, err := admin.BlockIP(ctx, "ops", "203.0.113.10", "card testing")
	require.NoError(t, err)
	_, err = admin.BlockIP(ctx, "ops", "2001:db8::1", "card testing")
	require.NoError(t, err)

	tests := []struct {
		spelling  string
		canonical string
	}{
		{"203.0.113.10", "203.0.113.10"},
		{"::ffff:203.0.113.10", "203.0.113.10"},
		{" 203.0.113.10 ", "203.0.113.10"},
		{"2001:DB8::1", "2001:db8::1"},
		{"2001:0db8:0:0:0:0:0:1", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.spelling, func(t *testing.T) {
			res, err := te.engine.Analyze(ctx, AnalysisRequest{
				EventType:   "login",
				Fingerprint: FingerprintInput{Hash: "dev"},
				IPAddress:   tt.spelling,
				Behavior:    daytimeBehavior(),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.canonical, res.IPAddress)
			assert.Equal(t, TierCritical, res.RiskTier)
			assert.Equal(t, ActionBlock, res.RecommendedAction)
			assert.Equal(t, 1.0, res.Scores.IP)
		})
	}
	assert.Zero(t, te.provider.calls.Load(), "blocked records are never refreshed")
}

func TestCanonicalIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"198.51.100.1", "198.51.100.1", true},
		{"::ffff:198.51.100.1", "198.51.100.1", true},
		{"::FFFF:C633:6401", "198.51.100.1", true},
		{"2001:DB8:0:0:0:0:0:1", "2001:db8::1", true},
		{"not-an-ip", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := CanonicalIP(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestEngineRejectedReadingUsesNoGPSWeights(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, nil)

	res, err := te.engine.Analyze(ctx, AnalysisRequest{
		EventType:   "login",
		Fingerprint: FingerprintInput{Hash: "dev"},
		IPAddress:   "203.0.113.10",
		SubjectID:   "alice",
		Geolocation: &GeolocationInput{Latitude: 52.52, Longitude: 13.405, AccuracyMeters: 800, CapturedAt: te.clock.Now()},
	})
	require.NoError(t, err)

	assert.True(t, res.OverrideRequired)
	assert.Equal(t, "none", res.GeolocationMethod)
	assert.False(t, res.LocationIdentified)
	assert.Equal(t, DefaultConfig().WeightsNoGPS, res.Weights)
	assert.Equal(t, 0.1, res.Scores.Geolocation)
	assert.InDelta(t, res.Weights.Fingerprint*res.Scores.Fingerprint+res.Weights.IP*res.Scores.IP+
		res.Weights.Behavior*res.Scores.Behavior, res.FinalScore, 1e-9, "unknown location does not move the score")
	assert.Nil(t, res.Reading)
	require.NotNil(t, res.Geofence)
	assert.Equal(t, ReadingRejected, res.Geofence.Outcome)

	_, err = te.store.LastReading(ctx, "alice", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "rejected readings are not recorded")
}

func TestEngineOverriddenReadingIsScored(t *testing.T) {
	te := newTestEngine(t, nil)

	res, err := te.engine.Analyze(context.Background(), AnalysisRequest{
		EventType:             "login",
		Fingerprint:           FingerprintInput{Hash: "dev"},
		IPAddress:             "203.0.113.10",
		SubjectID:             "alice",
		Geolocation:           &GeolocationInput{Latitude: 52.52, Longitude: 13.405, AccuracyMeters: 800, CapturedAt: te.clock.Now()},
		OverrideJustification: "warehouse roof blocks GPS",
	})
	require.NoError(t, err)

	assert.False(t, res.OverrideRequired)
	assert.Equal(t, "gps", res.GeolocationMethod)
	require.NotNil(t, res.Geofence)
	assert.Equal(t, ReadingOverridden, res.Geofence.Outcome)
	assert.Equal(t, "warehouse roof blocks GPS", res.OverrideJustification)
}

func TestEngineDerivesHashFromAttributes(t *testing.T) {
	te := newTestEngine(t, nil)
	attrs := &FingerprintAttributes{CanvasHash: "abc", Platform: "MacIntel", Timezone: "Europe/Paris"}

	res, err := te.engine.Analyze(context.Background(), AnalysisRequest{
		EventType:   "login",
		Fingerprint: FingerprintInput{RawAttributes: attrs},
		IPAddress:   "203.0.113.10",
	})
	require.NoError(t, err)
	assert.Equal(t, ComputeFingerprintHash(*attrs), res.FingerprintHash)

	res, err = te.engine.Analyze(context.Background(), AnalysisRequest{
		EventType:   "login",
		Fingerprint: FingerprintInput{Hash: "client-supplied", RawAttributes: attrs},
		IPAddress:   "203.0.113.10",
	})
	require.NoError(t, err)
	assert.Equal(t, "client-supplied", res.FingerprintHash)
}

func TestEngineRejectsInvalidRequests(t *testing.T) {
	te := newTestEngine(t, nil)
	valid := AnalysisRequest{EventType: "login", Fingerprint: FingerprintInput{Hash: "h"}, IPAddress: "203.0.113.10"}

	tests := []struct {
		name   string
		mutate func(*AnalysisRequest)
	}{
		{name: "missing event type", mutate: func(r *AnalysisRequest) { r.EventType = " " }},
		{name: "missing fingerprint", mutate: func(r *AnalysisRequest) { r.Fingerprint = FingerprintInput{} }},
		{name: "bad ip", mutate: func(r *AnalysisRequest) { r.IPAddress = "300.1.1.1" }},
		{name: "bad latitude", mutate: func(r *AnalysisRequest) { r.Geolocation = &GeolocationInput{Latitude: -91} }},
		{name: "negative accuracy", mutate: func(r *AnalysisRequest) { r.Geolocation = &GeolocationInput{AccuracyMeters: -1} }},
		{name: "bad hour", mutate: func(r *AnalysisRequest) { r.Behavior = &BehaviorMetrics{LocalHour: 24} }},
		{name: "consistency above one", mutate: func(r *AnalysisRequest) { r.Behavior = &BehaviorMetrics{TemporalConsistency: 1.5} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			res, err := te.engine.Analyze(context.Background(), req)
			assert.Nil(t, res)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
		})
	}
	assert.Empty(t, te.store.Analyses(), "invalid requests never reach the audit trail")
}

func TestEngineAnalyzerTimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	te := newTestEngine(t, func(d *Dependencies, c *Config) {
		d.Fingerprints = hangingFingerprints{MemoryStore: NewMemoryStore(), release: release}
		c.AnalyzerTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	res, err := te.engine.Analyze(context.Background(), AnalysisRequest{
		EventType:   "login",
		Fingerprint: FingerprintInput{Hash: "slow"},
		IPAddress:   "203.0.113.10",
	})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{AnalyzerFingerprint}, res.AnalyzerFallbacks)
	assert.Equal(t, 0.5, res.Scores.Fingerprint)
	assert.True(t, res.Flags.NewDevice)
	assert.Contains(t, res.Alerts, "device reputation unavailable")
}

func TestEngineStoreOutageDegrades(t *testing.T) {
	te := newTestEngine(t, func(d *Dependencies, _ *Config) {
		d.Fingerprints = brokenStore{}
		d.IPs = brokenStore{}
		d.Geofences = brokenStore{}
		d.History = brokenStore{}
		d.Audit = brokenStore{}
	})

	res, err := te.engine.Analyze(context.Background(), AnalysisRequest{
		EventType:   "login",
		Fingerprint: FingerprintInput{Hash: "dev"},
		IPAddress:   "203.0.113.10",
		SubjectID:   "alice",
		Geolocation: &GeolocationInput{Latitude: 1, Longitude: 1, AccuracyMeters: 5, CapturedAt: te.clock.Now()},
	})
	require.NoError(t, err, "store failures never fail the decision")
	assert.ElementsMatch(t, []string{AnalyzerFingerprint, AnalyzerIP}, res.AnalyzerFallbacks)
	assert.InDelta(t, 0.5*0.3+0.3*0.3+0.1*0.2+0.1*0.2, res.FinalScore, 1e-9)
}

func TestEngineCanceledContextStillDecides(t *testing.T) {
	te := newTestEngine(t, nil)
	te.provider.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := te.engine.Analyze(ctx, AnalysisRequest{
		EventType:   "login",
		Fingerprint: FingerprintInput{Hash: "dev"},
		IPAddress:   "203.0.113.10",
	})
	require.NoError(t, err)
	assert.Contains(t, res.AnalyzerFallbacks, AnalyzerIP)
	assert.Equal(t, 0.3, res.Scores.IP)
}

func TestEngineIsDeterministic(t *testing.T) {
	run := func() *AnalysisResult {
		te := newTestEngine(t, nil)
		te.engine.newID = func() string { return "fixed" }
		te.provider.set("203.0.113.5", &IPIntel{ASN: "AS9009", Org: "M247 Ltd VPN", CountryCode: "RO"})
		_, err := te.store.PutGeofence(context.Background(), Geofence{ID: "f", OwnerID: "bob", Name: "home", CenterLatitude: 45, CenterLongitude: 7, RadiusMeters: 250})
		require.NoError(t, err)

		res, err := te.engine.Analyze(context.Background(), AnalysisRequest{
			EventType:   "withdrawal",
			Fingerprint: FingerprintInput{Hash: "phone"},
			IPAddress:   "203.0.113.5",
			SubjectID:   "bob",
			Geolocation: &GeolocationInput{Latitude: 45.3, Longitude: 7.2, AccuracyMeters: 30, CapturedAt: te.clock.Now()},
			Behavior:    &BehaviorMetrics{ActionsPerMinute: 30, TemporalConsistency: 0.5, LocalHour: 3, IsWeekend: true},
		})
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, run(), run())
}

func TestEngineScoreAndConfidenceBounds(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, nil)
	te.provider.set("203.0.113.200", &IPIntel{Org: "Tor Exit Hosting", AbuseScore: 1, Proxy: true, Relay: true})
	_, err := te.store.SetDeviceStatus(ctx, "trusted", DeviceTrusted, "", te.clock.Now())
	require.NoError(t, err)

	geos := []*GeolocationInput{nil, {Latitude: 10, Longitude: 10, AccuracyMeters: 5}, {Latitude: -10, Longitude: 170, AccuracyMeters: 5000}}
	behaviors := []*BehaviorMetrics{nil, daytimeBehavior(), {ActionsPerMinute: 500, TemporalConsistency: 1, LocalHour: 4, IsWeekend: true, OutsideExpectedSchedule: true}}

	i := 0
	for _, hash := range []string{"trusted", "fresh"} {
		for _, ip := range []string{"203.0.113.200", "203.0.113.1", "10.0.0.1"} {
			for _, geo := range geos {
				for _, beh := range behaviors {
					i++
					res, err := te.engine.Analyze(ctx, AnalysisRequest{
						EventType:   "login",
						Fingerprint: FingerprintInput{Hash: hash},
						IPAddress:   ip,
						SubjectID:   fmt.Sprintf("subject-%d", i),
						Geolocation: geo,
						Behavior:    beh,
					})
					require.NoError(t, err)
					assert.False(t, math.IsNaN(res.FinalScore))
					assert.GreaterOrEqual(t, res.FinalScore, 0.0)
					assert.LessOrEqual(t, res.FinalScore, 1.0)
					assert.GreaterOrEqual(t, res.Confidence, 0.6)
					assert.LessOrEqual(t, res.Confidence, 1.0)
					assert.Equal(t, ActionFor(res.RiskTier), res.RecommendedAction)
				}
			}
		}
	}
}

func TestEngineAuditsEveryDecision(t *testing.T) {
	te := newTestEngine(t, nil)
	for i := 0; i < 3; i++ {
		_, err := te.engine.Analyze(context.Background(), AnalysisRequest{
			EventType:   "login",
			Fingerprint: FingerprintInput{Hash: "dev"},
			IPAddress:   "203.0.113.10",
		})
		require.NoError(t, err)
	}
	analyses := te.store.Analyses()
	require.Len(t, analyses, 3)
	assert.NotEqual(t, analyses[0].ID, analyses[1].ID)
	assert.Equal(t, te.clock.Now(), analyses[2].CreatedAt)
}

func TestNewEngineRejectsMissingDependencies(t *testing.T) {
	_, err := NewEngine(Dependencies{}, DefaultConfig(), nil, zap.NewNop())
	assert.Error(t, err)

	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.Tiers.Medium = 0
	_, err = NewEngine(Dependencies{Fingerprints: store, IPs: store, IPProvider: newStubProvider(), Geofences: store, History: store, Audit: store}, cfg, nil, nil)
	assert.Error(t, err)
}
