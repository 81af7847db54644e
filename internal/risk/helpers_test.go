package risk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errStoreDown = errors.New("store unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubProvider answers from a fixed table; unknown addresses get a clean
// residential answer
type stubProvider struct {
	mu      sync.Mutex
	answers map[string]*IPIntel
	err     error
	release chan struct{}
	calls   atomic.Int32
}

func newStubProvider() *stubProvider {
	return &stubProvider{answers: make(map[string]*IPIntel)}
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) set(ip string, intel *IPIntel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers[ip] = intel
}

func (p *stubProvider) Lookup(ctx context.Context, ip string) (*IPIntel, error) {
	p.calls.Add(1)
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if intel, ok := p.answers[ip]; ok {
		copied := *intel
		return &copied, nil
	}
	return &IPIntel{ASN: "AS7922", Org: "Comcast Cable Communications", CountryCode: "US"}, nil
}

// brokenStore fails every call
type brokenStore struct{}

func (brokenStore) GetFingerprint(context.Context, string) (*DeviceFingerprint, error) {
	return nil, errStoreDown
}

func (brokenStore) TouchFingerprint(context.Context, string, string, time.Time) (*DeviceFingerprint, error) {
	return nil, errStoreDown
}

func (brokenStore) SetDeviceStatus(context.Context, string, DeviceStatus, string, time.Time) (*DeviceFingerprint, error) {
	return nil, errStoreDown
}

func (brokenStore) GetIPRecord(context.Context, string) (*IPReputationRecord, error) {
	return nil, errStoreDown
}

func (brokenStore) SaveIPRecord(context.Context, *IPReputationRecord) error {
	return errStoreDown
}

func (brokenStore) SetIPBlocked(context.Context, string, bool, string, time.Time) (*IPReputationRecord, error) {
	return nil, errStoreDown
}

func (brokenStore) ListGeofences(context.Context, string) ([]Geofence, error) {
	return nil, errStoreDown
}

func (brokenStore) LastReading(context.Context, string, string) (*GeolocationReading, error) {
	return nil, errStoreDown
}

func (brokenStore) Append(context.Context, *AnalysisResult) error {
	return errStoreDown
}

// hangingFingerprints ignores its context and blocks until the test ends
type hangingFingerprints struct {
	*MemoryStore
	release chan struct{}
}

func (h hangingFingerprints) TouchFingerprint(context.Context, string, string, time.Time) (*DeviceFingerprint, error) {
	<-h.release
	return nil, nil
}

type testEngine struct {
	engine   *Engine
	store    *MemoryStore
	clock    *fakeClock
	provider *stubProvider
}

func newTestEngine(t *testing.T, mutate func(*Dependencies, *Config)) *testEngine {
	t.Helper()

	store := NewMemoryStore()
	clock := newFakeClock()
	provider := newStubProvider()
	deps := Dependencies{
		Fingerprints: store,
		IPs:          store,
		IPProvider:   provider,
		Geofences:    store,
		History:      store,
		Audit:        store,
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	engine, err := NewEngine(deps, cfg, clock.Now, zap.NewNop())
	require.NoError(t, err)
	return &testEngine{engine: engine, store: store, clock: clock, provider: provider}
}

func daytimeBehavior() *BehaviorMetrics {
	return &BehaviorMetrics{ActionsPerMinute: 6, TemporalConsistency: 0.4, LocalHour: 14}
}

var (
	newYork = Point{Latitude: 40.7128, Longitude: -74.0060}
	london  = Point{Latitude: 51.5074, Longitude: -0.1278}
)
