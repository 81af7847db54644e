package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFingerprintAnalyzer(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore()
	a := NewFingerprintAnalyzer(store, clock.Now, zap.NewNop())

	first := a.Analyze(ctx, "dev-1", "alice")
	assert.Equal(t, 0.3, first.Score)
	assert.True(t, first.IsNew)
	assert.Equal(t, []string{"new device"}, first.Alerts)

	linked := a.Analyze(ctx, "dev-1", "alice")
	assert.Equal(t, 0.1, linked.Score)
	assert.False(t, linked.IsNew)
	assert.Empty(t, linked.Alerts)

	other := a.Analyze(ctx, "dev-1", "bob")
	assert.Equal(t, 0.2, other.Score)
	assert.Contains(t, other.Alerts, "device not linked to subject")

	fp, err := store.GetFingerprint(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 3, fp.TimesSeen)
	assert.Equal(t, "alice", fp.LinkedSubjectID)
}

func TestFingerprintAnalyzerStatus(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore()
	a := NewFingerprintAnalyzer(store, clock.Now, zap.NewNop())

	_, err := store.SetDeviceStatus(ctx, "blocked", DeviceBlocked, "card testing", clock.Now())
	require.NoError(t, err)
	_, err = store.SetDeviceStatus(ctx, "trusted", DeviceTrusted, "", clock.Now())
	require.NoError(t, err)

	blocked := a.Analyze(ctx, "blocked", "")
	assert.Equal(t, 1.0, blocked.Score)
	assert.True(t, blocked.IsBlocked)

	trusted := a.Analyze(ctx, "trusted", "someone")
	assert.Equal(t, 0.0, trusted.Score)
	assert.True(t, trusted.IsTrusted)
}

func TestFingerprintAnalyzerStoreFailure(t *testing.T) {
	a := NewFingerprintAnalyzer(brokenStore{}, nil, zap.NewNop())
	res := a.Analyze(context.Background(), "dev-1", "alice")
	assert.Equal(t, 0.5, res.Score)
	assert.True(t, res.IsNew)
	assert.True(t, res.Degraded)
}

func TestComputeFingerprintHash(t *testing.T) {
	base := FingerprintAttributes{
		CanvasHash:       "c1",
		WebGLHash:        "w1",
		Platform:         "Win32",
		CPUCores:         8,
		DeviceMemory:     8,
		ScreenResolution: "1920 x 1080",
		ColorDepth:       24,
		Timezone:         "Europe/Berlin",
		Locale:           "de-DE",
		Fonts:            []string{"Arial", "Verdana", "Consolas"},
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.109 Safari/537.36",
	}
	h := ComputeFingerprintHash(base)
	assert.Len(t, h, 64)

	minorUpdate := base
	minorUpdate.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.217 Safari/537.36"
	minorUpdate.Fonts = []string{"consolas", "Verdana ", "arial"}
	minorUpdate.ScreenResolution = "1920x1080"
	assert.Equal(t, h, ComputeFingerprintHash(minorUpdate))

	majorUpdate := base
	majorUpdate.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.6167.85 Safari/537.36"
	assert.NotEqual(t, h, ComputeFingerprintHash(majorUpdate))

	otherCanvas := base
	otherCanvas.CanvasHash = "c2"
	assert.NotEqual(t, h, ComputeFingerprintHash(otherCanvas))
}

func TestNormalizeTimezone(t *testing.T) {
	assert.Equal(t, "utc", normalizeTimezone(""))
	assert.Equal(t, "utc", normalizeTimezone("GMT"))
	assert.Equal(t, "america/new_york", normalizeTimezone("America/New_York"))
}
