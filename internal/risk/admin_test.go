package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/openidx/antifraud/internal/common/errors"
	"github.com/openidx/antifraud/internal/common/logger"
)

func newTestAdmin(t *testing.T, store *MemoryStore, cache GeofenceInvalidator) (*Admin, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	return NewAdmin(store, store, store, cache, logger.NewAuditLogger(zap.New(core)), newFakeClock().Now), logs
}

func TestAdminDeviceTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	admin, logs := newTestAdmin(t, store, nil)

	fp, err := admin.TrustDevice(ctx, "ops@example.com", "dev-1")
	require.NoError(t, err)
	assert.True(t, fp.Trusted)

	fp, err = admin.BlockDevice(ctx, "ops@example.com", "dev-1", "account takeover")
	require.NoError(t, err)
	assert.True(t, fp.Blocked)
	assert.False(t, fp.Trusted, "blocking revokes trust")

	fp, err = admin.TrustDevice(ctx, "ops@example.com", "dev-1")
	require.NoError(t, err)
	assert.True(t, fp.Trusted)
	assert.False(t, fp.Blocked, "trusting unblocks")

	fp, err = admin.UnblockDevice(ctx, "", " dev-1 ")
	require.NoError(t, err)
	assert.False(t, fp.Trusted)
	assert.False(t, fp.Blocked)

	entries := logs.All()
	require.Len(t, entries, 4)
	block := entries[1].ContextMap()
	assert.Equal(t, "device.block", block["event_type"])
	assert.Equal(t, "ops@example.com", block["actor"])
	assert.Equal(t, "dev-1", block["resource_id"])
	assert.Equal(t, "account takeover", block["reason"])
	assert.Equal(t, "unknown", entries[3].ContextMap()["actor"])
}

func TestAdminRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	admin, logs := newTestAdmin(t, NewMemoryStore(), nil)

	_, err := admin.BlockDevice(ctx, "ops", "  ", "x")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	_, err = admin.BlockIP(ctx, "ops", "not-an-ip", "x")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	_, err = admin.ListGeofences(ctx, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	_, err = admin.PutGeofence(ctx, "ops", Geofence{OwnerID: "alice", CenterLatitude: 100, RadiusMeters: 10})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	assert.Zero(t, logs.Len(), "rejected input changes nothing and is not audited")
}

func TestAdminIPBlockCanonicalizes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	admin, _ := newTestAdmin(t, store, nil)

	rec, err := admin.BlockIP(ctx, "ops", "2001:DB8:0:0:0:0:0:1", "abuse")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", rec.IP)

	stored, err := store.GetIPRecord(ctx, "2001:db8::1")
	require.NoError(t, err)
	assert.True(t, stored.Blocked)

	rec, err = admin.UnblockIP(ctx, "ops", "2001:db8::1")
	require.NoError(t, err)
	assert.False(t, rec.Blocked)
}

func TestAdminStoreFailureIsAudited(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	admin := NewAdmin(brokenStore{}, brokenStore{}, NewMemoryStore(), nil, logger.NewAuditLogger(zap.New(core)), nil)

	_, err := admin.BlockDevice(context.Background(), "ops", "dev", "fraud")
	assert.ErrorIs(t, err, errStoreDown)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, "failure", entries[0].ContextMap()["status"])
}

func TestAdminPutGeofenceInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cached := NewCachedGeofenceProvider(store, 8, time.Hour, nil)
	admin, _ := newTestAdmin(t, store, cached)

	fences, err := cached.ListGeofences(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, fences)

	saved, err := admin.PutGeofence(ctx, "ops", Geofence{OwnerID: "alice", Name: "home", CenterLatitude: 1, CenterLongitude: 1, RadiusMeters: 50})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)

	fences, err = cached.ListGeofences(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, fences, 1)

	listed, err := admin.ListGeofences(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fences, listed)
}
