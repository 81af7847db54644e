package risk

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/openidx/antifraud/internal/common/errors"
	"github.com/openidx/antifraud/internal/common/logger"
)

// GeofenceInvalidator drops cached fence lists; *CachedGeofenceProvider satisfies it
type GeofenceInvalidator interface {
	Invalidate(ownerID string)
}

// Admin applies operator decisions to the reputation stores. Every change is
// written to the audit log, successful or not.
type Admin struct {
	devices     FingerprintStore
	ips         IPReputationStore
	fences      GeofenceStore
	fenceCache  GeofenceInvalidator
	auditLogger *logger.AuditLogger
	now         Clock
}

// NewAdmin creates an Admin. Pass the cache-wrapped IP store so a block is
// visible to the analyzer at once. fenceCache may be nil.
func NewAdmin(devices FingerprintStore, ips IPReputationStore, fences GeofenceStore, fenceCache GeofenceInvalidator, audit *logger.AuditLogger, now Clock) *Admin {
	if now == nil {
		now = time.Now
	}
	return &Admin{
		devices:     devices,
		ips:         ips,
		fences:      fences,
		fenceCache:  fenceCache,
		auditLogger: audit,
		now:         now,
	}
}

// BlockDevice blocks hash; a trusted device loses its trust
func (a *Admin) BlockDevice(ctx context.Context, actor, hash, reason string) (*DeviceFingerprint, error) {
	return a.setDevice(ctx, actor, hash, DeviceBlocked, "block", reason)
}

// TrustDevice trusts hash; a blocked device is unblocked
func (a *Admin) TrustDevice(ctx context.Context, actor, hash string) (*DeviceFingerprint, error) {
	return a.setDevice(ctx, actor, hash, DeviceTrusted, "trust", "")
}

// UnblockDevice returns hash to the neutral state
func (a *Admin) UnblockDevice(ctx context.Context, actor, hash string) (*DeviceFingerprint, error) {
	return a.setDevice(ctx, actor, hash, DeviceNeutral, "unblock", "")
}

func (a *Admin) setDevice(ctx context.Context, actor, hash string, status DeviceStatus, action, reason string) (*DeviceFingerprint, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, apperrors.ValidationError("fingerprint hash is required")
	}
	fp, err := a.devices.SetDeviceStatus(ctx, hash, status, reason, a.now())
	a.record(actor, "device", hash, action, reason, err)
	return fp, err
}

// BlockIP blocks ip, creating its record if it was never seen
func (a *Admin) BlockIP(ctx context.Context, actor, ip, reason string) (*IPReputationRecord, error) {
	return a.setIP(ctx, actor, ip, true, "block", reason)
}

// UnblockIP clears the block on ip
func (a *Admin) UnblockIP(ctx context.Context, actor, ip string) (*IPReputationRecord, error) {
	return a.setIP(ctx, actor, ip, false, "unblock", "")
}

func (a *Admin) setIP(ctx context.Context, actor, ip string, blocked bool, action, reason string) (*IPReputationRecord, error) {
	canonical, ok := CanonicalIP(ip)
	if !ok {
		return nil, apperrors.ValidationError("invalid ip address: " + ip)
	}
	ip = canonical
	rec, err := a.ips.SetIPBlocked(ctx, ip, blocked, reason, a.now())
	a.record(actor, "ip", ip, action, reason, err)
	return rec, err
}

// PutGeofence creates or replaces a fence
func (a *Admin) PutGeofence(ctx context.Context, actor string, fence Geofence) (Geofence, error) {
	if err := fence.Validate(); err != nil {
		return Geofence{}, err
	}
	saved, err := a.fences.PutGeofence(ctx, fence)
	if err == nil && a.fenceCache != nil {
		a.fenceCache.Invalidate(fence.OwnerID)
	}
	a.record(actor, "geofence", saved.ID, "put", fence.OwnerID, err)
	return saved, err
}

// ListGeofences returns the fences of ownerID straight from the store
func (a *Admin) ListGeofences(ctx context.Context, ownerID string) ([]Geofence, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperrors.ValidationError("owner id is required")
	}
	return a.fences.ListGeofences(ctx, ownerID)
}

func (a *Admin) record(actor, resource, id, action, reason string, err error) {
	if a.auditLogger == nil {
		return
	}
	if actor == "" {
		actor = "unknown"
	}
	a.auditLogger.LogReputationChange(actor, resource, id, action, reason, err)
}
