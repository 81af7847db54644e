package risk

import (
	"context"
	"time"
)

// Stores return an error coded apperrors.ErrNotFound for missing keys so
// analyzers can tell an unseen key from an unavailable store.

// FingerprintStore persists device reputation
type FingerprintStore interface {
	GetFingerprint(ctx context.Context, hash string) (*DeviceFingerprint, error)
	// TouchFingerprint records a sighting: it creates the record on first
	// sight (linking subjectID when given), otherwise increments TimesSeen
	// and sets LastSeenAt. It returns the record as it was before the
	// sighting, or nil when the hash was unseen.
	TouchFingerprint(ctx context.Context, hash, subjectID string, at time.Time) (*DeviceFingerprint, error)
	// SetDeviceStatus creates the record if needed and sets trusted/blocked
	// from status, keeping the two mutually exclusive.
	SetDeviceStatus(ctx context.Context, hash string, status DeviceStatus, reason string, at time.Time) (*DeviceFingerprint, error)
}

// IPReputationStore persists IP reputation
type IPReputationStore interface {
	GetIPRecord(ctx context.Context, ip string) (*IPReputationRecord, error)
	// SaveIPRecord upserts everything except Blocked and BlockReason, which
	// only SetIPBlocked changes on an existing record.
	SaveIPRecord(ctx context.Context, rec *IPReputationRecord) error
	SetIPBlocked(ctx context.Context, ip string, blocked bool, reason string, at time.Time) (*IPReputationRecord, error)
}

// GeofenceProvider lists the fences that apply to a subject or group
type GeofenceProvider interface {
	ListGeofences(ctx context.Context, ownerID string) ([]Geofence, error)
}

// GeofenceStore adds fence management to GeofenceProvider
type GeofenceStore interface {
	GeofenceProvider
	PutGeofence(ctx context.Context, fence Geofence) (Geofence, error)
}

// LocationHistory returns the latest recorded reading. Readings are keyed by
// subject, or by fingerprint hash when the subject is unknown.
type LocationHistory interface {
	LastReading(ctx context.Context, subjectID, fingerprintHash string) (*GeolocationReading, error)
}

// AuditSink receives every completed analysis
type AuditSink interface {
	Append(ctx context.Context, result *AnalysisResult) error
}

// IPIntel is what an external provider knows about an address
type IPIntel struct {
	ASN         string
	Org         string
	Hostname    string
	CountryCode string
	City        string
	Latitude    float64
	Longitude   float64
	AbuseScore  float64
	// Provider-reported hints, OR-ed with the keyword heuristics
	Proxy   bool
	Hosting bool
	Tor     bool
	Relay   bool
}

// ExternalIPProvider looks up an address over the network or an offline database
type ExternalIPProvider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*IPIntel, error)
}

// Clock returns the current time; injected for deterministic results
type Clock func() time.Time
