// Package risk implements adaptive antifraud scoring: device fingerprint and
// IP reputation, geofence and travel validation, behavioral analysis and the
// weighted decision that combines them.
package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/openidx/antifraud/internal/common/errors"
)

// RiskTier is the ordinal classification of a final score
type RiskTier string

const (
	TierLow      RiskTier = "LOW"
	TierMedium   RiskTier = "MEDIUM"
	TierHigh     RiskTier = "HIGH"
	TierCritical RiskTier = "CRITICAL"
)

func (t RiskTier) rank() int {
	switch t {
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	case TierCritical:
		return 3
	default:
		return 0
	}
}

// Action is what the caller is expected to enforce
type Action string

const (
	ActionAllow      Action = "ALLOW"
	ActionMonitor    Action = "MONITOR"
	ActionRequire2FA Action = "REQUIRE_2FA"
	ActionBlock      Action = "BLOCK"
)

// ActionFor maps a tier to its recommended action
func ActionFor(t RiskTier) Action {
	switch t {
	case TierMedium:
		return ActionMonitor
	case TierHigh:
		return ActionRequire2FA
	case TierCritical:
		return ActionBlock
	default:
		return ActionAllow
	}
}

// ReadingOutcome is the result of the GPS precision/staleness gate
type ReadingOutcome string

const (
	ReadingAccepted   ReadingOutcome = "ACCEPTED"
	ReadingOverridden ReadingOutcome = "OVERRIDDEN"
	ReadingRejected   ReadingOutcome = "REJECTED"
)

// Analyzer names used in fallbacks, metrics and spans
const (
	AnalyzerFingerprint = "fingerprint"
	AnalyzerIP          = "ip"
	AnalyzerGeolocation = "geolocation"
	AnalyzerBehavior    = "behavior"
)

// FingerprintAttributes are the client-derived device characteristics
type FingerprintAttributes struct {
	CanvasHash       string   `json:"canvasHash,omitempty"`
	WebGLHash        string   `json:"webglHash,omitempty"`
	AudioHash        string   `json:"audioHash,omitempty"`
	Platform         string   `json:"platform,omitempty"`
	CPUCores         int      `json:"cpuCores,omitempty"`
	DeviceMemory     float64  `json:"deviceMemory,omitempty"`
	ScreenResolution string   `json:"screenResolution,omitempty"`
	ColorDepth       int      `json:"colorDepth,omitempty"`
	Timezone         string   `json:"timezone,omitempty"`
	Locale           string   `json:"locale,omitempty"`
	Fonts            []string `json:"fonts,omitempty"`
	UserAgent        string   `json:"userAgent,omitempty"`
	Browser          string   `json:"browser,omitempty"`
	OS               string   `json:"os,omitempty"`
	DeviceClass      string   `json:"deviceClass,omitempty"`
	TouchSupport     bool     `json:"touchSupport,omitempty"`
}

// FingerprintInput carries the device hash, the raw attributes, or both
type FingerprintInput struct {
	Hash          string                 `json:"hash"`
	RawAttributes *FingerprintAttributes `json:"rawAttributes,omitempty"`
}

// GeolocationInput is a GPS reading as submitted by the client. A zero
// CapturedAt is taken to be the analysis time.
type GeolocationInput struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracyMeters"`
	CapturedAt     time.Time `json:"capturedAt"`
}

// Point returns the reading's coordinates
func (g GeolocationInput) Point() Point {
	return Point{Latitude: g.Latitude, Longitude: g.Longitude}
}

// BehaviorMetrics are client-side action timing measurements
type BehaviorMetrics struct {
	ActionsPerMinute        float64 `json:"actionsPerMinute"`
	TemporalConsistency     float64 `json:"temporalConsistency"`
	LocalHour               int     `json:"localHour"`
	IsWeekend               bool    `json:"isWeekend"`
	OutsideExpectedSchedule bool    `json:"outsideExpectedSchedule,omitempty"`
}

// AnalysisRequest is one sensitive action to be scored
type AnalysisRequest struct {
	EventType             string            `json:"eventType"`
	Fingerprint           FingerprintInput  `json:"fingerprint"`
	IPAddress             string            `json:"ipAddress"`
	SubjectID             string            `json:"subjectId,omitempty"`
	Geolocation           *GeolocationInput `json:"geolocation,omitempty"`
	Behavior              *BehaviorMetrics  `json:"behavior,omitempty"`
	OverrideJustification string            `json:"overrideJustification,omitempty"`
}

// Validate rejects malformed requests before any analyzer runs
func (r *AnalysisRequest) Validate() error {
	if strings.TrimSpace(r.EventType) == "" {
		return apperrors.ValidationError("eventType is required")
	}
	if r.Fingerprint.Hash == "" && r.Fingerprint.RawAttributes == nil {
		return apperrors.ValidationError("fingerprint hash or raw attributes are required")
	}
	if _, ok := CanonicalIP(r.IPAddress); !ok {
		return apperrors.ValidationError(fmt.Sprintf("ipAddress %q is not a valid IP", r.IPAddress))
	}
	if g := r.Geolocation; g != nil {
		if err := ValidatePoint(g.Point()); err != nil {
			return err
		}
		if math.IsNaN(g.AccuracyMeters) || g.AccuracyMeters < 0 {
			return apperrors.ValidationError("accuracyMeters must be a non-negative number")
		}
	}
	if b := r.Behavior; b != nil {
		if b.LocalHour < 0 || b.LocalHour > 23 {
			return apperrors.ValidationError("localHour must be between 0 and 23")
		}
		if math.IsNaN(b.ActionsPerMinute) || b.ActionsPerMinute < 0 {
			return apperrors.ValidationError("actionsPerMinute must be a non-negative number")
		}
		if math.IsNaN(b.TemporalConsistency) || b.TemporalConsistency < 0 || b.TemporalConsistency > 1 {
			return apperrors.ValidationError("temporalConsistency must be between 0 and 1")
		}
	}
	return nil
}

// DeviceFingerprint is the reputation record of a device hash.
// Trusted and Blocked are never both true.
type DeviceFingerprint struct {
	Hash            string    `json:"hash"`
	Trusted         bool      `json:"trusted"`
	Blocked         bool      `json:"blocked"`
	BlockReason     string    `json:"blockReason,omitempty"`
	TimesSeen       int       `json:"timesSeen"`
	LinkedSubjectID string    `json:"linkedSubjectId,omitempty"`
	FirstSeenAt     time.Time `json:"firstSeenAt"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
}

// DeviceStatus is the administrative state of a device
type DeviceStatus string

const (
	DeviceNeutral DeviceStatus = "neutral"
	DeviceTrusted DeviceStatus = "trusted"
	DeviceBlocked DeviceStatus = "blocked"
)

// IPFlags are the network classifications of an address
type IPFlags struct {
	VPN        bool `json:"vpn"`
	Proxy      bool `json:"proxy"`
	Tor        bool `json:"tor"`
	Datacenter bool `json:"datacenter"`
	Relay      bool `json:"relay"`
	Mobile     bool `json:"mobile"`
}

// IPReputationRecord is the cached reputation of one address
type IPReputationRecord struct {
	IP          string    `json:"ip"`
	ASN         string    `json:"asn,omitempty"`
	Org         string    `json:"org,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	CountryCode string    `json:"countryCode,omitempty"`
	City        string    `json:"city,omitempty"`
	Latitude    float64   `json:"latitude,omitempty"`
	Longitude   float64   `json:"longitude,omitempty"`
	Flags       IPFlags   `json:"flags"`
	AbuseScore  float64   `json:"abuseScore"`
	Blocked     bool      `json:"blocked"`
	BlockReason string    `json:"blockReason,omitempty"`
	TimesSeen   int       `json:"timesSeen"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// GeolocationReading is an immutable recorded GPS position
type GeolocationReading struct {
	ID              string    `json:"id"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	AccuracyMeters  float64   `json:"accuracyMeters"`
	CapturedAt      time.Time `json:"capturedAt"`
	SubjectID       string    `json:"subjectId,omitempty"`
	FingerprintHash string    `json:"fingerprintHash,omitempty"`
	Suspicious      bool      `json:"suspicious"`
	SuspicionReason string    `json:"suspicionReason,omitempty"`
}

// Point returns the reading's coordinates
func (r GeolocationReading) Point() Point {
	return Point{Latitude: r.Latitude, Longitude: r.Longitude}
}

// Geofence is a circular authorized area owned by a subject or group
type Geofence struct {
	ID              string  `json:"id"`
	OwnerID         string  `json:"ownerId"`
	Name            string  `json:"name"`
	CenterLatitude  float64 `json:"centerLatitude"`
	CenterLongitude float64 `json:"centerLongitude"`
	RadiusMeters    float64 `json:"radiusMeters"`
}

// Center returns the fence center
func (g Geofence) Center() Point {
	return Point{Latitude: g.CenterLatitude, Longitude: g.CenterLongitude}
}

// Validate rejects fences with bad coordinates or radius
func (g Geofence) Validate() error {
	if strings.TrimSpace(g.OwnerID) == "" {
		return apperrors.ValidationError("geofence ownerId is required")
	}
	if err := ValidatePoint(g.Center()); err != nil {
		return err
	}
	if math.IsNaN(g.RadiusMeters) || g.RadiusMeters <= 0 {
		return apperrors.ValidationError("geofence radiusMeters must be positive")
	}
	return nil
}

// SubScores are the per-analyzer scores, each in [0,1]
type SubScores struct {
	Fingerprint float64 `json:"fingerprint"`
	IP          float64 `json:"ip"`
	Geolocation float64 `json:"geolocation"`
	Behavior    float64 `json:"behavior"`
}

// Flags are the boolean findings of an analysis
type Flags struct {
	NewDevice          bool `json:"newDevice"`
	NewIP              bool `json:"newIP"`
	NewLocation        bool `json:"newLocation"`
	ImpossibleTravel   bool `json:"impossibleTravel"`
	AtypicalHour       bool `json:"atypicalHour"`
	VPNDetected        bool `json:"vpnDetected"`
	ProxyDetected      bool `json:"proxyDetected"`
	DatacenterDetected bool `json:"datacenterDetected"`
	BotDetected        bool `json:"botDetected"`
}

// AnalysisResult is the append-only record of one decision
type AnalysisResult struct {
	ID                    string              `json:"id"`
	EventType             string              `json:"eventType"`
	SubjectID             string              `json:"subjectId,omitempty"`
	FingerprintHash       string              `json:"fingerprintHash"`
	IPAddress             string              `json:"ipAddress"`
	Scores                SubScores           `json:"scores"`
	Weights               Weights             `json:"weights"`
	FinalScore            float64             `json:"finalScore"`
	RiskTier              RiskTier            `json:"riskTier"`
	RecommendedAction     Action              `json:"recommendedAction"`
	Confidence            float64             `json:"confidence"`
	Flags                 Flags               `json:"flags"`
	Alerts                []string            `json:"alerts"`
	GeolocationMethod     string              `json:"geolocationMethod"`
	LocationIdentified    bool                `json:"locationIdentified"`
	OverrideRequired      bool                `json:"overrideRequired"`
	OverrideJustification string              `json:"overrideJustification,omitempty"`
	Geofence              *GeofenceValidation `json:"geofence,omitempty"`
	Reading               *GeolocationReading `json:"reading,omitempty"`
	AnalyzerFallbacks     []string            `json:"analyzerFallbacks,omitempty"`
	CreatedAt             time.Time           `json:"createdAt"`
}

// Weights is one row of the adaptive weighting table
type Weights struct {
	Fingerprint float64 `json:"fingerprint"`
	IP          float64 `json:"ip"`
	Geolocation float64 `json:"geolocation"`
	Behavior    float64 `json:"behavior"`
}

// Sum returns the total weight
func (w Weights) Sum() float64 {
	return w.Fingerprint + w.IP + w.Geolocation + w.Behavior
}

// Apply returns the weighted sum of s, clamped to [0,1]
func (w Weights) Apply(s SubScores) float64 {
	return clamp01(s.Fingerprint*w.Fingerprint +
		s.IP*w.IP +
		s.Geolocation*w.Geolocation +
		s.Behavior*w.Behavior)
}

// TierThresholds are the lower bounds of MEDIUM, HIGH and CRITICAL
type TierThresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

// Classify maps a score to its tier
func (t TierThresholds) Classify(score float64) RiskTier {
	switch {
	case score >= t.Critical:
		return TierCritical
	case score >= t.High:
		return TierHigh
	case score >= t.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

// Config holds the scoring heuristics. Every threshold is a default, not an
// invariant, and can be overridden through service configuration.
type Config struct {
	WeightsGPS   Weights
	WeightsNoGPS Weights
	Tiers        TierThresholds

	AnalyzerTimeout time.Duration
	IPRefreshAfter  time.Duration

	ImpossibleSpeedKmh     float64
	FarDistanceMeters      float64
	ModerateDistanceMeters float64
	NewLocationKm          float64

	MaxAccuracyMeters float64
	MaxReadingAge     time.Duration

	BotActionsPerMinute float64
	BotConsistency      float64
	BotScoreThreshold   float64
}

// DefaultConfig returns the stock heuristics
func DefaultConfig() Config {
	return Config{
		WeightsGPS:             Weights{Fingerprint: 0.30, IP: 0.30, Geolocation: 0.20, Behavior: 0.20},
		WeightsNoGPS:           Weights{Fingerprint: 0.35, IP: 0.35, Geolocation: 0, Behavior: 0.30},
		Tiers:                  TierThresholds{Medium: 0.3, High: 0.6, Critical: 0.8},
		AnalyzerTimeout:        10 * time.Second,
		IPRefreshAfter:         7 * 24 * time.Hour,
		ImpossibleSpeedKmh:     1000,
		FarDistanceMeters:      500000,
		ModerateDistanceMeters: 100000,
		NewLocationKm:          50,
		MaxAccuracyMeters:      100,
		MaxReadingAge:          5 * time.Minute,
		BotActionsPerMinute:    60,
		BotConsistency:         0.95,
		BotScoreThreshold:      0.6,
	}
}

const weightTolerance = 1e-9

// Validate checks the weighting and tier invariants
func (c Config) Validate() error {
	if math.Abs(c.WeightsGPS.Sum()-1) > weightTolerance {
		return fmt.Errorf("gps weights sum to %v, want 1", c.WeightsGPS.Sum())
	}
	if math.Abs(c.WeightsNoGPS.Sum()-1) > weightTolerance {
		return fmt.Errorf("no-gps weights sum to %v, want 1", c.WeightsNoGPS.Sum())
	}
	if c.WeightsNoGPS.Geolocation != 0 {
		return fmt.Errorf("no-gps geolocation weight must be 0")
	}
	t := c.Tiers
	if !(0 < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("tier thresholds must increase within (0, 1]")
	}
	if c.AnalyzerTimeout <= 0 {
		return fmt.Errorf("analyzer timeout must be positive")
	}
	return nil
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// appendUnique appends s unless already present
func appendUnique(list []string, items ...string) []string {
	for _, s := range items {
		found := false
		for _, existing := range list {
			if existing == s {
				found = true
				break
			}
		}
		if !found {
			list = append(list, s)
		}
	}
	return list
}
