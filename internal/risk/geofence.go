package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/openidx/antifraud/internal/common/errors"
	"github.com/openidx/antifraud/internal/common/logger"
)

// Geolocation sub-scores
const (
	geoImpossibleTravelScore = 0.9
	geoFarScore              = 0.3
	geoModerateScore         = 0.1
	geoUnknownScore          = 0.1
)

// FenceDistance is the position of a reading relative to one fence
type FenceDistance struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distanceMeters"`
	RadiusMeters   float64 `json:"radiusMeters"`
	Inside         bool    `json:"inside"`
}

// GeofenceValidation is the geolocation sub-result
type GeofenceValidation struct {
	Outcome                    ReadingOutcome  `json:"outcome"`
	RejectionReason            string          `json:"rejectionReason,omitempty"`
	Score                      float64         `json:"score"`
	InsideAny                  bool            `json:"insideAny"`
	NearestDistanceMeters      *float64        `json:"nearestDistanceMeters,omitempty"`
	NearestFence               *FenceDistance  `json:"nearestFence,omitempty"`
	Fences                     []FenceDistance `json:"fences"`
	ImpossibleTravel           bool            `json:"impossibleTravel"`
	TravelSpeedKmh             *float64        `json:"travelSpeedKmh,omitempty"`
	DistanceFromPreviousMeters *float64        `json:"distanceFromPreviousMeters,omitempty"`
	NewLocation                bool            `json:"newLocation"`
	Alerts                     []string        `json:"alerts,omitempty"`
	Degraded                   bool            `json:"-"`
}

// GeofenceValidator checks geofence containment and travel plausibility
type GeofenceValidator struct {
	fences  GeofenceProvider
	history LocationHistory
	cfg     Config
	now     Clock
	logger  *zap.Logger
}

// NewGeofenceValidator creates a GeofenceValidator
func NewGeofenceValidator(fences GeofenceProvider, history LocationHistory, cfg Config, now Clock, log *zap.Logger) *GeofenceValidator {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GeofenceValidator{
		fences:  fences,
		history: history,
		cfg:     cfg,
		now:     now,
		logger:  log.With(zap.String("component", "geofence_validator")),
	}
}

// Fallback is the result used when the validator cannot finish in time
func (v *GeofenceValidator) Fallback() GeofenceValidation {
	return GeofenceValidation{
		Outcome:  ReadingAccepted,
		Score:    geoUnknownScore,
		Fences:   []FenceDistance{},
		Alerts:   []string{"geofence validation unavailable"},
		Degraded: true,
	}
}

// Gate applies the precision and staleness bounds. An out-of-bounds reading
// passes only with a non-blank justification.
func (v *GeofenceValidator) Gate(in GeolocationInput, justification string) (ReadingOutcome, string) {
	var reasons []string
	if in.AccuracyMeters > v.cfg.MaxAccuracyMeters {
		reasons = append(reasons, fmt.Sprintf("accuracy %.0fm exceeds %.0fm", in.AccuracyMeters, v.cfg.MaxAccuracyMeters))
	}
	if !in.CapturedAt.IsZero() {
		if age := v.now().Sub(in.CapturedAt); age > v.cfg.MaxReadingAge {
			reasons = append(reasons, fmt.Sprintf("reading is %s old, max %s", age.Round(time.Second), v.cfg.MaxReadingAge))
		}
	}

	if len(reasons) == 0 {
		return ReadingAccepted, ""
	}
	reason := strings.Join(reasons, "; ")
	if strings.TrimSpace(justification) != "" {
		return ReadingOverridden, reason
	}
	return ReadingRejected, reason
}

// Analyze loads the subject's fences and previous reading, then evaluates
// the reading. Lookup failures degrade to "no fences" / "no previous reading".
func (v *GeofenceValidator) Analyze(ctx context.Context, reading *GeolocationReading) GeofenceValidation {
	log := logger.WithTraceContext(v.logger, ctx)

	var fences []Geofence
	if reading.SubjectID != "" {
		var err error
		fences, err = v.fences.ListGeofences(ctx, reading.SubjectID)
		if err != nil {
			log.Warn("Geofence lookup failed, validating without fences", zap.Error(err))
			fences = nil
		}
	}

	prev, err := v.history.LastReading(ctx, reading.SubjectID, reading.FingerprintHash)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			log.Warn("Location history lookup failed, skipping travel check", zap.Error(err))
		}
		prev = nil
	}

	result := v.Evaluate(reading, fences, prev)
	if result.ImpossibleTravel {
		log.Warn("Impossible travel detected",
			zap.String("subject_id", reading.SubjectID),
			zap.String("reason", reading.SuspicionReason))
	}
	return result
}

// Evaluate is the pure scoring step. It marks reading suspicious when the
// travel from prev is impossible.
func (v *GeofenceValidator) Evaluate(reading *GeolocationReading, fences []Geofence, prev *GeolocationReading) GeofenceValidation {
	here := reading.Point()
	result := GeofenceValidation{Outcome: ReadingAccepted, Fences: make([]FenceDistance, 0, len(fences))}

	nearest := math.Inf(1)
	for _, f := range fences {
		d := DistanceMeters(here, f.Center())
		fd := FenceDistance{
			ID:             f.ID,
			Name:           f.Name,
			DistanceMeters: math.Round(d),
			RadiusMeters:   f.RadiusMeters,
			Inside:         d <= f.RadiusMeters,
		}
		result.Fences = append(result.Fences, fd)
		result.InsideAny = result.InsideAny || fd.Inside
		if d < nearest {
			nearest = d
			n := fd
			result.NearestFence = &n
		}
	}
	if len(fences) > 0 {
		result.NearestDistanceMeters = &nearest
	}

	var fromPrev float64
	if prev != nil {
		fromPrev = DistanceMeters(prev.Point(), here)
		result.DistanceFromPreviousMeters = &fromPrev

		elapsed := math.Abs(reading.CapturedAt.Sub(prev.CapturedAt).Seconds())
		speed := RequiredSpeedKmh(fromPrev, elapsed)
		if !math.IsInf(speed, 0) {
			s := speed
			result.TravelSpeedKmh = &s
		}
		if speed > v.cfg.ImpossibleSpeedKmh {
			result.ImpossibleTravel = true
			reading.Suspicious = true
			reading.SuspicionReason = fmt.Sprintf("impossible travel: %.0f km in %s",
				fromPrev/1000, time.Duration(elapsed*float64(time.Second)).Round(time.Second))
		}
	}
	result.NewLocation = prev == nil || fromPrev > v.cfg.NewLocationKm*1000

	switch {
	case result.ImpossibleTravel:
		result.Score = geoImpossibleTravelScore
		result.Alerts = append(result.Alerts, "impossible travel")
	case len(fences) > 0:
		result.Score = v.distanceScore(nearest)
	case prev != nil:
		result.Score = v.distanceScore(fromPrev)
	default:
		result.Score = geoUnknownScore
	}

	if len(fences) > 0 && !result.InsideAny {
		result.Alerts = append(result.Alerts, "outside all geofences")
	}
	if result.NewLocation {
		result.Alerts = append(result.Alerts, "new location")
	}
	return result
}

func (v *GeofenceValidator) distanceScore(d float64) float64 {
	switch {
	case d > v.cfg.FarDistanceMeters:
		return geoFarScore
	case d > v.cfg.ModerateDistanceMeters:
		return geoModerateScore
	default:
		return 0
	}
}

// ValidateReading is the standalone check behind the geofence endpoint. It
// does not record the reading. A rejected reading yields an
// OverrideRequired error together with the rejection details.
func (v *GeofenceValidator) ValidateReading(ctx context.Context, subjectID, fingerprintHash string, in GeolocationInput, justification string) (*GeofenceValidation, error) {
	if err := ValidatePoint(in.Point()); err != nil {
		return nil, err
	}

	outcome, reason := v.Gate(in, justification)
	if outcome == ReadingRejected {
		return &GeofenceValidation{Outcome: outcome, RejectionReason: reason, Fences: []FenceDistance{}},
			apperrors.OverrideRequired(reason)
	}

	reading := newReading(in, subjectID, fingerprintHash, v.now())
	result := v.Analyze(ctx, reading)
	result.Outcome = outcome
	result.RejectionReason = reason
	return &result, nil
}

func newReading(in GeolocationInput, subjectID, fingerprintHash string, now time.Time) *GeolocationReading {
	captured := in.CapturedAt
	if captured.IsZero() {
		captured = now
	}
	return &GeolocationReading{
		Latitude:        in.Latitude,
		Longitude:       in.Longitude,
		AccuracyMeters:  in.AccuracyMeters,
		CapturedAt:      captured,
		SubjectID:       subjectID,
		FingerprintHash: fingerprintHash,
	}
}
