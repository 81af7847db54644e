package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/openidx/antifraud/internal/common/errors"
	"github.com/openidx/antifraud/internal/common/logger"
	"github.com/openidx/antifraud/internal/metrics"
)

const (
	baseConfidence      = 0.7
	gpsConfidenceBonus  = 0.2
	noGPSConfidenceCost = 0.1
	trustedDeviceBonus  = 0.1
	minConfidence       = 0.6
	maxConfidence       = 1.0
	geolocationGPS      = "gps"
	geolocationNone     = "none"
)

// Fallback reasons reported in metrics
const (
	fallbackTimeout  = "timeout"
	fallbackCanceled = "canceled"
	fallbackError    = "error"
)

// Dependencies are the collaborators of an Engine
type Dependencies struct {
	Fingerprints FingerprintStore
	IPs          IPReputationStore
	IPProvider   ExternalIPProvider
	Geofences    GeofenceProvider
	History      LocationHistory
	Audit        AuditSink
}

func (d Dependencies) validate() error {
	switch {
	case d.Fingerprints == nil:
		return errors.New("fingerprint store is required")
	case d.IPs == nil:
		return errors.New("ip reputation store is required")
	case d.IPProvider == nil:
		return errors.New("ip provider is required")
	case d.Geofences == nil:
		return errors.New("geofence provider is required")
	case d.History == nil:
		return errors.New("location history is required")
	case d.Audit == nil:
		return errors.New("audit sink is required")
	}
	return nil
}

// Engine runs the four analyzers concurrently and combines their scores
// into a decision. It holds no per-request state.
type Engine struct {
	cfg         Config
	fingerprint *FingerprintAnalyzer
	ip          *IPReputationAnalyzer
	geofence    *GeofenceValidator
	behavior    *BehavioralAnalyzer
	audit       AuditSink
	now         Clock
	newID       func() string
	tracer      trace.Tracer
	logger      *zap.Logger
}

// NewEngine wires the analyzers over deps
func NewEngine(deps Dependencies, cfg Config, now Clock, log *zap.Logger) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk config: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}

	ipAnalyzer := NewIPReputationAnalyzer(deps.IPs, deps.IPProvider, cfg.IPRefreshAfter, now, log)
	ipAnalyzer.lookupTimeout = cfg.AnalyzerTimeout

	return &Engine{
		cfg:         cfg,
		fingerprint: NewFingerprintAnalyzer(deps.Fingerprints, now, log),
		ip:          ipAnalyzer,
		geofence:    NewGeofenceValidator(deps.Geofences, deps.History, cfg, now, log),
		behavior:    NewBehavioralAnalyzer(cfg),
		audit:       deps.Audit,
		now:         now,
		newID:       uuid.NewString,
		tracer:      otel.Tracer("github.com/openidx/antifraud/internal/risk"),
		logger:      log.With(zap.String("component", "risk_engine")),
	}, nil
}

// Geofences exposes the validator for the standalone validation endpoint
func (e *Engine) Geofences() *GeofenceValidator {
	return e.geofence
}

// geoOutcome carries the validation together with the annotated reading
type geoOutcome struct {
	validation GeofenceValidation
	reading    GeolocationReading
}

// Analyze scores req. The only error is a ValidationError for a malformed
// request; analyzer failures degrade to fallback scores.
func (e *Engine) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.IPAddress, _ = CanonicalIP(req.IPAddress)

	ctx, span := e.tracer.Start(ctx, "risk.Analyze",
		trace.WithAttributes(attribute.String("risk.event_type", req.EventType)))
	defer span.End()

	now := e.now()
	hash := req.Fingerprint.Hash
	if hash == "" {
		hash = ComputeFingerprintHash(*req.Fingerprint.RawAttributes)
	}

	result := &AnalysisResult{
		ID:                    e.newID(),
		EventType:             req.EventType,
		SubjectID:             req.SubjectID,
		FingerprintHash:       hash,
		IPAddress:             req.IPAddress,
		Alerts:                []string{},
		GeolocationMethod:     geolocationNone,
		OverrideJustification: req.OverrideJustification,
		CreatedAt:             now,
	}
	log := logger.WithTraceContext(logger.WithAnalysis(e.logger, result.ID, req.EventType), ctx)

	var (
		reading       *GeolocationReading
		outcome       ReadingOutcome
		gateRejection string
	)
	if req.Geolocation != nil {
		outcome, gateRejection = e.geofence.Gate(*req.Geolocation, req.OverrideJustification)
		metrics.RecordReading(string(outcome))
		if outcome == ReadingRejected {
			result.OverrideRequired = true
			result.Geofence = &GeofenceValidation{Outcome: outcome, RejectionReason: gateRejection, Fences: []FenceDistance{}}
			result.Alerts = appendUnique(result.Alerts, "geolocation reading rejected: "+gateRejection)
			log.Info("Geolocation reading rejected", zap.String("reason", gateRejection))
		} else {
			if outcome == ReadingOverridden {
				result.Alerts = appendUnique(result.Alerts, "geolocation accepted by override: "+gateRejection)
			}
			reading = newReading(*req.Geolocation, req.SubjectID, hash, now)
			reading.ID = e.newID()
		}
	}

	var (
		fp  FingerprintResult
		ip  IPResult
		geo geoOutcome
		beh BehaviorResult
	)
	fallbacks := make([]string, 4)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fp, fallbacks[0] = runAnalyzer(gctx, e, AnalyzerFingerprint, e.fingerprint.Fallback, func(ctx context.Context) FingerprintResult {
			return e.fingerprint.Analyze(ctx, hash, req.SubjectID)
		})
		if fp.Degraded && fallbacks[0] == "" {
			fallbacks[0] = fallbackError
		}
		return nil
	})
	g.Go(func() error {
		ip, fallbacks[1] = runAnalyzer(gctx, e, AnalyzerIP, e.ip.Fallback, func(ctx context.Context) IPResult {
			return e.ip.Analyze(ctx, req.IPAddress)
		})
		if ip.Degraded && fallbacks[1] == "" {
			fallbacks[1] = fallbackError
		}
		return nil
	})
	if reading != nil {
		g.Go(func() error {
			fallbackGeo := func() geoOutcome { return geoOutcome{validation: e.geofence.Fallback(), reading: *reading} }
			geo, fallbacks[2] = runAnalyzer(gctx, e, AnalyzerGeolocation, fallbackGeo, func(ctx context.Context) geoOutcome {
				// The analyzer annotates its own copy; after a timeout it may still be running.
				r := *reading
				v := e.geofence.Analyze(ctx, &r)
				return geoOutcome{validation: v, reading: r}
			})
			return nil
		})
	}
	g.Go(func() error {
		beh, fallbacks[3] = runAnalyzer(gctx, e, AnalyzerBehavior, e.behavior.Fallback, func(context.Context) BehaviorResult {
			return e.behavior.Analyze(req.Behavior)
		})
		return nil
	})
	_ = g.Wait()

	names := []string{AnalyzerFingerprint, AnalyzerIP, AnalyzerGeolocation, AnalyzerBehavior}
	for i, reason := range fallbacks {
		if reason == "" {
			continue
		}
		result.AnalyzerFallbacks = append(result.AnalyzerFallbacks, names[i])
		if reason == fallbackError {
			metrics.RecordFallback(names[i], reason)
		}
	}

	useGPS := reading != nil
	// Without a usable reading the location is unknown; its weight is zero.
	result.Scores = SubScores{Fingerprint: fp.Score, IP: ip.Score, Geolocation: geoUnknownScore, Behavior: beh.Score}
	result.Weights = e.cfg.WeightsNoGPS
	if useGPS {
		r := geo.reading
		v := geo.validation
		v.Outcome = outcome
		v.RejectionReason = gateRejection
		result.Reading = &r
		result.Geofence = &v
		result.Scores.Geolocation = v.Score
		result.Weights = e.cfg.WeightsGPS
		result.GeolocationMethod = geolocationGPS
		result.LocationIdentified = true
	}

	result.FinalScore = result.Weights.Apply(result.Scores)
	result.RiskTier = e.decideTier(result.FinalScore, fp, ip, geo.validation.ImpossibleTravel && useGPS, beh.BotDetected)
	result.RecommendedAction = ActionFor(result.RiskTier)
	result.Confidence = computeConfidence(useGPS, fp.IsTrusted)
	result.Flags = Flags{
		NewDevice:          fp.IsNew,
		NewIP:              ip.IsNew,
		NewLocation:        useGPS && geo.validation.NewLocation,
		ImpossibleTravel:   useGPS && geo.validation.ImpossibleTravel,
		AtypicalHour:       beh.AtypicalHour,
		VPNDetected:        ip.Flags.VPN,
		ProxyDetected:      ip.Flags.Proxy,
		DatacenterDetected: ip.Flags.Datacenter,
		BotDetected:        beh.BotDetected,
	}

	result.Alerts = appendUnique(result.Alerts, fp.Alerts...)
	result.Alerts = appendUnique(result.Alerts, ip.Alerts...)
	if useGPS {
		result.Alerts = appendUnique(result.Alerts, geo.validation.Alerts...)
	}
	result.Alerts = appendUnique(result.Alerts, beh.Alerts...)

	if fp.IsBlocked || ip.IsBlocked {
		log.Warn("Fatal policy condition", zap.Error(apperrors.FatalPolicy(blockedReason(fp, ip))))
	}

	span.SetAttributes(
		attribute.Float64("risk.final_score", result.FinalScore),
		attribute.String("risk.tier", string(result.RiskTier)),
		attribute.String("risk.action", string(result.RecommendedAction)),
		attribute.StringSlice("risk.fallbacks", result.AnalyzerFallbacks),
	)
	metrics.RecordDecision(req.EventType, string(result.RiskTier), string(result.RecommendedAction), result.FinalScore)

	// The decision stands even if the audit trail cannot take it.
	if err := e.audit.Append(context.WithoutCancel(ctx), result); err != nil {
		log.Warn("Failed to append analysis to audit trail", zap.Error(err))
	}

	log.Info("Risk analysis completed",
		zap.String("subject_id", req.SubjectID),
		zap.Float64("final_score", result.FinalScore),
		zap.String("risk_tier", string(result.RiskTier)),
		zap.String("action", string(result.RecommendedAction)),
		zap.Float64("confidence", result.Confidence),
		zap.String("geolocation_method", result.GeolocationMethod),
		zap.Strings("fallbacks", result.AnalyzerFallbacks))

	return result, nil
}

// decideTier classifies the score, then applies the escalation floors and
// the fatal override
func (e *Engine) decideTier(score float64, fp FingerprintResult, ip IPResult, impossibleTravel, bot bool) RiskTier {
	if fp.IsBlocked || ip.IsBlocked {
		return TierCritical
	}
	tier := e.cfg.Tiers.Classify(score)
	if impossibleTravel && tier.rank() < TierHigh.rank() {
		tier = TierHigh
	}
	if bot && tier.rank() < TierMedium.rank() {
		tier = TierMedium
	}
	return tier
}

func computeConfidence(gps, trusted bool) float64 {
	c := baseConfidence
	if gps {
		c += gpsConfidenceBonus
	} else {
		c -= noGPSConfidenceCost
	}
	if trusted {
		c += trustedDeviceBonus
	}
	return clamp(c, minConfidence, maxConfidence)
}

func blockedReason(fp FingerprintResult, ip IPResult) string {
	switch {
	case fp.IsBlocked && ip.IsBlocked:
		return "blocked device and blocked IP"
	case fp.IsBlocked:
		return "blocked device"
	default:
		return "blocked IP"
	}
}

// runAnalyzer runs fn under the analyzer timeout in its own goroutine. If fn
// does not return before the deadline or cancellation, the fallback is used
// and fn is abandoned. The second return value is the fallback reason, empty
// when fn completed.
func runAnalyzer[T any](ctx context.Context, e *Engine, name string, fallback func() T, fn func(context.Context) T) (T, string) {
	ctx, span := e.tracer.Start(ctx, "risk.analyzer."+name)
	defer span.End()

	start := time.Now()
	v, err := runWithTimeout(ctx, e.cfg.AnalyzerTimeout, fn)
	metrics.ObserveAnalyzer(name, time.Since(start))
	if err == nil {
		return v, ""
	}

	reason := fallbackTimeout
	if errors.Is(err, context.Canceled) {
		reason = fallbackCanceled
	}
	metrics.RecordFallback(name, reason)
	span.SetStatus(codes.Error, reason)
	logger.WithTraceContext(e.logger, ctx).Warn("Analyzer did not finish, using fallback",
		zap.String("analyzer", name),
		zap.String("reason", reason))
	return fallback(), reason
}

func runWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) T) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan T, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case v := <-done:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
