package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openidx/antifraud/internal/common/logger"
)

// Fingerprint sub-scores
const (
	fingerprintBlockedScore  = 1.0
	fingerprintNewScore      = 0.3
	fingerprintTrustedScore  = 0.0
	fingerprintLinkedScore   = 0.1
	fingerprintUnknownScore  = 0.2
	fingerprintFallbackScore = 0.5
)

// FingerprintResult is the device reputation sub-result
type FingerprintResult struct {
	Score     float64  `json:"score"`
	IsNew     bool     `json:"isNew"`
	IsBlocked bool     `json:"isBlocked"`
	IsTrusted bool     `json:"isTrusted"`
	Alerts    []string `json:"alerts,omitempty"`
	Degraded  bool     `json:"-"`
}

// FingerprintAnalyzer scores device trust and novelty
type FingerprintAnalyzer struct {
	store  FingerprintStore
	now    Clock
	logger *zap.Logger
}

// NewFingerprintAnalyzer creates a FingerprintAnalyzer
func NewFingerprintAnalyzer(store FingerprintStore, now Clock, log *zap.Logger) *FingerprintAnalyzer {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FingerprintAnalyzer{
		store:  store,
		now:    now,
		logger: log.With(zap.String("component", "fingerprint_analyzer")),
	}
}

// Fallback is the result used when the store is unavailable or too slow
func (a *FingerprintAnalyzer) Fallback() FingerprintResult {
	return FingerprintResult{
		Score:    fingerprintFallbackScore,
		IsNew:    true,
		Alerts:   []string{"device reputation unavailable"},
		Degraded: true,
	}
}

// Analyze records the sighting and scores the device. Store failures are
// absorbed into Fallback.
func (a *FingerprintAnalyzer) Analyze(ctx context.Context, hash, subjectID string) FingerprintResult {
	prev, err := a.store.TouchFingerprint(ctx, hash, subjectID, a.now())
	if err != nil {
		logger.WithTraceContext(a.logger, ctx).Warn("Fingerprint store unavailable, using fallback score",
			zap.String("fingerprint", shortHash(hash)),
			zap.Error(err))
		return a.Fallback()
	}

	switch {
	case prev == nil:
		return FingerprintResult{Score: fingerprintNewScore, IsNew: true, Alerts: []string{"new device"}}
	case prev.Blocked:
		return FingerprintResult{Score: fingerprintBlockedScore, IsBlocked: true, Alerts: []string{"blocked device"}}
	case prev.Trusted:
		return FingerprintResult{Score: fingerprintTrustedScore, IsTrusted: true}
	case subjectID != "" && prev.LinkedSubjectID == subjectID:
		return FingerprintResult{Score: fingerprintLinkedScore}
	default:
		return FingerprintResult{Score: fingerprintUnknownScore, Alerts: []string{"device not linked to subject"}}
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

var (
	uaBrowserVersion = regexp.MustCompile(`(chrome|firefox|safari|edge|edg|opera|opr|version)/(\d+)(\.[\d.]+)?`)
	uaWindows        = regexp.MustCompile(`windows nt [\d.]+`)
	uaMacOS          = regexp.MustCompile(`mac os x [\d_.]+`)
	uaAndroid        = regexp.MustCompile(`android [\d.]+`)
	screenSeparator  = regexp.MustCompile(`\s*[x×*]\s*`)
)

// ComputeFingerprintHash derives a stable device hash from client attributes.
// Attributes that churn on browser updates are normalized first.
func ComputeFingerprintHash(attrs FingerprintAttributes) string {
	fonts := make([]string, 0, len(attrs.Fonts))
	for _, f := range attrs.Fonts {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			fonts = append(fonts, f)
		}
	}
	sort.Strings(fonts)

	components := []string{
		attrs.CanvasHash,
		attrs.WebGLHash,
		attrs.AudioHash,
		strings.ToLower(strings.TrimSpace(attrs.Platform)),
		strconv.Itoa(attrs.CPUCores),
		strconv.FormatFloat(attrs.DeviceMemory, 'f', -1, 64),
		normalizeScreenRes(attrs.ScreenResolution),
		strconv.Itoa(attrs.ColorDepth),
		normalizeTimezone(attrs.Timezone),
		strings.ToLower(strings.TrimSpace(attrs.Locale)),
		strings.Join(fonts, ","),
		normalizeUserAgent(attrs.UserAgent),
		strings.ToLower(attrs.Browser),
		strings.ToLower(attrs.OS),
		strings.ToLower(attrs.DeviceClass),
		strconv.FormatBool(attrs.TouchSupport),
	}

	sum := sha256.Sum256([]byte(strings.Join(components, "|")))
	return hex.EncodeToString(sum[:])
}

// normalizeUserAgent keeps browser family and major version only
func normalizeUserAgent(ua string) string {
	ua = strings.ToLower(strings.TrimSpace(ua))
	ua = uaBrowserVersion.ReplaceAllString(ua, "$1/$2")
	ua = uaWindows.ReplaceAllString(ua, "windows nt")
	ua = uaMacOS.ReplaceAllString(ua, "mac os x")
	ua = uaAndroid.ReplaceAllString(ua, "android")
	return ua
}

// normalizeScreenRes renders a resolution as WxH
func normalizeScreenRes(res string) string {
	res = strings.ToLower(strings.TrimSpace(res))
	if res == "" || res == "unknown" {
		return "unknown"
	}
	return screenSeparator.ReplaceAllString(res, "x")
}

func normalizeTimezone(tz string) string {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") || strings.EqualFold(tz, "GMT") {
		return "utc"
	}
	return strings.ToLower(tz)
}
