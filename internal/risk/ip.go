package risk

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/openidx/antifraud/internal/common/errors"
	"github.com/openidx/antifraud/internal/common/logger"
)

const (
	ipFallbackScore = 0.3
	// bounds a shared provider lookup once no caller is tied to it
	defaultLookupTimeout = 10 * time.Second
)

// Score increments per classification
const (
	vpnWeight        = 0.4
	proxyWeight      = 0.4
	datacenterWeight = 0.5
	torWeight        = 0.8
	relayWeight      = 0.3
)

var (
	datacenterKeywords = []string{
		"amazon", "aws", "google cloud", "microsoft azure", "digitalocean",
		"linode", "ovh", "hetzner", "vultr", "contabo", "oracle cloud",
		"alibaba cloud", "hosting", "data center", "datacenter", "server", "cloud",
	}
	vpnKeywords = []string{
		"vpn", "nordvpn", "expressvpn", "surfshark", "cyberghost",
		"private internet access", "protonvpn", "tunnelbear", "windscribe", "mullvad",
	}
	proxyKeywords = []string{"proxy", "anonymizer", "vpn gate", "tor exit"}
	torKeywords   = []string{"tor exit", "torproject"}
	vpnASNs       = map[string]struct{}{
		"51177": {}, "20473": {}, "24940": {}, "24961": {}, "25152": {}, "39421": {}, "49981": {},
	}
)

// IPResult is the IP reputation sub-result
type IPResult struct {
	Score     float64  `json:"score"`
	IsNew     bool     `json:"isNew"`
	IsBlocked bool     `json:"isBlocked"`
	IsPrivate bool     `json:"isPrivate"`
	Flags     IPFlags  `json:"flags"`
	Alerts    []string `json:"alerts,omitempty"`
	Degraded  bool     `json:"-"`
}

// IPReputationAnalyzer scores an address from its cached reputation,
// refreshing stale records from an external provider
type IPReputationAnalyzer struct {
	store         IPReputationStore
	provider      ExternalIPProvider
	refreshAfter  time.Duration
	lookupTimeout time.Duration
	now           Clock
	logger        *zap.Logger
	group         singleflight.Group
}

// NewIPReputationAnalyzer creates an IPReputationAnalyzer
func NewIPReputationAnalyzer(store IPReputationStore, provider ExternalIPProvider, refreshAfter time.Duration, now Clock, log *zap.Logger) *IPReputationAnalyzer {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	if refreshAfter <= 0 {
		refreshAfter = 7 * 24 * time.Hour
	}
	return &IPReputationAnalyzer{
		store:         store,
		provider:      provider,
		refreshAfter:  refreshAfter,
		lookupTimeout: defaultLookupTimeout,
		now:           now,
		logger:        log.With(zap.String("component", "ip_analyzer")),
	}
}

// Fallback is the result used when reputation cannot be established
func (a *IPReputationAnalyzer) Fallback() IPResult {
	return IPResult{Score: ipFallbackScore, Alerts: []string{"IP reputation unavailable"}, Degraded: true}
}

// CanonicalIP returns the single spelling an address is keyed by: dotted
// IPv4 for IPv4 and IPv4-mapped IPv6, compressed lower-case IPv6 otherwise.
func CanonicalIP(s string) (string, bool) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return "", false
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip.String(), true
}

// Analyze scores ip. Provider and store failures are absorbed into Fallback.
func (a *IPReputationAnalyzer) Analyze(ctx context.Context, ip string) IPResult {
	if canonical, ok := CanonicalIP(ip); ok {
		ip = canonical
	}
	if isPrivateIP(net.ParseIP(ip)) {
		return IPResult{Score: 0, IsPrivate: true}
	}

	log := logger.WithTraceContext(a.logger, ctx).With(zap.String("ip", ip))

	stored, err := a.store.GetIPRecord(ctx, ip)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		log.Warn("IP reputation store unavailable, using fallback score", zap.Error(err))
		return a.Fallback()
	}
	isNew := stored == nil

	var rec *IPReputationRecord
	if stored != nil && (stored.Blocked || a.now().Sub(stored.UpdatedAt) < a.refreshAfter) {
		rec = a.touch(ctx, log, stored)
	} else {
		rec, err = a.refresh(ctx, ip, stored)
		if err != nil {
			log.Warn("IP reputation refresh failed, using fallback score", zap.Error(err))
			fb := a.Fallback()
			fb.IsNew = isNew
			return fb
		}
	}

	res := IPResult{
		Score:     ScoreIPRecord(rec),
		IsNew:     isNew,
		IsBlocked: rec.Blocked,
		Flags:     rec.Flags,
	}
	res.Alerts = ipAlerts(rec)
	return res
}

// touch counts a sighting of a fresh record; a failed write only costs the counter
func (a *IPReputationAnalyzer) touch(ctx context.Context, log *zap.Logger, stored *IPReputationRecord) *IPReputationRecord {
	rec := *stored
	rec.TimesSeen++
	rec.LastSeenAt = a.now()
	if err := a.store.SaveIPRecord(ctx, &rec); err != nil {
		log.Warn("Failed to record IP sighting", zap.Error(err))
	}
	return &rec
}

// refresh collapses concurrent lookups of one address into a single
// provider call and store write. The shared call runs detached from the
// caller that started it, so one cancelled request cannot fail the others
// waiting on the same address.
func (a *IPReputationAnalyzer) refresh(ctx context.Context, ip string, stored *IPReputationRecord) (*IPReputationRecord, error) {
	ch := a.group.DoChan(ip, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.lookupTimeout)
		defer cancel()

		intel, err := a.provider.Lookup(ctx, ip)
		if err != nil {
			return nil, apperrors.ExternalService(a.provider.Name(), err)
		}

		now := a.now()
		rec := &IPReputationRecord{
			IP:          ip,
			ASN:         normalizeASN(intel.ASN),
			Org:         intel.Org,
			Hostname:    intel.Hostname,
			CountryCode: intel.CountryCode,
			City:        intel.City,
			Latitude:    intel.Latitude,
			Longitude:   intel.Longitude,
			Flags:       ClassifyIP(intel),
			AbuseScore:  clamp01(intel.AbuseScore),
			TimesSeen:   1,
			LastSeenAt:  now,
			UpdatedAt:   now,
		}
		if stored != nil {
			rec.Blocked = stored.Blocked
			rec.BlockReason = stored.BlockReason
			rec.TimesSeen = stored.TimesSeen + 1
		}

		if err := a.store.SaveIPRecord(ctx, rec); err != nil {
			a.logger.Warn("Failed to persist refreshed IP record", zap.String("ip", ip), zap.Error(err))
		}
		return rec, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rec := *res.Val.(*IPReputationRecord)
		return &rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ScoreIPRecord accumulates the abuse score and classification penalties
func ScoreIPRecord(rec *IPReputationRecord) float64 {
	if rec.Blocked {
		return 1.0
	}
	score := rec.AbuseScore
	if rec.Flags.VPN {
		score += vpnWeight
	}
	if rec.Flags.Proxy {
		score += proxyWeight
	}
	if rec.Flags.Datacenter {
		score += datacenterWeight
	}
	if rec.Flags.Tor {
		score += torWeight
	}
	if rec.Flags.Relay {
		score += relayWeight
	}
	return clamp01(score)
}

// ClassifyIP derives network flags from organization, hostname and ASN,
// OR-ed with whatever the provider reported directly
func ClassifyIP(intel *IPIntel) IPFlags {
	org := strings.ToLower(intel.Org)
	host := strings.ToLower(intel.Hostname)
	_, vpnASN := vpnASNs[normalizeASN(intel.ASN)]

	return IPFlags{
		VPN:        vpnASN || containsAny(org, vpnKeywords) || containsAny(host, vpnKeywords),
		Proxy:      intel.Proxy || containsAny(org, proxyKeywords),
		Tor:        intel.Tor || containsAny(org, torKeywords) || containsAny(host, torKeywords),
		Datacenter: intel.Hosting || containsAny(org, datacenterKeywords),
		Relay:      intel.Relay,
		Mobile:     strings.Contains(org, "mobile"),
	}
}

func ipAlerts(rec *IPReputationRecord) []string {
	var alerts []string
	if rec.Blocked {
		alerts = append(alerts, "blocked IP")
	}
	if rec.Flags.VPN {
		alerts = append(alerts, "VPN detected")
	}
	if rec.Flags.Proxy {
		alerts = append(alerts, "proxy detected")
	}
	if rec.Flags.Tor {
		alerts = append(alerts, "Tor exit node")
	}
	if rec.Flags.Datacenter {
		alerts = append(alerts, "datacenter IP")
	}
	if rec.Flags.Relay {
		alerts = append(alerts, "relay IP")
	}
	return alerts
}

func containsAny(s string, keywords []string) bool {
	if s == "" {
		return false
	}
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// normalizeASN strips an "AS" prefix so AS15169 and 15169 compare equal
func normalizeASN(asn string) string {
	asn = strings.TrimSpace(asn)
	if len(asn) > 2 && strings.EqualFold(asn[:2], "as") {
		asn = asn[2:]
	}
	return asn
}

// isPrivateIP reports addresses that never need a reputation lookup
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
