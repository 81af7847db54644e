package risk

import (
	"context"
	"math"
	"sort"
	"time"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
	topIPLimit          = 10
)

// AnalysisReader reads back the audit trail for operators
type AnalysisReader interface {
	// ListAnalyses returns one page of a subject's analyses, newest first
	ListAnalyses(ctx context.Context, subjectID string, limit, offset int) (*AnalysisPage, error)
	// Statistics aggregates the analyses created at or after since. A zero
	// since covers the whole trail.
	Statistics(ctx context.Context, since time.Time) (*AnalysisStatistics, error)
}

// AnalysisSummary is one entry of a subject's history. Geofence is set when
// a reading was scored with the analysis.
type AnalysisSummary struct {
	ID                string              `json:"id"`
	EventType         string              `json:"eventType"`
	FinalScore        float64             `json:"finalScore"`
	RiskTier          RiskTier            `json:"riskTier"`
	RecommendedAction Action              `json:"recommendedAction"`
	Alerts            []string            `json:"alerts"`
	IPAddress         string              `json:"ipAddress"`
	Flags             Flags               `json:"flags"`
	Blocked           bool                `json:"blocked"`
	Geofence          *GeofenceValidation `json:"geofence,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
}

// AnalysisPage is a window over a subject's history
type AnalysisPage struct {
	Items   []AnalysisSummary `json:"items"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
	HasMore bool              `json:"hasMore"`
}

// GeofenceStatistics covers the analyses that carried a GPS reading. Outside
// counts readings that had fences to check and matched none.
type GeofenceStatistics struct {
	Validated                int      `json:"validated"`
	Inside                   int      `json:"inside"`
	Outside                  int      `json:"outside"`
	AvgNearestDistanceMeters *float64 `json:"avgNearestDistanceMeters,omitempty"`
	AvgReadingAccuracyMeters *float64 `json:"avgReadingAccuracyMeters,omitempty"`
}

// AnalysisStatistics summarizes the audit trail over a window
type AnalysisStatistics struct {
	Since            time.Time            `json:"since"`
	Analyses         int                  `json:"analyses"`
	UniqueDevices    int                  `json:"uniqueDevices"`
	UniqueIPs        int                  `json:"uniqueIps"`
	HighRisk         int                  `json:"highRisk"`
	Blocked          int                  `json:"blocked"`
	NewDevices       int                  `json:"newDevices"`
	NewIPs           int                  `json:"newIps"`
	VPN              int                  `json:"vpn"`
	Bots             int                  `json:"bots"`
	ImpossibleTravel int                  `json:"impossibleTravel"`
	BlockRate        float64              `json:"blockRate"`
	HighRiskRate     float64              `json:"highRiskRate"`
	ByTier           map[RiskTier]int     `json:"byTier"`
	Geofence         GeofenceStatistics   `json:"geofence"`
	TopIPs           []IPReputationRecord `json:"topIps"`
}

// NormalizePage clamps a requested window to the supported range
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func summarize(r *AnalysisResult) AnalysisSummary {
	alerts := r.Alerts
	if alerts == nil {
		alerts = []string{}
	}
	return AnalysisSummary{
		ID:                r.ID,
		EventType:         r.EventType,
		FinalScore:        r.FinalScore,
		RiskTier:          r.RiskTier,
		RecommendedAction: r.RecommendedAction,
		Alerts:            alerts,
		IPAddress:         r.IPAddress,
		Flags:             r.Flags,
		Blocked:           r.RecommendedAction == ActionBlock,
		CreatedAt:         r.CreatedAt,
		Geofence:          r.Geofence,
	}
}

func newStatistics(since time.Time) *AnalysisStatistics {
	return &AnalysisStatistics{
		Since: since,
		ByTier: map[RiskTier]int{
			TierLow:      0,
			TierMedium:   0,
			TierHigh:     0,
			TierCritical: 0,
		},
		TopIPs: []IPReputationRecord{},
	}
}

// statsAccumulator folds analyses into AnalysisStatistics the way the
// Postgres aggregate query does
type statsAccumulator struct {
	stats       *AnalysisStatistics
	devices     map[string]struct{}
	ips         map[string]struct{}
	distanceSum float64
	distanceN   int
	accuracySum float64
	accuracyN   int
}

func newStatsAccumulator(since time.Time) *statsAccumulator {
	return &statsAccumulator{
		stats:   newStatistics(since),
		devices: make(map[string]struct{}),
		ips:     make(map[string]struct{}),
	}
}

func (a *statsAccumulator) add(r *AnalysisResult) {
	s := a.stats
	s.Analyses++
	a.devices[r.FingerprintHash] = struct{}{}
	a.ips[r.IPAddress] = struct{}{}
	s.ByTier[r.RiskTier]++
	if r.RiskTier == TierHigh || r.RiskTier == TierCritical {
		s.HighRisk++
	}
	if r.RecommendedAction == ActionBlock {
		s.Blocked++
	}
	if r.Flags.NewDevice {
		s.NewDevices++
	}
	if r.Flags.NewIP {
		s.NewIPs++
	}
	if r.Flags.VPNDetected {
		s.VPN++
	}
	if r.Flags.BotDetected {
		s.Bots++
	}
	if r.Flags.ImpossibleTravel {
		s.ImpossibleTravel++
	}

	g := r.Geofence
	if g == nil {
		return
	}
	s.Geofence.Validated++
	switch {
	case g.InsideAny:
		s.Geofence.Inside++
	case g.NearestDistanceMeters != nil:
		s.Geofence.Outside++
	}
	if g.NearestDistanceMeters != nil {
		a.distanceSum += *g.NearestDistanceMeters
		a.distanceN++
	}
	if r.Reading != nil {
		a.accuracySum += r.Reading.AccuracyMeters
		a.accuracyN++
	}
}

func (a *statsAccumulator) finish() *AnalysisStatistics {
	s := a.stats
	s.UniqueDevices = len(a.devices)
	s.UniqueIPs = len(a.ips)
	if a.distanceN > 0 {
		avg := a.distanceSum / float64(a.distanceN)
		s.Geofence.AvgNearestDistanceMeters = &avg
	}
	if a.accuracyN > 0 {
		avg := a.accuracySum / float64(a.accuracyN)
		s.Geofence.AvgReadingAccuracyMeters = &avg
	}
	s.fillRates()
	return s
}

// fillRates sets the block and high-risk percentages, rounded to two places
func (s *AnalysisStatistics) fillRates() {
	if s.Analyses == 0 {
		return
	}
	percent := func(n int) float64 {
		return math.Round(float64(n)*10000/float64(s.Analyses)) / 100
	}
	s.BlockRate = percent(s.Blocked)
	s.HighRiskRate = percent(s.HighRisk)
}

// topIPs orders records by sightings, most seen first
func topIPs(recs []IPReputationRecord, n int) []IPReputationRecord {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].TimesSeen != recs[j].TimesSeen {
			return recs[i].TimesSeen > recs[j].TimesSeen
		}
		return recs[i].IP < recs[j].IP
	})
	if len(recs) > n {
		recs = recs[:n]
	}
	return recs
}
