package risk

// Behavioral score increments
const (
	behaviorMissingScore    = 0.1
	atypicalHourWeight      = 0.4
	weekendWeight           = 0.1
	offScheduleWeight       = 0.3
	highActionRateWeight    = 0.5
	regularIntervalsWeight  = 0.2
	behaviorAnomalyMinScore = 0.3
	atypicalHourStart       = 2
	atypicalHourEnd         = 5
)

// BehaviorResult is the behavioral sub-result
type BehaviorResult struct {
	Score        float64  `json:"score"`
	BotDetected  bool     `json:"botDetected"`
	AtypicalHour bool     `json:"atypicalHour"`
	Anomaly      bool     `json:"anomaly"`
	Alerts       []string `json:"alerts,omitempty"`
}

// BehavioralAnalyzer scores bot likelihood and unusual access times.
// It does no I/O.
type BehavioralAnalyzer struct {
	cfg Config
}

// NewBehavioralAnalyzer creates a BehavioralAnalyzer
func NewBehavioralAnalyzer(cfg Config) *BehavioralAnalyzer {
	return &BehavioralAnalyzer{cfg: cfg}
}

// Fallback is the result when no metrics are available
func (a *BehavioralAnalyzer) Fallback() BehaviorResult {
	return BehaviorResult{Score: behaviorMissingScore}
}

// Analyze scores m; nil metrics are neutral
func (a *BehavioralAnalyzer) Analyze(m *BehaviorMetrics) BehaviorResult {
	if m == nil {
		return a.Fallback()
	}

	var res BehaviorResult
	score := 0.0

	if m.LocalHour >= atypicalHourStart && m.LocalHour < atypicalHourEnd {
		score += atypicalHourWeight
		res.AtypicalHour = true
		res.Alerts = append(res.Alerts, "access at atypical hour")
	}
	if m.IsWeekend {
		score += weekendWeight
	}
	if m.OutsideExpectedSchedule {
		score += offScheduleWeight
		res.Alerts = append(res.Alerts, "outside expected schedule")
	}
	if m.ActionsPerMinute > a.cfg.BotActionsPerMinute {
		score += highActionRateWeight
	}
	if m.TemporalConsistency > a.cfg.BotConsistency {
		score += regularIntervalsWeight
	}

	res.Score = clamp01(score)
	res.BotDetected = res.Score > a.cfg.BotScoreThreshold
	res.Anomaly = res.Score > behaviorAnomalyMinScore
	if res.BotDetected {
		res.Alerts = append(res.Alerts, "automated behavior suspected")
	}
	if res.Anomaly {
		res.Alerts = append(res.Alerts, "atypical time or behavior pattern")
	}
	return res
}
