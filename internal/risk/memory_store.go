package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/openidx/antifraud/internal/common/errors"
)

// MemoryStore keeps all reputation state in process. It backs the memory
// store backend and the tests.
type MemoryStore struct {
	mu         sync.RWMutex
	devices    map[string]DeviceFingerprint
	ips        map[string]IPReputationRecord
	fences     map[string][]Geofence
	readings   map[string]GeolocationReading
	analyses   []AnalysisResult
	newFenceID func() string
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:    make(map[string]DeviceFingerprint),
		ips:        make(map[string]IPReputationRecord),
		fences:     make(map[string][]Geofence),
		readings:   make(map[string]GeolocationReading),
		newFenceID: uuid.NewString,
	}
}

// GetFingerprint returns a copy of the record for hash
func (m *MemoryStore) GetFingerprint(_ context.Context, hash string) (*DeviceFingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fp, ok := m.devices[hash]
	if !ok {
		return nil, apperrors.NotFound("device fingerprint")
	}
	return &fp, nil
}

// TouchFingerprint records a sighting and returns the prior state
func (m *MemoryStore) TouchFingerprint(_ context.Context, hash, subjectID string, at time.Time) (*DeviceFingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fp, ok := m.devices[hash]
	if !ok {
		m.devices[hash] = DeviceFingerprint{
			Hash:            hash,
			TimesSeen:       1,
			LinkedSubjectID: subjectID,
			FirstSeenAt:     at,
			LastSeenAt:      at,
		}
		return nil, nil
	}

	prior := fp
	fp.TimesSeen++
	fp.LastSeenAt = at
	if fp.LinkedSubjectID == "" {
		fp.LinkedSubjectID = subjectID
	}
	m.devices[hash] = fp
	return &prior, nil
}

// SetDeviceStatus sets the trusted/blocked state, creating the record if needed
func (m *MemoryStore) SetDeviceStatus(_ context.Context, hash string, status DeviceStatus, reason string, at time.Time) (*DeviceFingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fp, ok := m.devices[hash]
	if !ok {
		fp = DeviceFingerprint{Hash: hash, FirstSeenAt: at, LastSeenAt: at}
	}
	applyDeviceStatus(&fp, status, reason)
	m.devices[hash] = fp
	return &fp, nil
}

func applyDeviceStatus(fp *DeviceFingerprint, status DeviceStatus, reason string) {
	fp.Trusted = status == DeviceTrusted
	fp.Blocked = status == DeviceBlocked
	fp.BlockReason = ""
	if fp.Blocked {
		fp.BlockReason = reason
	}
}

// GetIPRecord returns a copy of the record for ip
func (m *MemoryStore) GetIPRecord(_ context.Context, ip string) (*IPReputationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.ips[ip]
	if !ok {
		return nil, apperrors.NotFound("ip reputation")
	}
	return &rec, nil
}

// SaveIPRecord upserts rec, preserving the block state of an existing record
func (m *MemoryStore) SaveIPRecord(_ context.Context, rec *IPReputationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *rec
	if existing, ok := m.ips[rec.IP]; ok {
		next.Blocked = existing.Blocked
		next.BlockReason = existing.BlockReason
	}
	m.ips[rec.IP] = next
	return nil
}

// SetIPBlocked sets the block state, creating the record if needed
func (m *MemoryStore) SetIPBlocked(_ context.Context, ip string, blocked bool, reason string, at time.Time) (*IPReputationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.ips[ip]
	if !ok {
		// UpdatedAt stays zero so the first analysis still enriches it.
		rec = IPReputationRecord{IP: ip, LastSeenAt: at}
	}
	rec.Blocked = blocked
	rec.BlockReason = ""
	if blocked {
		rec.BlockReason = reason
	}
	m.ips[ip] = rec
	return &rec, nil
}

// ListGeofences returns the fences owned by ownerID, ordered by name
func (m *MemoryStore) ListGeofences(_ context.Context, ownerID string) ([]Geofence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Geofence(nil), m.fences[ownerID]...)
	return out, nil
}

// PutGeofence inserts fence, or replaces the fence with the same ID
func (m *MemoryStore) PutGeofence(_ context.Context, fence Geofence) (Geofence, error) {
	if err := fence.Validate(); err != nil {
		return Geofence{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if fence.ID == "" {
		fence.ID = m.newFenceID()
	}
	list := m.fences[fence.OwnerID]
	replaced := false
	for i := range list {
		if list[i].ID == fence.ID {
			list[i] = fence
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, fence)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})
	m.fences[fence.OwnerID] = list
	return fence, nil
}

// LastReading returns the latest recorded reading for the subject or device
func (m *MemoryStore) LastReading(_ context.Context, subjectID, fingerprintHash string) (*GeolocationReading, error) {
	key := historyKey(subjectID, fingerprintHash)
	if key == "" {
		return nil, apperrors.NotFound("geolocation reading")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readings[key]
	if !ok {
		return nil, apperrors.NotFound("geolocation reading")
	}
	return &r, nil
}

// Append records the analysis and, when present, its geolocation reading
func (m *MemoryStore) Append(_ context.Context, result *AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.analyses = append(m.analyses, *result)
	if r := result.Reading; r != nil {
		key := historyKey(r.SubjectID, r.FingerprintHash)
		if key == "" {
			return nil
		}
		if prev, ok := m.readings[key]; !ok || !r.CapturedAt.Before(prev.CapturedAt) {
			m.readings[key] = *r
		}
	}
	return nil
}

// Analyses returns a copy of the recorded analyses in append order
func (m *MemoryStore) Analyses() []AnalysisResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AnalysisResult(nil), m.analyses...)
}

// ListAnalyses pages through subjectID's analyses, newest first
func (m *MemoryStore) ListAnalyses(_ context.Context, subjectID string, limit, offset int) (*AnalysisPage, error) {
	if subjectID == "" {
		return nil, apperrors.ValidationError("subjectId is required")
	}
	limit, offset = NormalizePage(limit, offset)

	m.mu.RLock()
	var matched []AnalysisResult
	for i := len(m.analyses) - 1; i >= 0; i-- {
		if m.analyses[i].SubjectID == subjectID {
			matched = append(matched, m.analyses[i])
		}
	}
	m.mu.RUnlock()

	// Reverse append order breaks ties between equal timestamps
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := &AnalysisPage{Items: []AnalysisSummary{}, Total: len(matched), Limit: limit, Offset: offset}
	for i := offset; i < len(matched) && i < offset+limit; i++ {
		page.Items = append(page.Items, summarize(&matched[i]))
	}
	page.HasMore = offset+len(page.Items) < page.Total
	return page, nil
}

// Statistics aggregates the analyses recorded at or after since
func (m *MemoryStore) Statistics(_ context.Context, since time.Time) (*AnalysisStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc := newStatsAccumulator(since)
	for i := range m.analyses {
		if !m.analyses[i].CreatedAt.Before(since) {
			acc.add(&m.analyses[i])
		}
	}
	stats := acc.finish()

	recs := make([]IPReputationRecord, 0, len(m.ips))
	for _, rec := range m.ips {
		recs = append(recs, rec)
	}
	stats.TopIPs = topIPs(recs, topIPLimit)
	return stats, nil
}

func historyKey(subjectID, fingerprintHash string) string {
	switch {
	case subjectID != "":
		return "subject:" + subjectID
	case fingerprintHash != "":
		return "device:" + fingerprintHash
	default:
		return ""
	}
}
