package risk

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/openidx/antifraud/internal/metrics"
	"github.com/openidx/antifraud/pkg/storage"
)

// ErrAuditClosed is returned by Append after Close
var ErrAuditClosed = errors.New("audit sink closed")

// AsyncAuditSink decouples the decision path from audit persistence. Append
// never blocks: when the queue is full the result is dropped and counted.
type AsyncAuditSink struct {
	inner  AuditSink
	queue  chan *AnalysisResult
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncAuditSink starts the worker draining into inner
func NewAsyncAuditSink(inner AuditSink, buffer int, log *zap.Logger) *AsyncAuditSink {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &AsyncAuditSink{
		inner:  inner,
		queue:  make(chan *AnalysisResult, buffer),
		logger: log.With(zap.String("component", "audit_sink")),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Append enqueues result
func (s *AsyncAuditSink) Append(_ context.Context, result *AnalysisResult) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrAuditClosed
	}

	select {
	case s.queue <- result:
		metrics.SetAuditQueueDepth(len(s.queue))
		return nil
	default:
		metrics.RecordAuditDropped()
		s.logger.Warn("Audit queue full, dropping analysis",
			zap.String("analysis_id", result.ID),
			zap.String("risk_tier", string(result.RiskTier)))
		return nil
	}
}

func (s *AsyncAuditSink) run() {
	defer close(s.done)
	for result := range s.queue {
		metrics.SetAuditQueueDepth(len(s.queue))
		// The request that produced result may be gone; persist on our own context.
		if err := s.inner.Append(context.Background(), result); err != nil {
			s.logger.Error("Failed to persist analysis",
				zap.String("analysis_id", result.ID),
				zap.Error(err))
		}
	}
}

// Close stops accepting results and waits for the queue to drain or ctx to end
func (s *AsyncAuditSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogAuditSink writes each analysis to the log. Used by the memory backend.
type LogAuditSink struct {
	logger *zap.Logger
}

// NewLogAuditSink creates a LogAuditSink
func NewLogAuditSink(log *zap.Logger) *LogAuditSink {
	return &LogAuditSink{logger: log.With(zap.String("log_type", "analysis"))}
}

// Append logs result
func (s *LogAuditSink) Append(_ context.Context, r *AnalysisResult) error {
	s.logger.Info("Analysis recorded",
		zap.String("analysis_id", r.ID),
		zap.String("event_type", r.EventType),
		zap.String("subject_id", r.SubjectID),
		zap.String("fingerprint", shortHash(r.FingerprintHash)),
		zap.String("ip", r.IPAddress),
		zap.Float64("final_score", r.FinalScore),
		zap.String("risk_tier", string(r.RiskTier)),
		zap.String("action", string(r.RecommendedAction)),
		zap.Float64("confidence", r.Confidence),
		zap.Strings("alerts", r.Alerts),
		zap.Strings("fallbacks", r.AnalyzerFallbacks))
	return nil
}

// MultiAuditSink fans an analysis out to several sinks and joins their errors
type MultiAuditSink []AuditSink

// Append calls every sink
func (m MultiAuditSink) Append(ctx context.Context, r *AnalysisResult) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LedgerAuditSink appends each analysis to a hash-chained file ledger so an
// offline reviewer can prove no decision was altered or removed
type LedgerAuditSink struct {
	ledger *storage.Ledger
}

// NewLedgerAuditSink wraps an open ledger
func NewLedgerAuditSink(ledger *storage.Ledger) *LedgerAuditSink {
	return &LedgerAuditSink{ledger: ledger}
}

// Append writes result as the next ledger entry
func (s *LedgerAuditSink) Append(_ context.Context, r *AnalysisResult) error {
	_, err := s.ledger.Append(r)
	return err
}
