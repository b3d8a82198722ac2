// Package settlement confirms that an expected real-world payment has
// landed on the ledger by polling the feed and fuzzy-matching records
// against a caller-declared expectation.
package settlement

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zarpay/merchant-core/internal/ledger"
	apperrors "github.com/zarpay/merchant-core/pkg/errors"
	"github.com/zarpay/merchant-core/pkg/metrics"
	"github.com/zarpay/merchant-core/pkg/models"
)

// DefaultPageSize is how many recent records each poll inspects.
const DefaultPageSize = 20

// Options tunes a single match run.
type Options struct {
	// PageSize overrides DefaultPageSize when > 0.
	PageSize int
	// OnTick, when set, is invoked once per second with the remaining time
	// until timeout. Intended for display countdowns only.
	OnTick func(remaining time.Duration)
}

// Matcher owns one payment expectation and drives it to exactly one
// terminal outcome: confirmed, timeout, cancelled, or error.
type Matcher struct {
	exp      models.PaymentExpectation
	feed     ledger.Feed
	logger   *zap.Logger
	pageSize int
	onTick   func(time.Duration)

	cancelRun context.CancelFunc

	mu             sync.Mutex
	status         models.MatchStatus
	record         *models.TransactionRecord
	err            error
	firstLookupErr error
	remaining      time.Duration

	done chan struct{}
}

// StartMatch validates the expectation and begins asynchronous confirmation.
// A missing recipient is a configuration error: the returned matcher is
// already terminal with status error and no polling happens.
func StartMatch(ctx context.Context, feed ledger.Feed, exp models.PaymentExpectation, logger *zap.Logger, opts Options) (*Matcher, error) {
	exp = exp.Normalize()

	m := &Matcher{
		exp:      exp,
		feed:     feed,
		logger:   logger,
		pageSize: opts.PageSize,
		onTick:   opts.OnTick,
		status:   models.MatchPolling,
		done:     make(chan struct{}),
	}
	if m.pageSize <= 0 {
		m.pageSize = DefaultPageSize
	}

	if exp.RecipientID == "" {
		err := apperrors.NewConfigurationError("recipient", "recipient identifier is required")
		m.status = models.MatchError
		m.err = err
		close(m.done)
		metrics.SettlementOutcomes.WithLabelValues(string(models.MatchError)).Inc()
		return m, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancelRun = cancel
	m.remaining = exp.Timeout

	go m.run(runCtx)
	go m.countdown()

	logger.Info("settlement match started",
		zap.String("recipient", exp.RecipientID),
		zap.String("amount", exp.Amount.String()),
		zap.String("currency", exp.Currency),
		zap.Duration("timeout", exp.Timeout))
	return m, nil
}

// run is the single polling goroutine. Queries execute sequentially, so at
// most one ledger lookup is in flight; a slow lookup delays the next tick
// instead of overlapping it.
func (m *Matcher) run(ctx context.Context) {
	deadline := time.NewTimer(m.exp.Timeout)
	defer deadline.Stop()

	// Ledgers need a moment to make a just-submitted transfer visible.
	propagation := time.NewTimer(m.exp.PropagationDelay)
	defer propagation.Stop()
	select {
	case <-ctx.Done():
		m.finish(models.MatchCancelled, nil, nil)
		return
	case <-deadline.C:
		m.finish(models.MatchTimeout, nil, nil)
		return
	case <-propagation.C:
	}

	ticker := time.NewTicker(m.exp.PollInterval)
	defer ticker.Stop()

	for {
		if rec := m.pollOnce(ctx); rec != nil {
			m.finish(models.MatchConfirmed, rec, nil)
			return
		}
		select {
		case <-ctx.Done():
			m.finish(models.MatchCancelled, nil, nil)
			return
		case <-deadline.C:
			m.finish(models.MatchTimeout, nil, nil)
			return
		case <-ticker.C:
		}
	}
}

// pollOnce fetches a page of recent transfers and applies the two-pass
// predicate. Feed failures are recorded (first only) and swallowed.
func (m *Matcher) pollOnce(ctx context.Context) *models.TransactionRecord {
	records, err := m.feed.ListRecentTransfers(ctx, m.exp.RecipientID, m.pageSize)
	if err != nil {
		metrics.LedgerLookupErrors.Inc()
		m.mu.Lock()
		if m.firstLookupErr == nil {
			m.firstLookupErr = &apperrors.TransientLookupError{Op: "ledger lookup", Err: err}
		}
		m.mu.Unlock()
		m.logger.Warn("ledger lookup failed, will retry",
			zap.String("recipient", m.exp.RecipientID), zap.Error(err))
		return nil
	}

	// Pass A: strict, memo fragment required when specified.
	for i := range records {
		if m.matches(&records[i], true) {
			return &records[i]
		}
	}
	// Pass B: memo condition dropped, only meaningful when a fragment was
	// specified. Amount and currency are never relaxed.
	if m.exp.MemoContains != "" {
		for i := range records {
			if m.matches(&records[i], false) {
				return &records[i]
			}
		}
	}
	return nil
}

func (m *Matcher) matches(r *models.TransactionRecord, requireMemo bool) bool {
	if r.Direction != models.DirectionIncoming {
		return false
	}
	if r.RecipientID != "" && r.RecipientID != m.exp.RecipientID {
		return false
	}
	if r.Currency != m.exp.Currency {
		return false
	}
	if r.Amount.Sub(m.exp.Amount).Abs().GreaterThan(m.exp.Tolerance) {
		return false
	}
	if requireMemo && m.exp.MemoContains != "" &&
		!strings.Contains(r.Memo, m.exp.MemoContains) {
		return false
	}
	return true
}

// countdown drives the one-second display ticker. It never outlives the
// match: any terminal transition closes done and stops it.
func (m *Matcher) countdown() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.remaining > 0 {
				m.remaining -= time.Second
				if m.remaining < 0 {
					m.remaining = 0
				}
			}
			rem := m.remaining
			cb := m.onTick
			m.mu.Unlock()
			if cb != nil {
				cb(rem)
			}
		}
	}
}

// finish performs the write-once terminal transition. Late timers that wake
// after a terminal status no-op here instead of overwriting it.
func (m *Matcher) finish(status models.MatchStatus, rec *models.TransactionRecord, err error) {
	m.mu.Lock()
	if m.status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.status = status
	m.record = rec
	m.err = err
	m.mu.Unlock()

	if m.cancelRun != nil {
		m.cancelRun()
	}
	close(m.done)
	metrics.SettlementOutcomes.WithLabelValues(string(status)).Inc()

	switch status {
	case models.MatchConfirmed:
		m.logger.Info("settlement confirmed",
			zap.String("recipient", m.exp.RecipientID),
			zap.String("record_id", rec.ID),
			zap.String("amount", rec.Amount.String()))
	case models.MatchTimeout:
		m.logger.Warn("settlement match timed out",
			zap.String("recipient", m.exp.RecipientID),
			zap.Duration("timeout", m.exp.Timeout))
	default:
		m.logger.Info("settlement match finished",
			zap.String("recipient", m.exp.RecipientID),
			zap.String("status", string(status)))
	}
}

// Cancel stops all timers and transitions to cancelled unless already
// terminal. Safe to call repeatedly and from any goroutine.
func (m *Matcher) Cancel() {
	m.finish(models.MatchCancelled, nil, nil)
}

// Status returns the current observable state.
func (m *Matcher) Status() models.MatchStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Remaining returns the display countdown until timeout.
func (m *Matcher) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Done is closed once the matcher reaches a terminal outcome.
func (m *Matcher) Done() <-chan struct{} {
	return m.done
}

// Result returns the terminal outcome. Before the matcher finishes it
// reports the polling status with no record.
func (m *Matcher) Result() models.MatchResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.MatchResult{
		Status:         m.status,
		Record:         m.record,
		Err:            m.err,
		FirstLookupErr: m.firstLookupErr,
	}
}
