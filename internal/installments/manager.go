// Package installments manages the lifecycle of buy-now-pay-later
// agreements: creation with computed interest, acceptance, rejection, and
// time-based expiry.
package installments

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/zarpay/merchant-core/pkg/errors"
	"github.com/zarpay/merchant-core/pkg/metrics"
	"github.com/zarpay/merchant-core/pkg/models"
)

// DefaultExpiry is how long newly created terms stay acceptable.
const DefaultExpiry = 30 * time.Minute

const lockShards = 32

// Issuer is the optional downstream collaborator invoked on acceptance. It
// may return an external agreement reference; failures are best-effort and
// never fail the acceptance itself.
type Issuer interface {
	IssueAgreement(ctx context.Context, agreement models.InstallmentAgreement) (string, error)
}

// CreateTermsRequest carries the caller-supplied principal terms.
type CreateTermsRequest struct {
	PaymentID        string  `validate:"required"`
	BuyerID          string  `validate:"required"`
	MerchantID       string  `validate:"required"`
	TotalAmount      float64 `validate:"required,gt=0"`
	Currency         string  `validate:"required,currency_code"`
	InstallmentCount int     `validate:"required,gte=1"`
	InterestRate     float64 `validate:"gte=0"` // percent
	// ExpiresIn defaults to the manager's configured expiry when zero.
	ExpiresIn time.Duration `validate:"gte=0"`
}

// AcceptResult is returned on successful acceptance. ExternalRef is empty
// when no issuer is configured or the issuer call failed.
type AcceptResult struct {
	Agreement   models.InstallmentAgreement
	ExternalRef string
}

// Manager owns all agreement records. Lifecycle operations on the same
// terms id are serialized through a sharded lock so a racing accept and
// reject deterministically produce one winner.
type Manager struct {
	logger        *zap.Logger
	validate      *validator.Validate
	issuer        Issuer
	defaultExpiry time.Duration
	now           func() time.Time

	mu         sync.RWMutex
	agreements map[uuid.UUID]*models.InstallmentAgreement

	locks [lockShards]sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithIssuer attaches the downstream agreement issuer.
func WithIssuer(issuer Issuer) Option {
	return func(m *Manager) { m.issuer = issuer }
}

// WithDefaultExpiry overrides the 30 minute acceptance window.
func WithDefaultExpiry(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultExpiry = d
		}
	}
}

// WithClock replaces the time source. Tests use it to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

var currencyCodeRegex = regexp.MustCompile(`^[A-Z]{3}$`)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("currency_code", func(fl validator.FieldLevel) bool {
		return currencyCodeRegex.MatchString(fl.Field().String())
	})
	return v
}

// NewManager creates an agreement manager.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:        logger,
		validate:      newValidator(),
		defaultExpiry: DefaultExpiry,
		now:           time.Now,
		agreements:    make(map[uuid.UUID]*models.InstallmentAgreement),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) shard(id uuid.UUID) *sync.Mutex {
	return &m.locks[int(id[0])%lockShards]
}

// CreateTerms validates the request, computes the derived monetary fields,
// and stores the agreement as PENDING.
func (m *Manager) CreateTerms(ctx context.Context, req CreateTermsRequest) (models.InstallmentAgreement, error) {
	if err := m.validate.Struct(req); err != nil {
		return models.InstallmentAgreement{}, apperrors.NewConfigurationError("terms", err.Error())
	}

	expiry := req.ExpiresIn
	if expiry == 0 {
		expiry = m.defaultExpiry
	}

	now := m.now()
	agreement := &models.InstallmentAgreement{
		ID:               uuid.New(),
		PaymentID:        req.PaymentID,
		BuyerID:          req.BuyerID,
		MerchantID:       req.MerchantID,
		TotalAmount:      decimal.NewFromFloat(req.TotalAmount),
		Currency:         req.Currency,
		InstallmentCount: req.InstallmentCount,
		InterestRate:     decimal.NewFromFloat(req.InterestRate),
		Status:           models.AgreementPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(expiry),
	}
	agreement.DeriveTerms()

	m.mu.Lock()
	m.agreements[agreement.ID] = agreement
	m.mu.Unlock()

	m.logger.Info("installment terms created",
		zap.String("terms_id", agreement.ID.String()),
		zap.String("merchant", agreement.MerchantID),
		zap.String("buyer", agreement.BuyerID),
		zap.String("total", agreement.TotalAmount.String()),
		zap.Int("installments", agreement.InstallmentCount),
		zap.Time("expires_at", agreement.ExpiresAt))
	return *agreement, nil
}

func (m *Manager) lookup(id uuid.UUID) (*models.InstallmentAgreement, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agreements[id]
	return a, ok
}

// expireLocked normalizes a stale PENDING record to EXPIRED. Callers must
// hold the record's shard lock.
func (m *Manager) expireLocked(a *models.InstallmentAgreement, now time.Time) {
	if a.Status == models.AgreementPending && a.ExpiredAt(now) {
		a.Status = models.AgreementExpired
		metrics.AgreementTransitions.WithLabelValues(string(models.AgreementExpired)).Inc()
		m.logger.Info("installment terms expired",
			zap.String("terms_id", a.ID.String()),
			zap.Time("expires_at", a.ExpiresAt))
	}
}

// Accept transitions PENDING terms to ACCEPTED. Expiry is discovered lazily
// here: stale PENDING terms become EXPIRED and the call fails with
// ErrExpired. The issuer is invoked outside the critical section.
func (m *Manager) Accept(ctx context.Context, termsID uuid.UUID, accountID string) (AcceptResult, error) {
	if accountID == "" {
		return AcceptResult{}, apperrors.NewConfigurationError("account", "account identifier is required")
	}
	a, ok := m.lookup(termsID)
	if !ok {
		return AcceptResult{}, apperrors.ErrNotFound
	}

	lock := m.shard(termsID)
	lock.Lock()
	now := m.now()
	m.expireLocked(a, now)
	switch {
	case a.Status == models.AgreementExpired:
		lock.Unlock()
		return AcceptResult{}, apperrors.ErrExpired
	case a.Status != models.AgreementPending:
		lock.Unlock()
		return AcceptResult{}, apperrors.ErrNotPending
	}
	a.Status = models.AgreementAccepted
	acceptedAt := now
	a.AcceptedAt = &acceptedAt
	snapshot := *a
	lock.Unlock()

	metrics.AgreementTransitions.WithLabelValues(string(models.AgreementAccepted)).Inc()
	m.logger.Info("installment terms accepted",
		zap.String("terms_id", termsID.String()),
		zap.String("account", accountID))

	// Best-effort external reference; its absence never fails acceptance.
	var ref string
	if m.issuer != nil {
		issued, err := m.issuer.IssueAgreement(ctx, snapshot)
		if err != nil {
			m.logger.Warn("agreement issuer failed",
				zap.String("terms_id", termsID.String()), zap.Error(err))
		} else {
			ref = issued
			lock.Lock()
			a.ExternalRef = ref
			snapshot = *a
			lock.Unlock()
		}
	}

	return AcceptResult{Agreement: snapshot, ExternalRef: ref}, nil
}

// Reject transitions PENDING terms to REJECTED with an optional reason.
func (m *Manager) Reject(ctx context.Context, termsID uuid.UUID, accountID, reason string) (bool, error) {
	if accountID == "" {
		return false, apperrors.NewConfigurationError("account", "account identifier is required")
	}
	a, ok := m.lookup(termsID)
	if !ok {
		return false, apperrors.ErrNotFound
	}

	lock := m.shard(termsID)
	lock.Lock()
	defer lock.Unlock()

	now := m.now()
	m.expireLocked(a, now)
	switch {
	case a.Status == models.AgreementExpired:
		return false, apperrors.ErrExpired
	case a.Status != models.AgreementPending:
		return false, apperrors.ErrNotPending
	}
	a.Status = models.AgreementRejected
	rejectedAt := now
	a.RejectedAt = &rejectedAt
	a.RejectReason = reason

	metrics.AgreementTransitions.WithLabelValues(string(models.AgreementRejected)).Inc()
	m.logger.Info("installment terms rejected",
		zap.String("terms_id", termsID.String()),
		zap.String("account", accountID),
		zap.String("reason", reason))
	return true, nil
}

// MarkCompleted records that the external installment processor has
// collected every installment. Only ACCEPTED terms can complete.
func (m *Manager) MarkCompleted(ctx context.Context, termsID uuid.UUID) error {
	a, ok := m.lookup(termsID)
	if !ok {
		return apperrors.ErrNotFound
	}

	lock := m.shard(termsID)
	lock.Lock()
	defer lock.Unlock()

	if a.Status != models.AgreementAccepted {
		return apperrors.ErrInvalidTransition
	}
	a.Status = models.AgreementCompleted
	metrics.AgreementTransitions.WithLabelValues(string(models.AgreementCompleted)).Inc()
	m.logger.Info("installment terms completed", zap.String("terms_id", termsID.String()))
	return nil
}

// Get returns a copy of one agreement with the lazy-expiry guard applied.
func (m *Manager) Get(termsID uuid.UUID) (models.InstallmentAgreement, error) {
	a, ok := m.lookup(termsID)
	if !ok {
		return models.InstallmentAgreement{}, apperrors.ErrNotFound
	}
	lock := m.shard(termsID)
	lock.Lock()
	defer lock.Unlock()
	m.expireLocked(a, m.now())
	return *a, nil
}

// PendingForMerchant lists the merchant's still-acceptable terms. Stale
// PENDING records are normalized to EXPIRED and excluded.
func (m *Manager) PendingForMerchant(merchantID string) []models.InstallmentAgreement {
	return m.collect(func(a *models.InstallmentAgreement) bool {
		return a.MerchantID == merchantID && a.Status == models.AgreementPending
	})
}

// AllForMerchant lists every agreement for a merchant, any status.
func (m *Manager) AllForMerchant(merchantID string) []models.InstallmentAgreement {
	return m.collect(func(a *models.InstallmentAgreement) bool {
		return a.MerchantID == merchantID
	})
}

// AllForBuyer lists every agreement for a buyer, any status.
func (m *Manager) AllForBuyer(buyerID string) []models.InstallmentAgreement {
	return m.collect(func(a *models.InstallmentAgreement) bool {
		return a.BuyerID == buyerID
	})
}

// collect snapshots matching agreements. The expiry guard runs under each
// record's shard lock before the predicate so no stale PENDING escapes.
func (m *Manager) collect(keep func(*models.InstallmentAgreement) bool) []models.InstallmentAgreement {
	m.mu.RLock()
	candidates := make([]*models.InstallmentAgreement, 0, len(m.agreements))
	for _, a := range m.agreements {
		candidates = append(candidates, a)
	}
	m.mu.RUnlock()

	now := m.now()
	var out []models.InstallmentAgreement
	for _, a := range candidates {
		lock := m.shard(a.ID)
		lock.Lock()
		m.expireLocked(a, now)
		if keep(a) {
			out = append(out, *a)
		}
		lock.Unlock()
	}
	return out
}
