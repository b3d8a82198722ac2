package installments

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "github.com/zarpay/merchant-core/pkg/errors"
	"github.com/zarpay/merchant-core/pkg/models"
)

// testClock is a movable time source shared with the manager under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeIssuer struct {
	ref   string
	err   error
	calls int
}

func (i *fakeIssuer) IssueAgreement(ctx context.Context, a models.InstallmentAgreement) (string, error) {
	i.calls++
	return i.ref, i.err
}

func validRequest() CreateTermsRequest {
	return CreateTermsRequest{
		PaymentID:        "pay-1",
		BuyerID:          "buyer-1",
		MerchantID:       "merchant-1",
		TotalAmount:      1000,
		Currency:         "ZAR",
		InstallmentCount: 3,
		InterestRate:     5,
	}
}

func TestCreateTermsDerivesMonetaryFields(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), WithClock(newTestClock().Now))

	a, err := m.CreateTerms(context.Background(), validRequest())
	require.NoError(t, err)

	assert.True(t, a.TotalInterest.Equal(decimal.RequireFromString("50")), "totalInterest = %s", a.TotalInterest)
	assert.True(t, a.TotalWithInterest.Equal(decimal.RequireFromString("1050")), "totalWithInterest = %s", a.TotalWithInterest)
	assert.True(t, a.InstallmentAmount.Equal(decimal.RequireFromString("350")), "installmentAmount = %s", a.InstallmentAmount)
	assert.Equal(t, models.AgreementPending, a.Status)
	assert.Equal(t, 30*time.Minute, a.ExpiresAt.Sub(a.CreatedAt))
}

func TestCreateTermsValidation(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	cases := map[string]func(*CreateTermsRequest){
		"ZeroAmount":        func(r *CreateTermsRequest) { r.TotalAmount = 0 },
		"NegativeAmount":    func(r *CreateTermsRequest) { r.TotalAmount = -10 },
		"ZeroInstallments":  func(r *CreateTermsRequest) { r.InstallmentCount = 0 },
		"NegativeInterest":  func(r *CreateTermsRequest) { r.InterestRate = -1 },
		"LowercaseCurrency": func(r *CreateTermsRequest) { r.Currency = "zar" },
		"MissingMerchant":   func(r *CreateTermsRequest) { r.MerchantID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			_, err := m.CreateTerms(context.Background(), req)
			require.Error(t, err)
			assert.True(t, apperrors.IsConfiguration(err))
		})
	}
}

func TestInstallmentRoundingStaysWithinOneCent(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	cases := []struct {
		total float64
		count int
		rate  float64
	}{
		{1000, 3, 5},
		{100, 3, 0},
		{0.05, 2, 0},
		{250, 2, 10},
		{799.99, 3, 14.5},
	}
	oneCent := decimal.RequireFromString("0.01")
	for _, tc := range cases {
		req := validRequest()
		req.TotalAmount = tc.total
		req.InstallmentCount = tc.count
		req.InterestRate = tc.rate
		a, err := m.CreateTerms(context.Background(), req)
		require.NoError(t, err)

		sum := a.InstallmentAmount.Mul(decimal.NewFromInt(int64(tc.count)))
		diff := sum.Sub(a.TotalWithInterest).Abs()
		assert.True(t, diff.LessThanOrEqual(oneCent),
			"total=%v count=%d rate=%v: |%s - %s| = %s",
			tc.total, tc.count, tc.rate, sum, a.TotalWithInterest, diff)
	}
}

func TestAcceptHappyPath(t *testing.T) {
	clock := newTestClock()
	issuer := &fakeIssuer{ref: "ext-123"}
	m := NewManager(zaptest.NewLogger(t), WithClock(clock.Now), WithIssuer(issuer))

	a, err := m.CreateTerms(context.Background(), validRequest())
	require.NoError(t, err)

	res, err := m.Accept(context.Background(), a.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgreementAccepted, res.Agreement.Status)
	require.NotNil(t, res.Agreement.AcceptedAt)
	assert.Equal(t, clock.Now(), *res.Agreement.AcceptedAt)
	assert.Equal(t, "ext-123", res.ExternalRef)
	assert.Equal(t, 1, issuer.calls)

	stored, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-123", stored.ExternalRef)
}

func TestIssuerFailureDoesNotFailAcceptance(t *testing.T) {
	issuer := &fakeIssuer{err: apperrors.New("issuer down")}
	m := NewManager(zaptest.NewLogger(t), WithIssuer(issuer))

	a, err := m.CreateTerms(context.Background(), validRequest())
	require.NoError(t, err)

	res, err := m.Accept(context.Background(), a.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgreementAccepted, res.Agreement.Status)
	assert.Empty(t, res.ExternalRef)
}

func TestDoubleAcceptFailsNotPending(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	a, err := m.CreateTerms(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = m.Accept(context.Background(), a.ID, "buyer-1")
	require.NoError(t, err)

	_, err = m.Accept(context.Background(), a.ID, "buyer-1")
	assert.ErrorIs(t, err, apperrors.ErrNotPending)
}

func TestAcceptAfterRejectFailsNotPending(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	a, err := m.CreateTerms(context.Background(), validRequest())
	require.NoError(t, err)

	ok, err := m.Reject(context.Background(), a.ID, "buyer-1", "too expensive")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Accept(context.Background(), a.ID, "buyer-1")
	assert.ErrorIs(t, err, apperrors.ErrNotPending)

	stored, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgreementRejected, stored.Status)
	assert.Equal(t, "too expensive", stored.RejectReason)
	require.NotNil(t, stored.RejectedAt)
}

func TestAcceptUnknownTermsFailsNotFound(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	_, err := m.Accept(context.Background(), uuid.New(), "buyer-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestAcceptExpiredTermsFailsAndTransitions(t *testing.T) {
	clock := newTestClock()
	m := NewManager(zaptest.NewLogger(t), WithClock(clock.Now))

	req := validRequest()
	req.ExpiresIn = time.Minute
	a, err := m.CreateTerms(context.Background(), req)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = m.Accept(context.Background(), a.ID, "buyer-1")
	assert.ErrorIs(t, err, apperrors.ErrExpired)

	stored, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgreementExpired, stored.Status, "expiry must be recorded, not left PENDING")
}

func TestReadsNeverReturnStalePending(t *testing.T) {
	clock := newTestClock()
	m := NewManager(zaptest.NewLogger(t), WithClock(clock.Now))

	fresh := validRequest()
	a1, err := m.CreateTerms(context.Background(), fresh)
	require.NoError(t, err)

	stale := validRequest()
	stale.ExpiresIn = time.Minute
	a2, err := m.CreateTerms(context.Background(), stale)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	pending := m.PendingForMerchant("merchant-1")
	require.Len(t, pending, 1)
	assert.Equal(t, a1.ID, pending[0].ID)

	all := m.AllForMerchant("merchant-1")
	require.Len(t, all, 2)
	for _, a := range all {
		if a.ID == a2.ID {
			assert.Equal(t, models.AgreementExpired, a.Status)
		}
	}

	byBuyer := m.AllForBuyer("buyer-1")
	assert.Len(t, byBuyer, 2)
}

func TestConcurrentAcceptRejectExactlyOneWinner(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	a, err := m.CreateTerms(context.Background(), validRequest())
	require.NoError(t, err)

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, losses int

	for i := 0; i < attempts; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := m.Accept(context.Background(), a.ID, "buyer-1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				losses++
			}
		}()
		go func() {
			defer wg.Done()
			_, err := m.Reject(context.Background(), a.ID, "buyer-1", "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				losses++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one lifecycle operation may win")
	assert.Equal(t, attempts*2-1, losses)

	stored, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Contains(t,
		[]models.AgreementStatus{models.AgreementAccepted, models.AgreementRejected},
		stored.Status)
}

func TestMarkCompletedRequiresAccepted(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	a, err := m.CreateTerms(context.Background(), validRequest())
	require.NoError(t, err)

	err = m.MarkCompleted(context.Background(), a.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = m.Accept(context.Background(), a.ID, "buyer-1")
	require.NoError(t, err)

	require.NoError(t, m.MarkCompleted(context.Background(), a.ID))

	stored, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgreementCompleted, stored.Status)

	_, err = m.Accept(context.Background(), a.ID, "buyer-1")
	assert.ErrorIs(t, err, apperrors.ErrNotPending)
}
