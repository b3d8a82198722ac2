// Package models defines the shared domain records for settlement
// reconciliation and installment agreements.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferDirection indicates which way a ledger transfer moved relative
// to the account it was listed for.
type TransferDirection string

const (
	DirectionIncoming TransferDirection = "incoming"
	DirectionOutgoing TransferDirection = "outgoing"
)

// TransactionRecord is a settled transfer as reported by the ledger feed.
// Records are read-only; this engine never mutates them.
type TransactionRecord struct {
	ID             string            `json:"id"`
	Direction      TransferDirection `json:"direction"`
	CounterpartyID string            `json:"counterparty_id"`
	RecipientID    string            `json:"recipient_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Memo           string            `json:"memo"`
	Timestamp      time.Time         `json:"timestamp"`
}

// PaymentExpectation describes a payment the caller is waiting to observe
// on the ledger. It is immutable once a match starts.
type PaymentExpectation struct {
	RecipientID      string          `json:"recipient_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	MemoContains     string          `json:"memo_contains,omitempty"`
	Tolerance        decimal.Decimal `json:"tolerance"`
	Timeout          time.Duration   `json:"timeout"`
	PollInterval     time.Duration   `json:"poll_interval"`
	PropagationDelay time.Duration   `json:"propagation_delay"`
}

const (
	DefaultTimeout          = 60 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultPropagationDelay = 2 * time.Second
)

// Normalize returns a copy with unset tuning fields replaced by defaults.
// Tolerance defaults to max(0.01, amount * 0.02).
func (e PaymentExpectation) Normalize() PaymentExpectation {
	if e.Tolerance.IsZero() {
		floor := decimal.NewFromFloat(0.01)
		pct := e.Amount.Mul(decimal.NewFromFloat(0.02))
		if pct.GreaterThan(floor) {
			e.Tolerance = pct
		} else {
			e.Tolerance = floor
		}
	}
	if e.Timeout <= 0 {
		e.Timeout = DefaultTimeout
	}
	if e.PollInterval <= 0 {
		e.PollInterval = DefaultPollInterval
	}
	if e.PropagationDelay == 0 {
		e.PropagationDelay = DefaultPropagationDelay
	}
	return e
}

// MatchStatus is the observable state of a settlement match.
type MatchStatus string

const (
	MatchPolling   MatchStatus = "polling"
	MatchConfirmed MatchStatus = "confirmed"
	MatchTimeout   MatchStatus = "timeout"
	MatchCancelled MatchStatus = "cancelled"
	MatchError     MatchStatus = "error"
)

// Terminal reports whether the status is a final outcome.
func (s MatchStatus) Terminal() bool {
	return s != MatchPolling && s != ""
}

// MatchResult is the terminal outcome of one expectation lifetime. Record is
// set only for confirmed, Err only for error. FirstLookupErr carries the
// first transient ledger failure seen while polling, for diagnostics.
type MatchResult struct {
	Status         MatchStatus        `json:"status"`
	Record         *TransactionRecord `json:"record,omitempty"`
	Err            error              `json:"-"`
	FirstLookupErr error              `json:"-"`
}

// AgreementStatus is the lifecycle state of an installment agreement.
type AgreementStatus string

const (
	AgreementPending   AgreementStatus = "PENDING"
	AgreementAccepted  AgreementStatus = "ACCEPTED"
	AgreementRejected  AgreementStatus = "REJECTED"
	AgreementExpired   AgreementStatus = "EXPIRED"
	AgreementCompleted AgreementStatus = "COMPLETED"
)

// Terminal reports whether the status admits no further manager-driven
// transition. COMPLETED is reached via the external installment processor.
func (s AgreementStatus) Terminal() bool {
	return s != AgreementPending
}

// InstallmentAgreement is a deferred-payment contract splitting a total into
// scheduled partial payments with interest. The manager owns the record;
// everything else holds references.
type InstallmentAgreement struct {
	ID                uuid.UUID       `json:"id"`
	PaymentID         string          `json:"payment_id"`
	BuyerID           string          `json:"buyer_id"`
	MerchantID        string          `json:"merchant_id"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Currency          string          `json:"currency"`
	InstallmentCount  int             `json:"installment_count"`
	InterestRate      decimal.Decimal `json:"interest_rate"` // percent
	TotalInterest     decimal.Decimal `json:"total_interest"`
	TotalWithInterest decimal.Decimal `json:"total_with_interest"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	Status            AgreementStatus `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	AcceptedAt        *time.Time      `json:"accepted_at,omitempty"`
	RejectedAt        *time.Time      `json:"rejected_at,omitempty"`
	RejectReason      string          `json:"reject_reason,omitempty"`
	ExternalRef       string          `json:"external_ref,omitempty"`
}

// DeriveTerms fills the computed monetary fields from the principal terms:
//
//	totalInterest     = round2(total * rate / 100)
//	totalWithInterest = total + totalInterest
//	installmentAmount = round2(totalWithInterest / count)
func (a *InstallmentAgreement) DeriveTerms() {
	hundred := decimal.NewFromInt(100)
	a.TotalInterest = a.TotalAmount.Mul(a.InterestRate).Div(hundred).Round(2)
	a.TotalWithInterest = a.TotalAmount.Add(a.TotalInterest)
	a.InstallmentAmount = a.TotalWithInterest.
		Div(decimal.NewFromInt(int64(a.InstallmentCount))).Round(2)
}

// ExpiredAt reports whether the agreement's acceptance window has passed.
func (a *InstallmentAgreement) ExpiredAt(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// CurrencyQuote is a time-boxed exchange-rate offer. Once ExpiresAt has
// passed the quote must be discarded and a fresh one fetched.
type CurrencyQuote struct {
	ID           uuid.UUID       `json:"id"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	FromAmount   decimal.Decimal `json:"from_amount"`
	ToAmount     decimal.Decimal `json:"to_amount"`
	Rate         decimal.Decimal `json:"rate"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// Expired reports whether the quote may no longer be applied.
func (q CurrencyQuote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// IdentityQuote builds a same-currency quote with rate 1.0 and no provider
// involvement. ExpiresAt is still set so callers treat all quotes uniformly.
func IdentityQuote(currency string, amount decimal.Decimal, now time.Time) CurrencyQuote {
	return CurrencyQuote{
		ID:           uuid.New(),
		FromCurrency: currency,
		ToCurrency:   currency,
		FromAmount:   amount,
		ToAmount:     amount,
		Rate:         decimal.NewFromInt(1),
		ExpiresAt:    now.Add(24 * time.Hour),
	}
}

// ConvertedTerms is a display-currency projection of an agreement's monetary
// fields. It is derived on demand and never replaces the agreement of record.
type ConvertedTerms struct {
	TermsID           uuid.UUID       `json:"terms_id"`
	Currency          string          `json:"currency"`
	Rate              decimal.Decimal `json:"rate"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	TotalInterest     decimal.Decimal `json:"total_interest"`
	TotalWithInterest decimal.Decimal `json:"total_with_interest"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	QuoteID           uuid.UUID       `json:"quote_id"`
}
