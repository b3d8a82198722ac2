// Package fx converts agreement amounts into a counterparty's display
// currency through time-limited exchange quotes.
package fx

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/zarpay/merchant-core/pkg/errors"
	"github.com/zarpay/merchant-core/pkg/metrics"
	"github.com/zarpay/merchant-core/pkg/models"
)

// QuoteProvider is the external exchange-rate collaborator. A returned
// quote must carry a rate consistent with its amounts and a non-past
// expiry.
type QuoteProvider interface {
	GetQuote(ctx context.Context, fromCurrency, toCurrency string, amount decimal.Decimal) (models.CurrencyQuote, error)
}

// Converter projects agreement amounts into a target currency. It never
// mutates the agreement of record; every conversion is recomputed from the
// source of truth plus a fresh rate.
type Converter struct {
	provider QuoteProvider
	logger   *zap.Logger
	now      func() time.Time
}

// NewConverter creates a converter backed by the given quote provider.
func NewConverter(provider QuoteProvider, logger *zap.Logger) *Converter {
	return &Converter{provider: provider, logger: logger, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (c *Converter) WithClock(now func() time.Time) *Converter {
	c.now = now
	return c
}

// RequestQuote fetches a quote for the currency pair. Same-currency
// requests short-circuit to an identity quote with no provider call; the
// domestic case is the common one and must not pay for a network round trip.
func (c *Converter) RequestQuote(ctx context.Context, fromCurrency, toCurrency string, amount decimal.Decimal) (models.CurrencyQuote, error) {
	if fromCurrency == toCurrency {
		metrics.QuoteRequests.WithLabelValues("identity").Inc()
		return models.IdentityQuote(fromCurrency, amount, c.now()), nil
	}

	quote, err := c.provider.GetQuote(ctx, fromCurrency, toCurrency, amount)
	if err != nil {
		return models.CurrencyQuote{}, fmt.Errorf("quote %s->%s: %w", fromCurrency, toCurrency, err)
	}
	metrics.QuoteRequests.WithLabelValues("provider").Inc()
	c.logger.Debug("quote fetched",
		zap.String("from", fromCurrency),
		zap.String("to", toCurrency),
		zap.String("rate", quote.Rate.String()),
		zap.Time("expires_at", quote.ExpiresAt))
	return quote, nil
}

// Convert projects the agreement's monetary fields into targetCurrency.
// Same-currency conversion mirrors the original amounts with rate 1.0.
// An expired quote is rejected, never applied.
func (c *Converter) Convert(ctx context.Context, agreement models.InstallmentAgreement, targetCurrency string) (models.ConvertedTerms, error) {
	if targetCurrency == "" {
		return models.ConvertedTerms{}, apperrors.NewConfigurationError("currency", "target currency is required")
	}

	if agreement.Currency == targetCurrency {
		metrics.QuoteRequests.WithLabelValues("identity").Inc()
		return models.ConvertedTerms{
			TermsID:           agreement.ID,
			Currency:          targetCurrency,
			Rate:              decimal.NewFromInt(1),
			TotalAmount:       agreement.TotalAmount,
			TotalInterest:     agreement.TotalInterest,
			TotalWithInterest: agreement.TotalWithInterest,
			InstallmentAmount: agreement.InstallmentAmount,
		}, nil
	}

	quote, err := c.RequestQuote(ctx, agreement.Currency, targetCurrency, agreement.TotalAmount)
	if err != nil {
		return models.ConvertedTerms{}, err
	}
	if quote.Expired(c.now()) {
		return models.ConvertedTerms{}, apperrors.ErrQuoteExpired
	}

	return models.ConvertedTerms{
		TermsID:           agreement.ID,
		Currency:          targetCurrency,
		Rate:              quote.Rate,
		TotalAmount:       agreement.TotalAmount.Mul(quote.Rate).Round(2),
		TotalInterest:     agreement.TotalInterest.Mul(quote.Rate).Round(2),
		TotalWithInterest: agreement.TotalWithInterest.Mul(quote.Rate).Round(2),
		InstallmentAmount: agreement.InstallmentAmount.Mul(quote.Rate).Round(2),
		QuoteID:           quote.ID,
	}, nil
}
