// Demonstrates the end-to-end flow of the engine: create installment terms,
// accept them, convert them for display, and confirm the resulting transfer
// against an in-process ledger stub. Real deployments replace the stubs with
// the ledger, quote, and issuer collaborators of the payments backend.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zarpay/merchant-core/internal/config"
	"github.com/zarpay/merchant-core/internal/fx"
	"github.com/zarpay/merchant-core/internal/installments"
	"github.com/zarpay/merchant-core/internal/settlement"
	"github.com/zarpay/merchant-core/pkg/logger"
	"github.com/zarpay/merchant-core/pkg/models"
)

// stubLedger holds transfers published at runtime, most recent first.
type stubLedger struct {
	mu      sync.Mutex
	records []models.TransactionRecord
}

func (l *stubLedger) publish(rec models.TransactionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append([]models.TransactionRecord{rec}, l.records...)
}

func (l *stubLedger) ListRecentTransfers(ctx context.Context, accountID string, limit int) ([]models.TransactionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) > limit {
		return l.records[:limit], nil
	}
	return l.records, nil
}

// stubQuotes serves a flat ZAR->USD rate with a one minute validity window.
type stubQuotes struct{}

func (stubQuotes) GetQuote(ctx context.Context, from, to string, amount decimal.Decimal) (models.CurrencyQuote, error) {
	rate := decimal.RequireFromString("0.053")
	return models.CurrencyQuote{
		FromCurrency: from,
		ToCurrency:   to,
		FromAmount:   amount,
		ToAmount:     amount.Mul(rate).Round(2),
		Rate:         rate,
		ExpiresAt:    time.Now().Add(time.Minute),
	}, nil
}

type stubIssuer struct{}

func (stubIssuer) IssueAgreement(ctx context.Context, a models.InstallmentAgreement) (string, error) {
	return "AGR-" + a.ID.String()[:8], nil
}

func main() {
	cfg := config.Load()
	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Console: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()
	feed := &stubLedger{}
	manager := installments.NewManager(log,
		installments.WithIssuer(stubIssuer{}),
		installments.WithDefaultExpiry(cfg.AgreementExpiry))
	converter := fx.NewConverter(stubQuotes{}, log)

	terms, err := manager.CreateTerms(ctx, installments.CreateTermsRequest{
		PaymentID:        "pay-demo-1",
		BuyerID:          "buyer-77",
		MerchantID:       "merchant-12",
		TotalAmount:      1000,
		Currency:         "ZAR",
		InstallmentCount: 3,
		InterestRate:     5,
	})
	if err != nil {
		log.Fatal("create terms", zap.Error(err))
	}

	display, err := converter.Convert(ctx, terms, "USD")
	if err != nil {
		log.Fatal("convert terms", zap.Error(err))
	}
	log.Info("terms for buyer display",
		zap.String("installment", display.InstallmentAmount.String()),
		zap.String("currency", display.Currency),
		zap.String("rate", display.Rate.String()))

	result, err := manager.Accept(ctx, terms.ID, "buyer-77")
	if err != nil {
		log.Fatal("accept terms", zap.Error(err))
	}
	log.Info("terms accepted", zap.String("external_ref", result.ExternalRef))

	// Acceptance hands off to a settlement matcher for the first installment.
	memo := "installment 1/3 " + terms.ID.String()[:8]
	matcher, err := settlement.StartMatch(ctx, feed, models.PaymentExpectation{
		RecipientID:      "merchant-12",
		Amount:           result.Agreement.InstallmentAmount,
		Currency:         terms.Currency,
		MemoContains:     memo,
		Timeout:          cfg.MatchTimeout,
		PollInterval:     cfg.PollInterval,
		PropagationDelay: cfg.PropagationDelay,
	}, log, settlement.Options{PageSize: cfg.LedgerPageSize})
	if err != nil {
		log.Fatal("start match", zap.Error(err))
	}

	// Simulate the buyer's transfer landing on the ledger.
	go func() {
		time.Sleep(4 * time.Second)
		feed.publish(models.TransactionRecord{
			ID:          "tx-demo-1",
			Direction:   models.DirectionIncoming,
			RecipientID: "merchant-12",
			Amount:      result.Agreement.InstallmentAmount,
			Currency:    terms.Currency,
			Memo:        memo,
			Timestamp:   time.Now(),
		})
	}()

	<-matcher.Done()
	outcome := matcher.Result()
	if outcome.Status != models.MatchConfirmed {
		log.Fatal("installment not confirmed", zap.String("status", string(outcome.Status)))
	}
	log.Info("first installment settled",
		zap.String("record_id", outcome.Record.ID),
		zap.String("amount", outcome.Record.Amount.String()))
}
