// Package ledger defines the contract of the external ledger feed. The feed
// itself is an external collaborator; this engine only consumes it.
package ledger

import (
	"context"

	"github.com/zarpay/merchant-core/pkg/models"
)

// Feed supplies settled transfer records for an account, most recent first.
// Partial or empty results on transient failure are acceptable and are
// treated as "no match yet" by callers.
type Feed interface {
	ListRecentTransfers(ctx context.Context, accountID string, limit int) ([]models.TransactionRecord, error)
}
