package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/salesops/be-approvals/internal/database"
	"github.com/salesops/be-approvals/internal/errors"
)

// targetTable describes where a target document lives and which column
// carries its display number.
type targetTable struct {
	table     string
	numberCol string
}

var targetTables = map[TargetType]targetTable{
	TargetQuote:         {table: "quotes", numberCol: "quote_number"},
	TargetPurchaseOrder: {table: "purchase_orders", numberCol: "po_number"},
}

// DocumentRepository is the target document adapter: it translates a
// TargetRef into the concrete document table and updates its status field.
// The engine owns every status write that flows through here.
type DocumentRepository struct {
	db *database.DB
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(db *database.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// SetStatusTx updates the document's status plus updated_at/updated_by.
// Returns NotFound when the document was deleted mid-flow; the caller
// reports that, it is never retried.
func (r *DocumentRepository) SetStatusTx(ctx context.Context, q database.Querier, target TargetRef, status DocumentStatus, updatedBy string) error {
	tt, ok := targetTables[target.Type]
	if !ok {
		return errors.InvalidInput("target_type", "unknown target type "+string(target.Type))
	}

	query := `
		UPDATE ` + tt.table + `
		SET status     = $2,
		    updated_by = $3,
		    updated_at = NOW()
		WHERE id = $1 AND is_deleted = FALSE
		RETURNING id
	`

	var returnedID string
	err := q.QueryRow(ctx, query, target.ID, status, updatedBy).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound(tt.table, target.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update document status")
	}
	return nil
}

// GetSummary returns the document number and total amount for display in
// task lists and notifications.
func (r *DocumentRepository) GetSummary(ctx context.Context, target TargetRef) (*DocumentSummary, error) {
	tt, ok := targetTables[target.Type]
	if !ok {
		return nil, errors.InvalidInput("target_type", "unknown target type "+string(target.Type))
	}

	query := `
		SELECT ` + tt.numberCol + `, total_amount
		FROM ` + tt.table + `
		WHERE id = $1 AND is_deleted = FALSE
	`

	summary := &DocumentSummary{}
	err := r.db.QueryRow(ctx, query, target.ID).Scan(&summary.Number, &summary.TotalAmount)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound(tt.table, target.ID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get document summary")
	}
	return summary, nil
}
