package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/storage"
)

type bridgeRow struct {
	ID             string         `db:"id"`
	BurnTxHash     sql.NullString `db:"burn_tx_hash"`
	SourceChain    string         `db:"source_chain"`
	DestChain      string         `db:"dest_chain"`
	Amount         string         `db:"amount_usdc"`
	Sender         string         `db:"sender"`
	Recipient      string         `db:"recipient"`
	Phase          string         `db:"phase"`
	ApprovalTxHash string         `db:"approval_tx_hash"`
	BurnBlock      int64          `db:"burn_block"`
	Message        string         `db:"message"`
	Attestation    string         `db:"attestation"`
	MintTxHash     string         `db:"mint_tx_hash"`
	FailedFrom     string         `db:"failed_from"`
	FailureReason  string         `db:"failure_reason"`
	BurnSearchFrom sql.NullInt64  `db:"burn_search_from"`
	Version        int64          `db:"version"`
	Lease          string         `db:"lease"`
	LeaseExpires   int64          `db:"lease_expires"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
}

const bridgeColumns = `id, burn_tx_hash, source_chain, dest_chain, amount_usdc, sender, recipient,
	phase, approval_tx_hash, burn_block, message, attestation, mint_tx_hash, failed_from,
	failure_reason, burn_search_from, version, lease, lease_expires, created_at, updated_at`

// burnSearchFrom is NULL unless a burn submission is in flight.
func burnSearchFrom(f domain.PhaseFields) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(f.BurnSearchFrom), Valid: f.BurnSubmitting}
}

func encodeBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hexutil.Encode(b)
}

func decodeBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hexutil.Decode(s)
}

func (row *bridgeRow) toDomain() (*domain.BridgeRecord, error) {
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: bad amount: %w", row.ID, err)
	}
	message, err := decodeBytes(row.Message)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: bad message: %w", row.ID, err)
	}
	attestation, err := decodeBytes(row.Attestation)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: bad attestation: %w", row.ID, err)
	}
	phase, err := domain.DecodePhase(domain.PhaseFields{
		Name:           domain.PhaseName(row.Phase),
		ApprovalTxHash: row.ApprovalTxHash,
		BurnTxHash:     row.BurnTxHash.String,
		BurnBlock:      uint64(row.BurnBlock),
		Message:        message,
		Attestation:    attestation,
		MintTxHash:     row.MintTxHash,
		FailedFrom:     domain.PhaseName(row.FailedFrom),
		FailureReason:  row.FailureReason,
		BurnSubmitting: row.BurnSearchFrom.Valid,
		BurnSearchFrom: uint64(row.BurnSearchFrom.Int64),
	})
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", row.ID, err)
	}
	return &domain.BridgeRecord{
		ID:           row.ID,
		SourceChain:  row.SourceChain,
		DestChain:    row.DestChain,
		Amount:       amount,
		Sender:       row.Sender,
		Recipient:    row.Recipient,
		Phase:        phase,
		Version:      row.Version,
		Lease:        row.Lease,
		LeaseExpires: fromNanos(row.LeaseExpires),
		CreatedAt:    fromNanos(row.CreatedAt),
		UpdatedAt:    fromNanos(row.UpdatedAt),
	}, nil
}

// InsertBridge stores a new record.
func (r *repo) InsertBridge(ctx context.Context, rec *domain.BridgeRecord) error {
	f := domain.EncodePhase(rec.Phase)
	_, err := r.q.ExecContext(ctx, r.rebind(`INSERT INTO bridges (`+bridgeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, nullString(f.BurnTxHash), rec.SourceChain, rec.DestChain, rec.Amount.String(),
		rec.Sender, rec.Recipient, string(f.Name), f.ApprovalTxHash, int64(f.BurnBlock),
		encodeBytes(f.Message), encodeBytes(f.Attestation), f.MintTxHash, string(f.FailedFrom),
		f.FailureReason, burnSearchFrom(f), rec.Version, rec.Lease, toNanos(rec.LeaseExpires),
		toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("bridge %s: %w", rec.ID, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert bridge: %w", err)
	}
	return nil
}

// GetBridge retrieves a record by id.
func (r *repo) GetBridge(ctx context.Context, id string) (*domain.BridgeRecord, error) {
	return r.getBridge(ctx, `SELECT `+bridgeColumns+` FROM bridges WHERE id = ?`, id)
}

// GetBridgeByBurnTx retrieves a record by its burn transaction hash.
func (r *repo) GetBridgeByBurnTx(ctx context.Context, burnTxHash string) (*domain.BridgeRecord, error) {
	return r.getBridge(ctx, `SELECT `+bridgeColumns+` FROM bridges WHERE burn_tx_hash = ?`, burnTxHash)
}

func (r *repo) getBridge(ctx context.Context, query string, arg string) (*domain.BridgeRecord, error) {
	var row bridgeRow
	err := r.q.GetContext(ctx, &row, r.rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bridge: %w", err)
	}
	return row.toDomain()
}

// UpdateBridge persists rec only if the stored version is still rec.Version,
// then bumps the version on rec.
func (r *repo) UpdateBridge(ctx context.Context, rec *domain.BridgeRecord) error {
	f := domain.EncodePhase(rec.Phase)
	res, err := r.q.ExecContext(ctx, r.rebind(`UPDATE bridges SET
			phase = ?, burn_tx_hash = ?, approval_tx_hash = ?, burn_block = ?, message = ?,
			attestation = ?, mint_tx_hash = ?, failed_from = ?, failure_reason = ?,
			burn_search_from = ?, lease = ?, lease_expires = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`),
		string(f.Name), nullString(f.BurnTxHash), f.ApprovalTxHash, int64(f.BurnBlock),
		encodeBytes(f.Message), encodeBytes(f.Attestation), f.MintTxHash, string(f.FailedFrom),
		f.FailureReason, burnSearchFrom(f), rec.Lease, toNanos(rec.LeaseExpires),
		toNanos(rec.UpdatedAt), rec.ID, rec.Version,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("bridge %s burn hash %s: %w", rec.ID, f.BurnTxHash, storage.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to update bridge: %w", err)
	}
	if err := r.bridgeChanged(ctx, res, rec.ID, fmt.Sprintf("is no longer at version %d", rec.Version)); err != nil {
		return err
	}
	rec.Version++
	return nil
}

// ClaimBridge hands the record to lease until the given time unless another
// unexpired lease holds it. Claiming again with the same lease extends it.
func (r *repo) ClaimBridge(ctx context.Context, id, lease string, until, now time.Time) (*domain.BridgeRecord, error) {
	res, err := r.q.ExecContext(ctx, r.rebind(`UPDATE bridges SET
			lease = ?, lease_expires = ?, version = version + 1
		WHERE id = ? AND (lease = '' OR lease = ? OR lease_expires < ?)`),
		lease, toNanos(until), id, lease, toNanos(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim bridge: %w", err)
	}
	if err := r.bridgeChanged(ctx, res, id, "is leased by another caller"); err != nil {
		return nil, err
	}
	return r.GetBridge(ctx, id)
}

// ReleaseBridge drops lease if it is still the one holding the record.
func (r *repo) ReleaseBridge(ctx context.Context, id, lease string) error {
	_, err := r.q.ExecContext(ctx, r.rebind(`UPDATE bridges SET lease = '', lease_expires = 0
		WHERE id = ? AND lease = ?`),
		id, lease,
	)
	if err != nil {
		return fmt.Errorf("failed to release bridge: %w", err)
	}
	return nil
}

// bridgeChanged turns an update that matched no row into ErrNotFound or
// ErrConflict.
func (r *repo) bridgeChanged(ctx context.Context, res sql.Result, id, conflict string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update bridge: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.GetBridge(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("bridge %s %s: %w", id, conflict, storage.ErrConflict)
}

// ListBridges returns records oldest first.
func (r *repo) ListBridges(ctx context.Context, pendingOnly bool) ([]*domain.BridgeRecord, error) {
	query := `SELECT ` + bridgeColumns + ` FROM bridges`
	var args []any
	if pendingOnly {
		query += ` WHERE phase NOT IN (?, ?)`
		args = append(args, string(domain.PhaseCompleted), string(domain.PhaseFailed))
	}
	query += ` ORDER BY created_at, id`

	var rows []bridgeRow
	if err := r.q.SelectContext(ctx, &rows, r.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list bridges: %w", err)
	}
	out := make([]*domain.BridgeRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
