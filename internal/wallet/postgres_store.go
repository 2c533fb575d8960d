package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/nexlance/wallet-service/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Composite operations run
// inside a single serializable transaction; the CHECK constraints on
// available_balance and escrow_balance enforce non-negativity at the DB
// level, and the unique partial index on (checkpoint_id, type) makes each
// checkpoint operation recordable exactly once.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// mapPQError translates Postgres error codes into the package's sentinel
// errors. Constraint names disambiguate which balance column ran dry.
func mapPQError(err error) error {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return err
	}
	switch pqErr.Code {
	case "23505": // unique_violation
		if pqErr.Constraint == "idx_transactions_deposit_ref" {
			return ErrDuplicateDeposit
		}
		if pqErr.Constraint == "wallets_user_id_key" {
			return ErrWalletExists
		}
		return ErrDuplicateOperation
	case "23514": // check_violation
		if pqErr.Constraint == "chk_escrow_nonneg" {
			return ErrInsufficientEscrow
		}
		return ErrInsufficientFunds
	case "40001": // serialization_failure
		return fmt.Errorf("serialization conflict: %w", err)
	}
	return err
}

const walletColumns = `id, user_id, available_balance, escrow_balance, currency, created_at, updated_at`

func scanWallet(row *sql.Row) (*Wallet, error) {
	w := &Wallet{}
	err := row.Scan(&w.ID, &w.UserID, &w.AvailableBalance, &w.EscrowBalance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return scanWallet(p.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id = $1
	`, userID))
}

func (p *PostgresStore) CreateWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	w, err := scanWallet(p.db.QueryRowContext(ctx, `
		INSERT INTO wallets (id, user_id, currency)
		VALUES ($1, $2, $3)
		RETURNING `+walletColumns+`
	`, idgen.WithPrefix("wal_"), userID, currency))
	if err != nil {
		return nil, mapPQError(err)
	}
	return w, nil
}

// getOrCreateTx resolves a wallet by user inside tx, creating it lazily.
// The upsert's no-op DO UPDATE makes the RETURNING clause fire on conflict.
func getOrCreateTx(ctx context.Context, tx *sql.Tx, userID, currency string) (*Wallet, error) {
	return scanWallet(tx.QueryRowContext(ctx, `
		INSERT INTO wallets (id, user_id, currency)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = NOW()
		RETURNING `+walletColumns+`
	`, idgen.WithPrefix("wal_"), userID, currency))
}

// applyDeltaTx adjusts both balance columns in one UPDATE. The CHECK
// constraints reject any negative result.
func applyDeltaTx(ctx context.Context, tx *sql.Tx, walletID string, availableDelta, escrowDelta int64) (*Wallet, error) {
	w, err := scanWallet(tx.QueryRowContext(ctx, `
		UPDATE wallets SET
			available_balance = available_balance + $2,
			escrow_balance    = escrow_balance + $3,
			updated_at        = NOW()
		WHERE id = $1
		RETURNING `+walletColumns+`
	`, walletID, availableDelta, escrowDelta))
	if err != nil {
		return nil, mapPQError(err)
	}
	return w, nil
}

// insertTx records one ledger entry inside tx.
func insertTx(ctx context.Context, tx *sql.Tx, t *Transaction) (*Transaction, error) {
	if t.ID == "" {
		t.ID = idgen.WithPrefix("txn_")
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO transactions (id, wallet_id, project_id, checkpoint_id, amount, type, description, metadata)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8)
		RETURNING created_at
	`, t.ID, t.WalletID, t.ProjectID, t.CheckpointID, t.Amount, string(t.Type), t.Description, meta).Scan(&t.CreatedAt)
	if err != nil {
		return nil, mapPQError(err)
	}
	return t, nil
}

func (p *PostgresStore) AppendTransaction(ctx context.Context, t *Transaction) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out, err := insertTx(ctx, tx, t)
	if err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

func (p *PostgresStore) ApplyBalanceDelta(ctx context.Context, walletID string, availableDelta, escrowDelta int64) (*Wallet, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := applyDeltaTx(ctx, tx, walletID, availableDelta, escrowDelta)
	if err != nil {
		return nil, err
	}
	return w, tx.Commit()
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, f Filter) ([]*Transaction, error) {
	query := `
		SELECT id, wallet_id, COALESCE(project_id, ''), COALESCE(checkpoint_id, ''),
		       amount, type, description, metadata, created_at
		FROM transactions
		WHERE wallet_id = $1`
	args := []any{walletID}

	if f.Type != "" {
		args = append(args, string(f.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		query += fmt.Sprintf(" AND project_id = $%d", len(args))
	}

	query += " ORDER BY created_at DESC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(rows *sql.Rows) (*Transaction, error) {
	t := &Transaction{}
	var meta []byte
	err := rows.Scan(&t.ID, &t.WalletID, &t.ProjectID, &t.CheckpointID,
		&t.Amount, &t.Type, &t.Description, &meta, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return t, nil
}

func (p *PostgresStore) FindCheckpointTransaction(ctx context.Context, checkpointID string, typ Type) (*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, wallet_id, COALESCE(project_id, ''), COALESCE(checkpoint_id, ''),
		       amount, type, description, metadata, created_at
		FROM transactions
		WHERE checkpoint_id = $1 AND type = $2
	`, checkpointID, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrTransactionNotFound
	}
	return scanTransaction(rows)
}

func (p *PostgresStore) EscrowLock(ctx context.Context, userID string, amount int64, checkpointID, projectID string) (*Wallet, *Transaction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	w, err := scanWallet(tx.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE
	`, userID))
	if err == ErrWalletNotFound {
		// No wallet means a zero balance, not a lookup failure.
		return nil, nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, nil, err
	}

	updated, err := applyDeltaTx(ctx, tx, w.ID, -amount, amount)
	if err != nil {
		return nil, nil, err
	}
	entry, err := insertTx(ctx, tx, &Transaction{
		WalletID:     w.ID,
		ProjectID:    projectID,
		CheckpointID: checkpointID,
		Amount:       -amount,
		Type:         TypeEscrowLock,
		Description:  "checkpoint funds locked",
	})
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapPQError(err)
	}
	return updated, entry, nil
}

func (p *PostgresStore) ReleaseEscrow(ctx context.Context, params ReleaseParams) (*ReleaseRecord, error) {
	if params.Total <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	source, err := scanWallet(tx.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE
	`, params.ClientUserID))
	if err != nil {
		return nil, err
	}

	updated, err := applyDeltaTx(ctx, tx, source.ID, 0, -params.Total)
	if err != nil {
		return nil, err
	}

	rec := &ReleaseRecord{SourceWallet: updated}

	srcEntry, err := insertTx(ctx, tx, &Transaction{
		WalletID:     source.ID,
		ProjectID:    params.ProjectID,
		CheckpointID: params.CheckpointID,
		Amount:       -params.Total,
		Type:         TypeEscrowRelease,
		Description:  "checkpoint released",
	})
	if err != nil {
		return nil, err
	}
	rec.Transactions = append(rec.Transactions, srcEntry)

	credit := func(userID string, amount int64, typ Type, desc string) error {
		w, err := getOrCreateTx(ctx, tx, userID, params.Currency)
		if err != nil {
			return mapPQError(err)
		}
		if _, err := applyDeltaTx(ctx, tx, w.ID, amount, 0); err != nil {
			return err
		}
		entry, err := insertTx(ctx, tx, &Transaction{
			WalletID:     w.ID,
			ProjectID:    params.ProjectID,
			CheckpointID: params.CheckpointID,
			Amount:       amount,
			Type:         typ,
			Description:  desc,
		})
		if err != nil {
			return err
		}
		rec.Transactions = append(rec.Transactions, entry)
		return nil
	}

	if err := credit(params.PlatformUserID, params.PlatformFee, TypePlatformFee, "platform fee"); err != nil {
		return nil, err
	}
	if params.ConsultantUserID != "" {
		if err := credit(params.ConsultantUserID, params.ConsultantFee, TypeConsultantFee, "consultant fee"); err != nil {
			return nil, err
		}
	}
	if err := credit(params.FreelancerUserID, params.FreelancerPayout, TypeFreelancerPayout, "freelancer payout"); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapPQError(err)
	}
	return rec, nil
}

func (p *PostgresStore) RefundEscrow(ctx context.Context, userID string, amount int64, checkpointID, projectID string) (*Wallet, *Transaction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	w, err := scanWallet(tx.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE
	`, userID))
	if err != nil {
		return nil, nil, err
	}

	updated, err := applyDeltaTx(ctx, tx, w.ID, amount, -amount)
	if err != nil {
		return nil, nil, err
	}
	entry, err := insertTx(ctx, tx, &Transaction{
		WalletID:     w.ID,
		ProjectID:    projectID,
		CheckpointID: checkpointID,
		Amount:       amount,
		Type:         TypeEscrowRefund,
		Description:  "checkpoint refunded",
	})
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapPQError(err)
	}
	return updated, entry, nil
}

func (p *PostgresStore) Deposit(ctx context.Context, userID, currency string, amount int64, reference, description string) (*Wallet, *Transaction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	w, err := getOrCreateTx(ctx, tx, userID, currency)
	if err != nil {
		return nil, nil, mapPQError(err)
	}
	updated, err := applyDeltaTx(ctx, tx, w.ID, amount, 0)
	if err != nil {
		return nil, nil, err
	}
	entry, err := insertTx(ctx, tx, &Transaction{
		WalletID:    w.ID,
		Amount:      amount,
		Type:        TypeDeposit,
		Description: description,
		Metadata:    map[string]string{"reference": reference},
	})
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapPQError(err)
	}
	return updated, entry, nil
}

func (p *PostgresStore) Withdraw(ctx context.Context, userID string, amount int64, reference string) (*Wallet, *Transaction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	w, err := scanWallet(tx.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE
	`, userID))
	if err != nil {
		return nil, nil, err
	}

	updated, err := applyDeltaTx(ctx, tx, w.ID, -amount, 0)
	if err != nil {
		return nil, nil, err
	}
	entry, err := insertTx(ctx, tx, &Transaction{
		WalletID:    w.ID,
		Amount:      -amount,
		Type:        TypeWithdrawal,
		Description: "withdrawal",
		Metadata:    map[string]string{"reference": reference},
	})
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, mapPQError(err)
	}
	return updated, entry, nil
}

func (p *PostgresStore) HasDeposit(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE type = 'deposit' AND metadata->>'reference' = $1
		)
	`, reference).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+walletColumns+` FROM wallets ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Wallet, 0)
	for rows.Next() {
		w := &Wallet{}
		if err := rows.Scan(&w.ID, &w.UserID, &w.AvailableBalance, &w.EscrowBalance, &w.Currency, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumTransactionDeltas(ctx context.Context, walletID string) (int64, int64, error) {
	var avail, escrow int64
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN type = 'escrow_release' THEN 0 ELSE amount END), 0),
			COALESCE(SUM(CASE
				WHEN type IN ('escrow_lock', 'escrow_refund') THEN -amount
				WHEN type = 'escrow_release' THEN amount
				ELSE 0
			END), 0)
		FROM transactions WHERE wallet_id = $1
	`, walletID).Scan(&avail, &escrow)
	return avail, escrow, err
}
