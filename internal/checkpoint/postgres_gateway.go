package checkpoint

import (
	"context"
	"database/sql"

	"github.com/nexlance/wallet-service/internal/idgen"
)

// PostgresGateway implements Gateway against the shared checkpoints table.
// The conditional UPDATE in SetStatusIf is the row-level CAS that serializes
// concurrent escrow operations.
type PostgresGateway struct {
	db *sql.DB
}

// NewPostgresGateway creates a new PostgreSQL-backed checkpoint gateway.
func NewPostgresGateway(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{db: db}
}

const checkpointColumns = `id, project_id, client_user_id, freelancer_user_id,
	COALESCE(consultant_user_id, ''), amount, currency, status, created_at, updated_at`

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := row.Scan(&c.ID, &c.ProjectID, &c.ClientUserID, &c.FreelancerUserID,
		&c.ConsultantUserID, &c.Amount, &c.Currency, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresGateway) Get(ctx context.Context, id string) (*Checkpoint, error) {
	return scanCheckpoint(p.db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints WHERE id = $1
	`, id))
}

func (p *PostgresGateway) SetStatusIf(ctx context.Context, id string, expected, next Status) (*Checkpoint, error) {
	c, err := scanCheckpoint(p.db.QueryRowContext(ctx, `
		UPDATE checkpoints SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+checkpointColumns+`
	`, id, string(expected), string(next)))
	if err == ErrCheckpointNotFound {
		// The row exists but its status moved, or it never existed.
		// Distinguish the two for the caller.
		if _, getErr := p.Get(ctx, id); getErr == nil {
			return nil, ErrStatusConflict
		}
		return nil, ErrCheckpointNotFound
	}
	return c, err
}

// Put inserts or replaces a checkpoint record. Used by demo seeding and
// integration tests; production records come from the projects service.
func (p *PostgresGateway) Put(ctx context.Context, c *Checkpoint) (*Checkpoint, error) {
	id := c.ID
	if id == "" {
		id = idgen.WithPrefix("chk_")
	}
	status := c.Status
	if status == "" {
		status = StatusPending
	}
	return scanCheckpoint(p.db.QueryRowContext(ctx, `
		INSERT INTO checkpoints (id, project_id, client_user_id, freelancer_user_id, consultant_user_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			project_id         = EXCLUDED.project_id,
			client_user_id     = EXCLUDED.client_user_id,
			freelancer_user_id = EXCLUDED.freelancer_user_id,
			consultant_user_id = EXCLUDED.consultant_user_id,
			amount             = EXCLUDED.amount,
			currency           = EXCLUDED.currency,
			status             = EXCLUDED.status,
			updated_at         = NOW()
		RETURNING `+checkpointColumns+`
	`, id, c.ProjectID, c.ClientUserID, c.FreelancerUserID, c.ConsultantUserID, c.Amount, c.Currency, string(status)))
}
