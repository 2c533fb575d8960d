// Package checkpoint exposes the project checkpoint records the escrow
// engine settles against. Checkpoints are owned by the projects service;
// this package only reads them and advances their payment status.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrStatusConflict     = errors.New("checkpoint status changed concurrently")
)

// Status represents the payment state of a checkpoint.
type Status string

const (
	StatusPending   Status = "pending"   // Created, no funds committed
	StatusFunded    Status = "funded"    // Client committed, funds not yet locked
	StatusInEscrow  Status = "in_escrow" // Client funds locked
	StatusReleased  Status = "released"  // Funds paid out to freelancer and fee wallets
	StatusRefunded  Status = "refunded"  // Funds returned to client
	StatusDisputed  Status = "disputed"  // Frozen pending resolution
	StatusCompleted Status = "completed" // Marketplace closed the checkpoint after release
)

// Fundable returns true if funds may still be locked for this status.
func (s Status) Fundable() bool {
	return s == StatusPending || s == StatusFunded
}

// Checkpoint is a deliverable milestone within a project. Amount is in
// minor currency units.
type Checkpoint struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"projectId"`
	ClientUserID     string    `json:"clientUserId"`
	FreelancerUserID string    `json:"freelancerUserId"`
	ConsultantUserID string    `json:"consultantUserId,omitempty"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Terminal returns true once the checkpoint's funds have been settled.
func (c *Checkpoint) Terminal() bool {
	switch c.Status {
	case StatusReleased, StatusRefunded, StatusCompleted:
		return true
	}
	return false
}

// Gateway reads checkpoints and advances their payment status.
//
// SetStatusIf is a compare-and-swap: the transition applies only if the
// stored status still equals the expected value, and returns
// ErrStatusConflict otherwise. That makes it the serialization point for
// concurrent escrow operations on the same checkpoint.
type Gateway interface {
	Get(ctx context.Context, id string) (*Checkpoint, error)
	SetStatusIf(ctx context.Context, id string, expected, next Status) (*Checkpoint, error)
}

// Seeder writes checkpoint records. Production records come from the
// projects service; this is for demo mode and admin tooling. Both
// gateway implementations satisfy it.
type Seeder interface {
	Put(ctx context.Context, c *Checkpoint) (*Checkpoint, error)
}
