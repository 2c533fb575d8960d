// Package escrow drives checkpoint payments on the marketplace.
//
// Flow:
//  1. Client funds a checkpoint → wallet funds moved: available → escrow
//  2. Work approved → Release splits the escrowed total between platform,
//     consultant (if any) and freelancer wallets
//  3. Work rejected or cancelled → Refund returns escrow to the client
//
// Checkpoint status is the source of truth. Every operation advances it
// with a compare-and-set before touching the ledger, so retries and
// concurrent callers converge on exactly one balance change per
// checkpoint operation.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexlance/wallet-service/internal/checkpoint"
	"github.com/nexlance/wallet-service/internal/logging"
	"github.com/nexlance/wallet-service/internal/syncutil"
	"github.com/nexlance/wallet-service/internal/traces"
	"github.com/nexlance/wallet-service/internal/wallet"
)

var (
	ErrInvalidState            = errors.New("operation not allowed in current checkpoint status")
	ErrNotAuthorized           = errors.New("caller is not the checkpoint's client")
	ErrConflict                = errors.New("concurrent operation on this checkpoint, retry")
	ErrInvalidFeeConfiguration = errors.New("invalid fee configuration")
)

// Ledger abstracts the wallet store operations the engine needs, so tests
// can substitute a stub. *wallet.MemoryStore and *wallet.PostgresStore
// both satisfy it.
type Ledger interface {
	EscrowLock(ctx context.Context, userID string, amount int64, checkpointID, projectID string) (*wallet.Wallet, *wallet.Transaction, error)
	ReleaseEscrow(ctx context.Context, p wallet.ReleaseParams) (*wallet.ReleaseRecord, error)
	RefundEscrow(ctx context.Context, userID string, amount int64, checkpointID, projectID string) (*wallet.Wallet, *wallet.Transaction, error)
	FindCheckpointTransaction(ctx context.Context, checkpointID string, t wallet.Type) (*wallet.Transaction, error)
	GetWallet(ctx context.Context, userID string) (*wallet.Wallet, error)
}

// FundResult reports a completed (or replayed) fund operation.
type FundResult struct {
	CheckpointID        string `json:"checkpointId"`
	AmountLocked        int64  `json:"amountLocked"`
	NewAvailableBalance int64  `json:"newAvailableBalance"`
	NewEscrowBalance    int64  `json:"newEscrowBalance"`
	Replayed            bool   `json:"replayed,omitempty"`
}

// ReleaseResult reports a completed (or replayed) release operation.
type ReleaseResult struct {
	CheckpointID     string `json:"checkpointId"`
	TotalAmount      int64  `json:"totalAmount"`
	PlatformFee      int64  `json:"platformFee"`
	ConsultantFee    int64  `json:"consultantFee"`
	FreelancerPayout int64  `json:"freelancerPayout"`
	PlatformUserID   string `json:"platformUserId"`
	ConsultantUserID string `json:"consultantUserId,omitempty"`
	FreelancerUserID string `json:"freelancerUserId"`
	Replayed         bool   `json:"replayed,omitempty"`
}

// RefundResult reports a completed (or replayed) refund operation.
type RefundResult struct {
	CheckpointID        string `json:"checkpointId"`
	RefundedAmount      int64  `json:"refundedAmount"`
	NewAvailableBalance int64  `json:"newAvailableBalance"`
	NewEscrowBalance    int64  `json:"newEscrowBalance"`
	Replayed            bool   `json:"replayed,omitempty"`
}

// Engine implements the checkpoint escrow state machine.
type Engine struct {
	gateway        checkpoint.Gateway
	ledger         Ledger
	fees           *FeePolicy
	platformUserID string
	locks          syncutil.ShardedMutex
}

// NewEngine creates an escrow engine.
func NewEngine(gateway checkpoint.Gateway, ledger Ledger, fees *FeePolicy, platformUserID string) *Engine {
	return &Engine{
		gateway:        gateway,
		ledger:         ledger,
		fees:           fees,
		platformUserID: platformUserID,
	}
}

// Fund locks the checkpoint amount from the client's available balance.
// Calling it again after it succeeded replays the recorded result.
func (e *Engine) Fund(ctx context.Context, checkpointID, clientUserID string) (*FundResult, error) {
	defer observeOp("fund")()
	ctx, span := traces.StartSpan(ctx, "escrow.Fund",
		traces.CheckpointID(checkpointID), traces.UserID(clientUserID))
	defer span.End()

	unlock := e.locks.Lock(checkpointID)
	defer unlock()

	cp, err := e.gateway.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.ClientUserID != clientUserID {
		return nil, ErrNotAuthorized
	}

	switch {
	case cp.Status == checkpoint.StatusInEscrow:
		return e.replayFund(ctx, cp)
	case cp.Status.Fundable():
		// Fall through to the lock below.
	default:
		// Released, refunded, completed or disputed.
		return nil, fmt.Errorf("%w: cannot fund from %s", ErrInvalidState, cp.Status)
	}

	if cp.Amount <= 0 {
		return nil, wallet.ErrInvalidAmount
	}
	span.SetAttributes(traces.Amount(cp.Amount))

	// CAS first: the winner of this transition owns the ledger write.
	prev := cp.Status
	if _, err := e.gateway.SetStatusIf(ctx, cp.ID, prev, checkpoint.StatusInEscrow); err != nil {
		if errors.Is(err, checkpoint.ErrStatusConflict) {
			return e.fundAfterConflict(ctx, cp.ID)
		}
		return nil, err
	}

	w, tx, err := e.ledger.EscrowLock(ctx, clientUserID, cp.Amount, cp.ID, cp.ProjectID)
	if errors.Is(err, wallet.ErrDuplicateOperation) {
		// The lock was already recorded (a crashed attempt's resume won).
		return e.replayFund(ctx, cp)
	}
	if err != nil {
		// No money moved. Hand the checkpoint back so the client can retry.
		if _, rerr := e.gateway.SetStatusIf(ctx, cp.ID, checkpoint.StatusInEscrow, prev); rerr != nil {
			logging.L(ctx).Error("fund compensation failed, checkpoint stuck in_escrow without lock",
				"checkpoint_id", cp.ID, "error", rerr)
		}
		return nil, err
	}

	logging.L(ctx).Info("checkpoint funded",
		"checkpoint_id", cp.ID, "project_id", cp.ProjectID,
		"client_user_id", cp.ClientUserID, "amount", cp.Amount, "transaction_id", tx.ID)
	opsTotal.WithLabelValues("fund", "success").Inc()
	return &FundResult{
		CheckpointID:        cp.ID,
		AmountLocked:        cp.Amount,
		NewAvailableBalance: w.AvailableBalance,
		NewEscrowBalance:    w.EscrowBalance,
	}, nil
}

// fundAfterConflict re-reads the checkpoint after a lost CAS. A concurrent
// fund that already won turns this call into a replay; anything else is a
// conflict for the caller to retry.
func (e *Engine) fundAfterConflict(ctx context.Context, checkpointID string) (*FundResult, error) {
	cur, err := e.gateway.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cur.Status == checkpoint.StatusInEscrow {
		return e.replayFund(ctx, cur)
	}
	opsTotal.WithLabelValues("fund", "conflict").Inc()
	return nil, ErrConflict
}

// replayFund reconstructs the fund result for a checkpoint already in
// escrow. If the ledger write is missing (crash between status CAS and
// ledger commit), it is performed now.
func (e *Engine) replayFund(ctx context.Context, cp *checkpoint.Checkpoint) (*FundResult, error) {
	tx, err := e.ledger.FindCheckpointTransaction(ctx, cp.ID, wallet.TypeEscrowLock)
	if errors.Is(err, wallet.ErrTransactionNotFound) {
		w, _, lockErr := e.ledger.EscrowLock(ctx, cp.ClientUserID, cp.Amount, cp.ID, cp.ProjectID)
		if errors.Is(lockErr, wallet.ErrDuplicateOperation) {
			// Another resumer beat us; fall through to the recorded state.
		} else if lockErr != nil {
			return nil, lockErr
		} else {
			logging.L(ctx).Warn("resumed interrupted fund", "checkpoint_id", cp.ID)
			opsTotal.WithLabelValues("fund", "resumed").Inc()
			return &FundResult{
				CheckpointID:        cp.ID,
				AmountLocked:        cp.Amount,
				NewAvailableBalance: w.AvailableBalance,
				NewEscrowBalance:    w.EscrowBalance,
				Replayed:            true,
			}, nil
		}
		if tx, err = e.ledger.FindCheckpointTransaction(ctx, cp.ID, wallet.TypeEscrowLock); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	w, err := e.ledger.GetWallet(ctx, cp.ClientUserID)
	if err != nil {
		return nil, err
	}
	opsTotal.WithLabelValues("fund", "replayed").Inc()
	return &FundResult{
		CheckpointID:        cp.ID,
		AmountLocked:        -tx.Amount,
		NewAvailableBalance: w.AvailableBalance,
		NewEscrowBalance:    w.EscrowBalance,
		Replayed:            true,
	}, nil
}

// Release pays the escrowed checkpoint total out to the platform,
// consultant (if any) and freelancer wallets per the fee policy.
func (e *Engine) Release(ctx context.Context, checkpointID string) (*ReleaseResult, error) {
	defer observeOp("release")()
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.CheckpointID(checkpointID))
	defer span.End()

	unlock := e.locks.Lock(checkpointID)
	defer unlock()

	cp, err := e.gateway.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	switch cp.Status {
	case checkpoint.StatusReleased, checkpoint.StatusCompleted:
		return e.replayRelease(ctx, cp)
	case checkpoint.StatusInEscrow:
		// Fall through.
	default:
		return nil, fmt.Errorf("%w: cannot release from %s", ErrInvalidState, cp.Status)
	}

	// Validate the split before committing to the transition.
	split, err := e.fees.Split(cp.ProjectID, cp.Amount, cp.ConsultantUserID != "")
	if err != nil {
		return nil, err
	}

	if _, err := e.gateway.SetStatusIf(ctx, cp.ID, checkpoint.StatusInEscrow, checkpoint.StatusReleased); err != nil {
		if errors.Is(err, checkpoint.ErrStatusConflict) {
			cur, gerr := e.gateway.Get(ctx, checkpointID)
			if gerr == nil && (cur.Status == checkpoint.StatusReleased || cur.Status == checkpoint.StatusCompleted) {
				return e.replayRelease(ctx, cur)
			}
			opsTotal.WithLabelValues("release", "conflict").Inc()
			return nil, ErrConflict
		}
		return nil, err
	}

	rec, err := e.ledger.ReleaseEscrow(ctx, e.releaseParams(cp, split))
	if errors.Is(err, wallet.ErrDuplicateOperation) {
		return e.replayRelease(ctx, cp)
	}
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientEscrow) {
			// Escrow held is less than escrow funded. A prior invariant
			// violation upstream, not something a retry can fix.
			logging.L(ctx).Error("CONSISTENCY ALARM: escrow balance below checkpoint total",
				"checkpoint_id", cp.ID, "client_user_id", cp.ClientUserID, "total", cp.Amount)
			opsTotal.WithLabelValues("release", "consistency_alarm").Inc()
		}
		if _, rerr := e.gateway.SetStatusIf(ctx, cp.ID, checkpoint.StatusReleased, checkpoint.StatusInEscrow); rerr != nil {
			logging.L(ctx).Error("release compensation failed, checkpoint stuck released without payout",
				"checkpoint_id", cp.ID, "error", rerr)
		}
		return nil, err
	}

	logging.L(ctx).Info("checkpoint released",
		"checkpoint_id", cp.ID, "project_id", cp.ProjectID, "total", split.Total,
		"platform_fee", split.PlatformFee, "consultant_fee", split.ConsultantFee,
		"freelancer_payout", split.FreelancerPayout, "transactions", len(rec.Transactions))
	opsTotal.WithLabelValues("release", "success").Inc()
	return e.releaseResult(cp, split, false), nil
}

func (e *Engine) releaseParams(cp *checkpoint.Checkpoint, split Split) wallet.ReleaseParams {
	return wallet.ReleaseParams{
		CheckpointID:     cp.ID,
		ProjectID:        cp.ProjectID,
		ClientUserID:     cp.ClientUserID,
		Total:            split.Total,
		PlatformUserID:   e.platformUserID,
		PlatformFee:      split.PlatformFee,
		ConsultantUserID: cp.ConsultantUserID,
		ConsultantFee:    split.ConsultantFee,
		FreelancerUserID: cp.FreelancerUserID,
		FreelancerPayout: split.FreelancerPayout,
		Currency:         cp.Currency,
	}
}

func (e *Engine) releaseResult(cp *checkpoint.Checkpoint, split Split, replayed bool) *ReleaseResult {
	return &ReleaseResult{
		CheckpointID:     cp.ID,
		TotalAmount:      split.Total,
		PlatformFee:      split.PlatformFee,
		ConsultantFee:    split.ConsultantFee,
		FreelancerPayout: split.FreelancerPayout,
		PlatformUserID:   e.platformUserID,
		ConsultantUserID: cp.ConsultantUserID,
		FreelancerUserID: cp.FreelancerUserID,
		Replayed:         replayed,
	}
}

// replayRelease rebuilds the release result from the recorded
// transactions, resuming the payout if it never committed.
func (e *Engine) replayRelease(ctx context.Context, cp *checkpoint.Checkpoint) (*ReleaseResult, error) {
	srcTx, err := e.ledger.FindCheckpointTransaction(ctx, cp.ID, wallet.TypeEscrowRelease)
	if errors.Is(err, wallet.ErrTransactionNotFound) {
		split, splitErr := e.fees.Split(cp.ProjectID, cp.Amount, cp.ConsultantUserID != "")
		if splitErr != nil {
			return nil, splitErr
		}
		_, relErr := e.ledger.ReleaseEscrow(ctx, e.releaseParams(cp, split))
		if relErr != nil && !errors.Is(relErr, wallet.ErrDuplicateOperation) {
			return nil, relErr
		}
		if relErr == nil {
			logging.L(ctx).Warn("resumed interrupted release", "checkpoint_id", cp.ID)
			opsTotal.WithLabelValues("release", "resumed").Inc()
		}
		return e.releaseResult(cp, split, true), nil
	}
	if err != nil {
		return nil, err
	}

	split := Split{Total: -srcTx.Amount}
	if tx, err := e.ledger.FindCheckpointTransaction(ctx, cp.ID, wallet.TypePlatformFee); err == nil {
		split.PlatformFee = tx.Amount
	}
	if tx, err := e.ledger.FindCheckpointTransaction(ctx, cp.ID, wallet.TypeConsultantFee); err == nil {
		split.ConsultantFee = tx.Amount
	}
	split.FreelancerPayout = split.Total - split.PlatformFee - split.ConsultantFee

	opsTotal.WithLabelValues("release", "replayed").Inc()
	return e.releaseResult(cp, split, true), nil
}

// Refund returns the escrowed checkpoint total to the client's available
// balance.
func (e *Engine) Refund(ctx context.Context, checkpointID string) (*RefundResult, error) {
	defer observeOp("refund")()
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.CheckpointID(checkpointID))
	defer span.End()

	unlock := e.locks.Lock(checkpointID)
	defer unlock()

	cp, err := e.gateway.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	switch cp.Status {
	case checkpoint.StatusRefunded:
		return e.replayRefund(ctx, cp)
	case checkpoint.StatusInEscrow:
		// Fall through.
	default:
		return nil, fmt.Errorf("%w: cannot refund from %s", ErrInvalidState, cp.Status)
	}

	if _, err := e.gateway.SetStatusIf(ctx, cp.ID, checkpoint.StatusInEscrow, checkpoint.StatusRefunded); err != nil {
		if errors.Is(err, checkpoint.ErrStatusConflict) {
			cur, gerr := e.gateway.Get(ctx, checkpointID)
			if gerr == nil && cur.Status == checkpoint.StatusRefunded {
				return e.replayRefund(ctx, cur)
			}
			opsTotal.WithLabelValues("refund", "conflict").Inc()
			return nil, ErrConflict
		}
		return nil, err
	}

	w, _, err := e.ledger.RefundEscrow(ctx, cp.ClientUserID, cp.Amount, cp.ID, cp.ProjectID)
	if errors.Is(err, wallet.ErrDuplicateOperation) {
		return e.replayRefund(ctx, cp)
	}
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientEscrow) {
			logging.L(ctx).Error("CONSISTENCY ALARM: escrow balance below checkpoint total",
				"checkpoint_id", cp.ID, "client_user_id", cp.ClientUserID, "total", cp.Amount)
			opsTotal.WithLabelValues("refund", "consistency_alarm").Inc()
		}
		if _, rerr := e.gateway.SetStatusIf(ctx, cp.ID, checkpoint.StatusRefunded, checkpoint.StatusInEscrow); rerr != nil {
			logging.L(ctx).Error("refund compensation failed, checkpoint stuck refunded without return",
				"checkpoint_id", cp.ID, "error", rerr)
		}
		return nil, err
	}

	logging.L(ctx).Info("checkpoint refunded",
		"checkpoint_id", cp.ID, "project_id", cp.ProjectID,
		"client_user_id", cp.ClientUserID, "amount", cp.Amount)
	opsTotal.WithLabelValues("refund", "success").Inc()
	return &RefundResult{
		CheckpointID:        cp.ID,
		RefundedAmount:      cp.Amount,
		NewAvailableBalance: w.AvailableBalance,
		NewEscrowBalance:    w.EscrowBalance,
	}, nil
}

// replayRefund reconstructs the refund result, resuming the ledger write
// if it never committed.
func (e *Engine) replayRefund(ctx context.Context, cp *checkpoint.Checkpoint) (*RefundResult, error) {
	tx, err := e.ledger.FindCheckpointTransaction(ctx, cp.ID, wallet.TypeEscrowRefund)
	if errors.Is(err, wallet.ErrTransactionNotFound) {
		w, _, refErr := e.ledger.RefundEscrow(ctx, cp.ClientUserID, cp.Amount, cp.ID, cp.ProjectID)
		if errors.Is(refErr, wallet.ErrDuplicateOperation) {
			// Another resumer beat us; fall through to the recorded state.
		} else if refErr != nil {
			return nil, refErr
		} else {
			logging.L(ctx).Warn("resumed interrupted refund", "checkpoint_id", cp.ID)
			opsTotal.WithLabelValues("refund", "resumed").Inc()
			return &RefundResult{
				CheckpointID:        cp.ID,
				RefundedAmount:      cp.Amount,
				NewAvailableBalance: w.AvailableBalance,
				NewEscrowBalance:    w.EscrowBalance,
				Replayed:            true,
			}, nil
		}
		if tx, err = e.ledger.FindCheckpointTransaction(ctx, cp.ID, wallet.TypeEscrowRefund); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	w, err := e.ledger.GetWallet(ctx, cp.ClientUserID)
	if err != nil {
		return nil, err
	}
	opsTotal.WithLabelValues("refund", "replayed").Inc()
	return &RefundResult{
		CheckpointID:        cp.ID,
		RefundedAmount:      tx.Amount,
		NewAvailableBalance: w.AvailableBalance,
		NewEscrowBalance:    w.EscrowBalance,
		Replayed:            true,
	}, nil
}
