// Package wallet tracks user balances on the marketplace.
//
// Flow:
//  1. Client tops up their wallet (credits availableBalance)
//  2. Funding a checkpoint moves available → escrow
//  3. Release moves the escrowed total to platform/consultant/freelancer wallets
//  4. Refund moves escrow back to available
//
// Every monetary movement appends an immutable Transaction; balances are
// re-derivable from the transaction log (see Reconcile).
package wallet

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists for user")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientFunds   = errors.New("insufficient available balance")
	ErrInsufficientEscrow  = errors.New("insufficient escrow balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateOperation  = errors.New("operation already recorded for this checkpoint")
	ErrDuplicateDeposit    = errors.New("deposit already processed")
)

// Type classifies a ledger transaction.
type Type string

const (
	TypeDeposit          Type = "deposit"
	TypeWithdrawal       Type = "withdrawal"
	TypeEscrowLock       Type = "escrow_lock"
	TypeEscrowRelease    Type = "escrow_release"
	TypeEscrowRefund     Type = "escrow_refund"
	TypePlatformFee      Type = "platform_fee"
	TypeConsultantFee    Type = "consultant_fee"
	TypeFreelancerPayout Type = "freelancer_payout"
)

// Wallet holds a user's spendable and escrowed balances in minor
// currency units. Both balances are always >= 0.
type Wallet struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	AvailableBalance int64     `json:"availableBalance"`
	EscrowBalance    int64     `json:"escrowBalance"`
	Currency         string    `json:"currency"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Transaction is an immutable ledger entry. Amount is signed: negative
// amounts leave the wallet's available balance, positive amounts enter it.
// Escrow lock/release/refund entries carry the wallet's escrow movement
// implicitly (see availableDelta / escrowDelta).
type Transaction struct {
	ID           string            `json:"id"`
	WalletID     string            `json:"walletId"`
	ProjectID    string            `json:"projectId,omitempty"`
	CheckpointID string            `json:"checkpointId,omitempty"`
	Amount       int64             `json:"amount"`
	Type         Type              `json:"type"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Filter narrows a transaction listing. Zero values mean "no filter".
type Filter struct {
	Type      Type
	ProjectID string
	Limit     int
	Offset    int
}

// ReleaseParams describes the multi-wallet settlement of one checkpoint
// release. ConsultantUserID may be empty, in which case ConsultantFee
// must be zero.
type ReleaseParams struct {
	CheckpointID     string
	ProjectID        string
	ClientUserID     string
	Total            int64
	PlatformUserID   string
	PlatformFee      int64
	ConsultantUserID string
	ConsultantFee    int64
	FreelancerUserID string
	FreelancerPayout int64
	Currency         string
}

// ReleaseRecord is the persisted outcome of a ReleaseEscrow call.
type ReleaseRecord struct {
	SourceWallet *Wallet
	Transactions []*Transaction
}

// Store persists wallets and transactions. Each composite method
// (EscrowLock, ReleaseEscrow, RefundEscrow, Deposit, Withdraw) applies
// its balance deltas and transaction appends as a single atomic unit:
// one serializable database transaction in Postgres, one mutex hold in
// memory. Partial application never survives an error.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	CreateWallet(ctx context.Context, userID, currency string) (*Wallet, error)
	AppendTransaction(ctx context.Context, tx *Transaction) (*Transaction, error)
	ApplyBalanceDelta(ctx context.Context, walletID string, availableDelta, escrowDelta int64) (*Wallet, error)
	ListTransactions(ctx context.Context, walletID string, f Filter) ([]*Transaction, error)
	FindCheckpointTransaction(ctx context.Context, checkpointID string, t Type) (*Transaction, error)

	EscrowLock(ctx context.Context, userID string, amount int64, checkpointID, projectID string) (*Wallet, *Transaction, error)
	ReleaseEscrow(ctx context.Context, p ReleaseParams) (*ReleaseRecord, error)
	RefundEscrow(ctx context.Context, userID string, amount int64, checkpointID, projectID string) (*Wallet, *Transaction, error)

	Deposit(ctx context.Context, userID, currency string, amount int64, reference, description string) (*Wallet, *Transaction, error)
	Withdraw(ctx context.Context, userID string, amount int64, reference string) (*Wallet, *Transaction, error)
	HasDeposit(ctx context.Context, reference string) (bool, error)

	ListWallets(ctx context.Context) ([]*Wallet, error)
	SumTransactionDeltas(ctx context.Context, walletID string) (available, escrow int64, err error)
}

// DefaultPageSize is the transaction page size when the caller does not ask.
const DefaultPageSize = 10

// Service is the read side: wallet lookups and transaction history.
// Balances are mutated only through the escrow engine and top-ups.
type Service struct {
	store       Store
	maxPageSize int
}

// NewService creates a wallet read service. maxPageSize caps Filter.Limit.
func NewService(store Store, maxPageSize int) *Service {
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	return &Service{store: store, maxPageSize: maxPageSize}
}

// GetWallet returns the wallet for a user, or ErrWalletNotFound. Callers
// treat a missing wallet as zero balances.
func (s *Service) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

// ListTransactions returns the user's transaction history, newest first.
// A user without a wallet has an empty history, not an error.
func (s *Service) ListTransactions(ctx context.Context, userID string, f Filter) ([]*Transaction, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		return []*Transaction{}, nil
	}
	if err != nil {
		return nil, err
	}

	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > s.maxPageSize {
		f.Limit = s.maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	txs, err := s.store.ListTransactions(ctx, w.ID, f)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	return txs, nil
}

// availableDelta is the contribution of a transaction to the wallet's
// available balance. Escrow releases leave available untouched: the money
// departs from the escrow column.
func availableDelta(tx *Transaction) int64 {
	if tx.Type == TypeEscrowRelease {
		return 0
	}
	return tx.Amount
}

// escrowDelta is the contribution of a transaction to the wallet's escrow
// balance. Locks are stored negative (they leave available), so the escrow
// column moves by the opposite sign; releases are stored negative and hit
// escrow directly.
func escrowDelta(tx *Transaction) int64 {
	switch tx.Type {
	case TypeEscrowLock, TypeEscrowRefund:
		return -tx.Amount
	case TypeEscrowRelease:
		return tx.Amount
	default:
		return 0
	}
}

// Mismatch reports a wallet whose stored balances disagree with the
// balances derived from its transaction log.
type Mismatch struct {
	WalletID         string `json:"walletId"`
	UserID           string `json:"userId"`
	AvailableBalance int64  `json:"availableBalance"`
	EscrowBalance    int64  `json:"escrowBalance"`
	DerivedAvailable int64  `json:"derivedAvailable"`
	DerivedEscrow    int64  `json:"derivedEscrow"`
}

// ReconcileReport is the outcome of one reconciliation pass.
type ReconcileReport struct {
	WalletsChecked int        `json:"walletsChecked"`
	Mismatches     []Mismatch `json:"mismatches"`
	Duration       string     `json:"duration"`
}

// Reconcile re-derives every wallet's balances from the transaction log
// and reports disagreements. A non-empty mismatch list means the atomic
// unit guarantee was violated somewhere upstream.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	start := time.Now()

	wallets, err := s.store.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].UserID < wallets[j].UserID })

	report := &ReconcileReport{Mismatches: []Mismatch{}}
	for _, w := range wallets {
		avail, escrow, err := s.store.SumTransactionDeltas(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		report.WalletsChecked++
		if avail != w.AvailableBalance || escrow != w.EscrowBalance {
			report.Mismatches = append(report.Mismatches, Mismatch{
				WalletID:         w.ID,
				UserID:           w.UserID,
				AvailableBalance: w.AvailableBalance,
				EscrowBalance:    w.EscrowBalance,
				DerivedAvailable: avail,
				DerivedEscrow:    escrow,
			})
		}
	}

	report.Duration = time.Since(start).String()
	reconcileMismatches.Set(float64(len(report.Mismatches)))
	reconcileRuns.Inc()
	return report, nil
}
