package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexlance/wallet-service/internal/idgen"
)

// MemoryStore is an in-memory wallet store for demo/development mode and
// unit tests. A single mutex makes each composite operation atomic.
type MemoryStore struct {
	mu            sync.RWMutex
	walletsByUser map[string]*Wallet
	walletsByID   map[string]*Wallet
	transactions  []*Transaction
	checkpointOps map[string]*Transaction // checkpointID + "|" + type → recorded tx
	deposits      map[string]bool         // external reference → processed
	seq           int64                   // ties CreatedAt ordering to insert order
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		walletsByUser: make(map[string]*Wallet),
		walletsByID:   make(map[string]*Wallet),
		transactions:  make([]*Transaction, 0),
		checkpointOps: make(map[string]*Transaction),
		deposits:      make(map[string]bool),
	}
}

func opKey(checkpointID string, t Type) string {
	return checkpointID + "|" + string(t)
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.walletsByUser[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) CreateWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.walletsByUser[userID]; ok {
		return nil, ErrWalletExists
	}
	w := m.createWalletLocked(userID, currency)
	cp := *w
	return &cp, nil
}

// createWalletLocked inserts a zero-balance wallet. Caller holds m.mu.
func (m *MemoryStore) createWalletLocked(userID, currency string) *Wallet {
	now := time.Now().UTC()
	w := &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		UserID:    userID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.walletsByUser[userID] = w
	m.walletsByID[w.ID] = w
	return w
}

// getOrCreateLocked resolves a wallet by user, creating it lazily.
func (m *MemoryStore) getOrCreateLocked(userID, currency string) *Wallet {
	if w, ok := m.walletsByUser[userID]; ok {
		return w
	}
	return m.createWalletLocked(userID, currency)
}

func (m *MemoryStore) AppendTransaction(ctx context.Context, tx *Transaction) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

// appendLocked records a transaction. Caller holds m.mu.
func (m *MemoryStore) appendLocked(tx *Transaction) (*Transaction, error) {
	if _, ok := m.walletsByID[tx.WalletID]; !ok {
		return nil, ErrWalletNotFound
	}
	if tx.CheckpointID != "" {
		if _, ok := m.checkpointOps[opKey(tx.CheckpointID, tx.Type)]; ok {
			return nil, ErrDuplicateOperation
		}
	}

	cp := *tx
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("txn_")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.seq++

	m.transactions = append(m.transactions, &cp)
	if cp.CheckpointID != "" {
		m.checkpointOps[opKey(cp.CheckpointID, cp.Type)] = &cp
	}
	out := cp
	return &out, nil
}

func (m *MemoryStore) ApplyBalanceDelta(ctx context.Context, walletID string, availableDelta, escrowDelta int64) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyDeltaLocked(walletID, availableDelta, escrowDelta)
}

// applyDeltaLocked mutates balances, refusing any negative result.
// Caller holds m.mu.
func (m *MemoryStore) applyDeltaLocked(walletID string, availableDelta, escrowDelta int64) (*Wallet, error) {
	w, ok := m.walletsByID[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if w.AvailableBalance+availableDelta < 0 {
		return nil, ErrInsufficientFunds
	}
	if w.EscrowBalance+escrowDelta < 0 {
		return nil, ErrInsufficientEscrow
	}
	w.AvailableBalance += availableDelta
	w.EscrowBalance += escrowDelta
	w.UpdatedAt = time.Now().UTC()
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, walletID string, f Filter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Transaction, 0)
	for _, tx := range m.transactions {
		if tx.WalletID != walletID {
			continue
		}
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		if f.ProjectID != "" && tx.ProjectID != f.ProjectID {
			continue
		}
		cp := *tx
		matched = append(matched, &cp)
	}

	// Newest first; ties broken by id ascending for a stable page order.
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	if f.Offset >= len(matched) {
		return []*Transaction{}, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) FindCheckpointTransaction(ctx context.Context, checkpointID string, t Type) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.checkpointOps[opKey(checkpointID, t)]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) EscrowLock(ctx context.Context, userID string, amount int64, checkpointID, projectID string) (*Wallet, *Transaction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checkpointOps[opKey(checkpointID, TypeEscrowLock)]; ok {
		return nil, nil, ErrDuplicateOperation
	}

	w, ok := m.walletsByUser[userID]
	if !ok || w.AvailableBalance < amount {
		// No wallet means a zero balance, not a lookup failure.
		return nil, nil, ErrInsufficientFunds
	}

	updated, err := m.applyDeltaLocked(w.ID, -amount, amount)
	if err != nil {
		return nil, nil, err
	}
	tx, err := m.appendLocked(&Transaction{
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
	return updated, tx, nil
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, p ReleaseParams) (*ReleaseRecord, error) {
	if p.Total <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checkpointOps[opKey(p.CheckpointID, TypeEscrowRelease)]; ok {
		return nil, ErrDuplicateOperation
	}

	source, ok := m.walletsByUser[p.ClientUserID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if source.EscrowBalance < p.Total {
		return nil, ErrInsufficientEscrow
	}

	// All writes below cannot fail their balance checks (credits only),
	// so the operation is all-or-nothing under the single mutex hold.
	updated, err := m.applyDeltaLocked(source.ID, 0, -p.Total)
	if err != nil {
		return nil, err
	}

	rec := &ReleaseRecord{SourceWallet: updated}

	srcTx, err := m.appendLocked(&Transaction{
		WalletID:     source.ID,
		ProjectID:    p.ProjectID,
		CheckpointID: p.CheckpointID,
		Amount:       -p.Total,
		Type:         TypeEscrowRelease,
		Description:  "checkpoint released",
	})
	if err != nil {
		return nil, err
	}
	rec.Transactions = append(rec.Transactions, srcTx)

	credit := func(userID string, amount int64, t Type, desc string) error {
		if amount == 0 && t == TypeConsultantFee {
			return nil
		}
		w := m.getOrCreateLocked(userID, p.Currency)
		if _, err := m.applyDeltaLocked(w.ID, amount, 0); err != nil {
			return err
		}
		tx, err := m.appendLocked(&Transaction{
			WalletID:     w.ID,
			ProjectID:    p.ProjectID,
			CheckpointID: p.CheckpointID,
			Amount:       amount,
			Type:         t,
			Description:  desc,
		})
		if err != nil {
			return err
		}
		rec.Transactions = append(rec.Transactions, tx)
		return nil
	}

	if err := credit(p.PlatformUserID, p.PlatformFee, TypePlatformFee, "platform fee"); err != nil {
		return nil, err
	}
	if p.ConsultantUserID != "" {
		if err := credit(p.ConsultantUserID, p.ConsultantFee, TypeConsultantFee, "consultant fee"); err != nil {
			return nil, err
		}
	}
	if err := credit(p.FreelancerUserID, p.FreelancerPayout, TypeFreelancerPayout, "freelancer payout"); err != nil {
		return nil, err
	}

	return rec, nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, userID string, amount int64, checkpointID, projectID string) (*Wallet, *Transaction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checkpointOps[opKey(checkpointID, TypeEscrowRefund)]; ok {
		return nil, nil, ErrDuplicateOperation
	}

	w, ok := m.walletsByUser[userID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	if w.EscrowBalance < amount {
		return nil, nil, ErrInsufficientEscrow
	}

	updated, err := m.applyDeltaLocked(w.ID, amount, -amount)
	if err != nil {
		return nil, nil, err
	}
	tx, err := m.appendLocked(&Transaction{
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
	return updated, tx, nil
}

func (m *MemoryStore) Deposit(ctx context.Context, userID, currency string, amount int64, reference, description string) (*Wallet, *Transaction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" && m.deposits[reference] {
		return nil, nil, ErrDuplicateDeposit
	}

	w := m.getOrCreateLocked(userID, currency)
	updated, err := m.applyDeltaLocked(w.ID, amount, 0)
	if err != nil {
		return nil, nil, err
	}
	tx, err := m.appendLocked(&Transaction{
		WalletID:    w.ID,
		Amount:      amount,
		Type:        TypeDeposit,
		Description: description,
		Metadata:    map[string]string{"reference": reference},
	})
	if err != nil {
		return nil, nil, err
	}
	if reference != "" {
		m.deposits[reference] = true
	}
	return updated, tx, nil
}

func (m *MemoryStore) Withdraw(ctx context.Context, userID string, amount int64, reference string) (*Wallet, *Transaction, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.walletsByUser[userID]
	if !ok {
		return nil, nil, ErrWalletNotFound
	}
	if w.AvailableBalance < amount {
		return nil, nil, ErrInsufficientFunds
	}

	updated, err := m.applyDeltaLocked(w.ID, -amount, 0)
	if err != nil {
		return nil, nil, err
	}
	tx, err := m.appendLocked(&Transaction{
		WalletID:    w.ID,
		Amount:      -amount,
		Type:        TypeWithdrawal,
		Description: "withdrawal",
		Metadata:    map[string]string{"reference": reference},
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, tx, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[reference], nil
}

func (m *MemoryStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Wallet, 0, len(m.walletsByID))
	for _, w := range m.walletsByID {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SumTransactionDeltas(ctx context.Context, walletID string) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var avail, escrow int64
	for _, tx := range m.transactions {
		if tx.WalletID != walletID {
			continue
		}
		avail += availableDelta(tx)
		escrow += escrowDelta(tx)
	}
	return avail, escrow, nil
}
