package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type accountKey struct {
	bic  string
	iban string
}

// MemoryStore is the reference in-memory implementation. A single mutex
// serializes every unit of work, which satisfies the exclusive row-lock
// contract trivially; writes are staged per transaction and applied on
// commit, so a failing unit of work leaves the base state untouched.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[int64]*BankAccount
	accountKeys  map[accountKey]int64
	bulks        map[uuid.UUID]*BulkRequest
	transactions map[uuid.UUID]*Transaction

	nextAccountID int64
	nextBulkID    int64
	nextTxID      int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[int64]*BankAccount),
		accountKeys:  make(map[accountKey]int64),
		bulks:        make(map[uuid.UUID]*BulkRequest),
		transactions: make(map[uuid.UUID]*Transaction),
	}
}

// Atomic runs fn fully serialized against all other units of work.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		accounts: make(map[int64]*BankAccount),
		bulks:    make(map[uuid.UUID]*BulkRequest),
		txns:     make(map[uuid.UUID]*Transaction),
		keys:     make(map[accountKey]int64),
	}

	if err := fn(tx); err != nil {
		return err
	}

	tx.commit()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

// memTx stages all writes until commit. Reads prefer staged rows so a unit
// of work observes its own writes.
type memTx struct {
	s        *MemoryStore
	accounts map[int64]*BankAccount
	bulks    map[uuid.UUID]*BulkRequest
	txns     map[uuid.UUID]*Transaction
	keys     map[accountKey]int64
}

func (t *memTx) commit() {
	for id, a := range t.accounts {
		t.s.accounts[id] = cloneAccount(a)
	}
	for k, id := range t.keys {
		t.s.accountKeys[k] = id
	}
	for u, b := range t.bulks {
		t.s.bulks[u] = cloneBulk(b)
	}
	for u, tr := range t.txns {
		t.s.transactions[u] = cloneTransaction(tr)
	}
}

func (t *memTx) lookupAccountID(bic, iban string) (int64, bool) {
	k := accountKey{bic: bic, iban: iban}
	if id, ok := t.keys[k]; ok {
		return id, true
	}
	id, ok := t.s.accountKeys[k]
	return id, ok
}

func (t *memTx) loadAccount(id int64) (*BankAccount, bool) {
	if a, ok := t.accounts[id]; ok {
		return a, true
	}
	a, ok := t.s.accounts[id]
	if !ok {
		return nil, false
	}
	return cloneAccount(a), true
}

func (t *memTx) AccountForUpdate(ctx context.Context, bic, iban string) (*BankAccount, error) {
	id, ok := t.lookupAccountID(bic, iban)
	if !ok {
		return nil, ErrAccountNotFound
	}
	return t.AccountByIDForUpdate(ctx, id)
}

func (t *memTx) AccountByID(_ context.Context, id int64) (*BankAccount, error) {
	a, ok := t.loadAccount(id)
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

func (t *memTx) AccountByIDForUpdate(_ context.Context, id int64) (*BankAccount, error) {
	a, ok := t.loadAccount(id)
	if !ok {
		return nil, ErrAccountNotFound
	}
	// The store mutex is the row lock; staging the clone makes later
	// mutations on the returned row part of this unit of work.
	t.accounts[id] = a
	return a, nil
}

func (t *memTx) FindBulkRequest(_ context.Context, requestUUID uuid.UUID) (*BulkRequest, error) {
	if b, ok := t.bulks[requestUUID]; ok {
		return b, nil
	}
	b, ok := t.s.bulks[requestUUID]
	if !ok {
		return nil, ErrBulkNotFound
	}
	return cloneBulk(b), nil
}

func (t *memTx) BulkRequestForUpdate(ctx context.Context, requestUUID uuid.UUID) (*BulkRequest, error) {
	b, err := t.FindBulkRequest(ctx, requestUUID)
	if err != nil {
		return nil, err
	}
	t.bulks[requestUUID] = b
	return b, nil
}

func (t *memTx) FindTransaction(_ context.Context, transferUUID uuid.UUID) (*Transaction, error) {
	if tr, ok := t.txns[transferUUID]; ok {
		return cloneTransaction(tr), nil
	}
	tr, ok := t.s.transactions[transferUUID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return cloneTransaction(tr), nil
}

func (t *memTx) TransactionsForBulk(_ context.Context, bulkUUID uuid.UUID) ([]*Transaction, error) {
	var out []*Transaction
	for _, tr := range t.s.transactions {
		if tr.BulkRequestUUID == bulkUUID {
			out = append(out, cloneTransaction(tr))
		}
	}
	for _, tr := range t.txns {
		if tr.BulkRequestUUID == bulkUUID {
			out = append(out, cloneTransaction(tr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CreateBulkRequest(ctx context.Context, accountID int64, requestUUID uuid.UUID, totalCents int64) (*BulkRequest, error) {
	if _, err := t.FindBulkRequest(ctx, requestUUID); err == nil {
		return nil, ErrBulkExists
	}

	t.s.nextBulkID++
	b := &BulkRequest{
		ID:               t.s.nextBulkID,
		RequestUUID:      requestUUID,
		BankAccountID:    accountID,
		Status:           StatusPending,
		TotalAmountCents: totalCents,
		CreatedAt:        time.Now().UTC(),
	}
	t.bulks[requestUUID] = b
	return b, nil
}

func (t *memTx) CreateTransaction(ctx context.Context, rec TransferRecord) (*Transaction, error) {
	if _, err := t.FindTransaction(ctx, rec.TransferUUID); err == nil {
		return nil, ErrAlreadyProcessed
	}

	t.s.nextTxID++
	tr := &Transaction{
		ID:               t.s.nextTxID,
		TransferUUID:     rec.TransferUUID,
		BulkRequestUUID:  rec.BulkRequestUUID,
		CounterpartyName: rec.CounterpartyName,
		CounterpartyIBAN: rec.CounterpartyIBAN,
		CounterpartyBIC:  rec.CounterpartyBIC,
		AmountCents:      -rec.AmountCents, // debit
		AmountCurrency:   rec.AmountCurrency,
		BankAccountID:    rec.BankAccountID,
		Description:      rec.Description,
	}
	t.txns[rec.TransferUUID] = tr
	return cloneTransaction(tr), nil
}

func (t *memTx) ReserveFunds(_ context.Context, account *BankAccount, deltaCents int64) error {
	account.OngoingTransferCents += deltaCents
	t.accounts[account.ID] = account
	return nil
}

func (t *memTx) UpdateAccount(_ context.Context, account *BankAccount) error {
	if _, ok := t.s.accounts[account.ID]; !ok {
		if _, staged := t.accounts[account.ID]; !staged {
			return ErrAccountNotFound
		}
	}
	t.accounts[account.ID] = account
	return nil
}

func (t *memTx) UpdateBulkRequest(_ context.Context, bulk *BulkRequest) error {
	if _, ok := t.s.bulks[bulk.RequestUUID]; !ok {
		if _, staged := t.bulks[bulk.RequestUUID]; !staged {
			return ErrBulkNotFound
		}
	}
	t.bulks[bulk.RequestUUID] = bulk
	return nil
}

func (t *memTx) CreateAccount(_ context.Context, account *BankAccount) (*BankAccount, error) {
	t.s.nextAccountID++
	a := cloneAccount(account)
	a.ID = t.s.nextAccountID
	t.accounts[a.ID] = a
	t.keys[accountKey{bic: a.BIC, iban: a.IBAN}] = a.ID
	return cloneAccount(a), nil
}

func cloneAccount(a *BankAccount) *BankAccount {
	c := *a
	return &c
}

func cloneBulk(b *BulkRequest) *BulkRequest {
	c := *b
	if b.CompletedAt != nil {
		at := *b.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func cloneTransaction(tr *Transaction) *Transaction {
	c := *tr
	return &c
}
