package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func seedAccount(t *testing.T, s *MemoryStore, balance int64) *BankAccount {
	t.Helper()
	var out *BankAccount
	err := s.Atomic(context.Background(), func(tx Tx) error {
		var err error
		out, err = tx.CreateAccount(context.Background(), &BankAccount{
			OrganizationName: "ACME Corp",
			IBAN:             "FR10474608000002006107XXXXX",
			BIC:              "OIVUSCLQXXX",
			BalanceCents:     balance,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return out
}

func TestAtomicRollbackOnError(t *testing.T) {
	s := NewMemoryStore()
	acct := seedAccount(t, s, 10000)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(tx Tx) error {
		a, err := tx.AccountByIDForUpdate(ctx, acct.ID)
		if err != nil {
			return err
		}
		if err := tx.ReserveFunds(ctx, a, 5000); err != nil {
			return err
		}
		if _, err := tx.CreateBulkRequest(ctx, a.ID, uuid.New(), 5000); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Atomic error = %v, want boom", err)
	}

	// Nothing from the failed unit of work may be visible.
	err = s.Atomic(ctx, func(tx Tx) error {
		a, err := tx.AccountByID(ctx, acct.ID)
		if err != nil {
			return err
		}
		if a.OngoingTransferCents != 0 {
			t.Errorf("ongoing = %d after rollback, want 0", a.OngoingTransferCents)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
}

func TestCommitAppliesStagedWrites(t *testing.T) {
	s := NewMemoryStore()
	acct := seedAccount(t, s, 10000)
	ctx := context.Background()
	bulkUUID := uuid.New()

	err := s.Atomic(ctx, func(tx Tx) error {
		a, err := tx.AccountByIDForUpdate(ctx, acct.ID)
		if err != nil {
			return err
		}
		if err := tx.ReserveFunds(ctx, a, 4000); err != nil {
			return err
		}
		_, err = tx.CreateBulkRequest(ctx, a.ID, bulkUUID, 4000)
		return err
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}

	err = s.Atomic(ctx, func(tx Tx) error {
		a, err := tx.AccountByID(ctx, acct.ID)
		if err != nil {
			return err
		}
		if a.OngoingTransferCents != 4000 {
			t.Errorf("ongoing = %d, want 4000", a.OngoingTransferCents)
		}
		b, err := tx.FindBulkRequest(ctx, bulkUUID)
		if err != nil {
			return err
		}
		if b.Status != StatusPending {
			t.Errorf("status = %s, want PENDING", b.Status)
		}
		if b.TotalAmountCents != 4000 || b.ProcessedAmountCents != 0 {
			t.Errorf("total/processed = %d/%d, want 4000/0", b.TotalAmountCents, b.ProcessedAmountCents)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
}

func TestDuplicateBulkRequest(t *testing.T) {
	s := NewMemoryStore()
	acct := seedAccount(t, s, 10000)
	ctx := context.Background()
	bulkUUID := uuid.New()

	create := func() error {
		return s.Atomic(ctx, func(tx Tx) error {
			_, err := tx.CreateBulkRequest(ctx, acct.ID, bulkUUID, 100)
			return err
		})
	}
	if err := create(); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := create(); !errors.Is(err, ErrBulkExists) {
		t.Fatalf("second create error = %v, want ErrBulkExists", err)
	}
}

func TestDuplicateTransaction(t *testing.T) {
	s := NewMemoryStore()
	acct := seedAccount(t, s, 10000)
	ctx := context.Background()

	rec := TransferRecord{
		TransferUUID:     uuid.New(),
		BulkRequestUUID:  uuid.New(),
		CounterpartyName: "Bip Bip",
		CounterpartyIBAN: "EE383680981021245685",
		CounterpartyBIC:  "CRLYFRPPTOU",
		AmountCents:      1450,
		AmountCurrency:   "EUR",
		BankAccountID:    acct.ID,
		Description:      "Wonderland/4410",
	}

	err := s.Atomic(ctx, func(tx Tx) error {
		tr, err := tx.CreateTransaction(ctx, rec)
		if err != nil {
			return err
		}
		if tr.AmountCents != -1450 {
			t.Errorf("stored amount = %d, want -1450", tr.AmountCents)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	err = s.Atomic(ctx, func(tx Tx) error {
		_, err := tx.CreateTransaction(ctx, rec)
		return err
	})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("second insert error = %v, want ErrAlreadyProcessed", err)
	}
}

func TestLookupsNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Atomic(ctx, func(tx Tx) error {
		if _, err := tx.AccountForUpdate(ctx, "NOPEFRPPXXX", "FR0000000000000000000000000"); !errors.Is(err, ErrAccountNotFound) {
			t.Errorf("AccountForUpdate error = %v, want ErrAccountNotFound", err)
		}
		if _, err := tx.FindBulkRequest(ctx, uuid.New()); !errors.Is(err, ErrBulkNotFound) {
			t.Errorf("FindBulkRequest error = %v, want ErrBulkNotFound", err)
		}
		if _, err := tx.FindTransaction(ctx, uuid.New()); !errors.Is(err, ErrTransferNotFound) {
			t.Errorf("FindTransaction error = %v, want ErrTransferNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
}

func TestTransactionsForBulkOrdered(t *testing.T) {
	s := NewMemoryStore()
	acct := seedAccount(t, s, 10000)
	ctx := context.Background()
	bulkUUID := uuid.New()

	uuids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, u := range uuids {
		err := s.Atomic(ctx, func(tx Tx) error {
			_, err := tx.CreateTransaction(ctx, TransferRecord{
				TransferUUID:     u,
				BulkRequestUUID:  bulkUUID,
				CounterpartyName: "Bip Bip",
				CounterpartyIBAN: "EE383680981021245685",
				CounterpartyBIC:  "CRLYFRPPTOU",
				AmountCents:      int64(100 * (i + 1)),
				AmountCurrency:   "EUR",
				BankAccountID:    acct.ID,
				Description:      "batch row",
			})
			return err
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	err := s.Atomic(ctx, func(tx Tx) error {
		rows, err := tx.TransactionsForBulk(ctx, bulkUUID)
		if err != nil {
			return err
		}
		if len(rows) != 3 {
			t.Fatalf("len(rows) = %d, want 3", len(rows))
		}
		for i, r := range rows {
			if r.TransferUUID != uuids[i] {
				t.Errorf("row %d uuid = %s, want %s", i, r.TransferUUID, uuids[i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}
}
