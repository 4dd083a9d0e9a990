// Package storetest is a conformance suite run against every wallets.Store
// and transactions.Store implementation.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/transactions"
	"github.com/example/walletrecon/internal/wallets"
)

// Factory returns empty stores sharing one database.
type Factory func(t *testing.T) (wallets.Store, transactions.Store)

// Suite exercises the store contracts.
type Suite struct {
	suite.Suite
	New Factory

	ctx     context.Context
	wallets wallets.Store
	txs     transactions.Store
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.wallets, s.txs = s.New(s.T())
}

func (s *Suite) newWallet(address, user string) *wallets.Wallet {
	w := &wallets.Wallet{
		Address:  address,
		Type:     wallets.TypePhantom,
		Name:     "main",
		IsActive: true,
		UserID:   user,
	}
	s.Require().NoError(s.wallets.Create(s.ctx, w))
	return w
}

func (s *Suite) newPending(sig, from, to string) *transactions.Transaction {
	tx := &transactions.Transaction{
		Signature:    sig,
		Type:         transactions.TypeTransfer,
		Status:       transactions.StatusPending,
		Amount:       decimal.RequireFromString("1.000000000"),
		Memo:         "rent",
		Metadata:     map[string]any{"source": "api"},
		FromWalletID: from,
		ToWalletID:   to,
	}
	s.Require().NoError(s.txs.Create(s.ctx, tx))
	return tx
}

func (s *Suite) TestWalletCreateAndFind() {
	w := s.newWallet("Addr123", "U1")
	s.NotEmpty(w.ID)
	s.False(w.CreatedAt.IsZero())

	got, err := s.wallets.FindByID(s.ctx, w.ID)
	s.Require().NoError(err)
	s.Equal("Addr123", got.Address)
	s.Equal(wallets.TypePhantom, got.Type)
	s.Equal("U1", got.UserID)
	s.True(got.IsActive)
	s.False(got.IsVerified)
	s.True(got.Balance.IsZero())
	s.WithinDuration(w.CreatedAt, got.CreatedAt, time.Millisecond)
}

func (s *Suite) TestWalletFindMissing() {
	_, err := s.wallets.FindByID(s.ctx, "00000000-0000-0000-0000-000000000000")
	s.ErrorIs(err, apperr.ErrWalletNotFound)
}

func (s *Suite) TestWalletDuplicatePerOwner() {
	s.newWallet("Addr123", "U1")

	err := s.wallets.Create(s.ctx, &wallets.Wallet{Address: "Addr123", UserID: "U1", IsActive: true})
	s.ErrorIs(err, apperr.ErrDuplicateWallet)

	// Another owner may register the same address.
	s.newWallet("Addr123", "U2")

	found, err := s.wallets.FindByAddress(s.ctx, "Addr123")
	s.Require().NoError(err)
	s.Len(found, 2)

	mine, err := s.wallets.FindByUser(s.ctx, "U1")
	s.Require().NoError(err)
	s.Len(mine, 1)
}

func (s *Suite) TestWalletFindByUserNewestFirst() {
	first := s.newWallet("A1", "U1")
	time.Sleep(2 * time.Millisecond)
	second := s.newWallet("A2", "U1")
	s.newWallet("A3", "U2")

	list, err := s.wallets.FindByUser(s.ctx, "U1")
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(second.ID, list[0].ID)
	s.Equal(first.ID, list[1].ID)
}

func (s *Suite) TestWalletUpdate() {
	w := s.newWallet("Addr123", "U1")
	bal := decimal.RequireFromString("2.5")
	verified := true
	name := "savings"

	got, err := s.wallets.Update(s.ctx, w.ID, wallets.Patch{Balance: &bal, IsVerified: &verified, Name: &name})
	s.Require().NoError(err)
	s.Equal("2.500000000", got.Balance.StringFixed(9))
	s.True(got.IsVerified)
	s.Equal("savings", got.Name)
	s.True(got.IsActive)
	s.False(got.UpdatedAt.Before(w.UpdatedAt))

	again, err := s.wallets.FindByID(s.ctx, w.ID)
	s.Require().NoError(err)
	s.True(again.Balance.Equal(bal))
}

func (s *Suite) TestWalletUpdateKeepsNinePlaces() {
	w := s.newWallet("Addr123", "U1")
	bal := decimal.RequireFromString("123456789.000000001")

	got, err := s.wallets.Update(s.ctx, w.ID, wallets.Patch{Balance: &bal})
	s.Require().NoError(err)
	s.Equal("123456789.000000001", got.Balance.StringFixed(9))
}

func (s *Suite) TestWalletUpdateAddressConflict() {
	s.newWallet("A1", "U1")
	w := s.newWallet("A2", "U1")
	addr := "A1"

	_, err := s.wallets.Update(s.ctx, w.ID, wallets.Patch{Address: &addr})
	s.ErrorIs(err, apperr.ErrDuplicateWallet)

	got, err := s.wallets.FindByID(s.ctx, w.ID)
	s.Require().NoError(err)
	s.Equal("A2", got.Address)
}

func (s *Suite) TestWalletUpdateMissing() {
	active := false
	_, err := s.wallets.Update(s.ctx, "00000000-0000-0000-0000-000000000000", wallets.Patch{IsActive: &active})
	s.ErrorIs(err, apperr.ErrWalletNotFound)
}

func (s *Suite) TestWalletSetBalance() {
	w := s.newWallet("Addr1", "U1")

	got, err := s.wallets.SetBalance(s.ctx, w.ID, "Addr1", decimal.RequireFromString("4.2"))
	s.Require().NoError(err)
	s.Equal("4.200000000", got.Balance.StringFixed(9))

	newAddr := "Addr2"
	_, err = s.wallets.Update(s.ctx, w.ID, wallets.Patch{Address: &newAddr})
	s.Require().NoError(err)

	// A balance read for the old address must not land on the new one.
	_, err = s.wallets.SetBalance(s.ctx, w.ID, "Addr1", decimal.RequireFromString("99"))
	s.ErrorIs(err, wallets.ErrAddressChanged)
	stored, err := s.wallets.FindByID(s.ctx, w.ID)
	s.Require().NoError(err)
	s.Equal("4.200000000", stored.Balance.StringFixed(9))

	_, err = s.wallets.SetBalance(s.ctx, "00000000-0000-0000-0000-000000000000", "Addr1", decimal.Zero)
	s.ErrorIs(err, apperr.ErrWalletNotFound)
}

func (s *Suite) TestWalletDeleteKeepsTransactions() {
	a := s.newWallet("A1", "U1")
	b := s.newWallet("B1", "U2")
	tx := s.newPending("S1", a.ID, b.ID)

	s.Require().NoError(s.wallets.Delete(s.ctx, a.ID))
	s.ErrorIs(s.wallets.Delete(s.ctx, a.ID), apperr.ErrWalletNotFound)

	_, err := s.wallets.FindByID(s.ctx, a.ID)
	s.ErrorIs(err, apperr.ErrWalletNotFound)

	got, err := s.txs.FindByID(s.ctx, tx.ID)
	s.Require().NoError(err)
	s.Empty(got.FromWalletID)
	s.Equal(b.ID, got.ToWalletID)
}

func (s *Suite) TestTransactionCreateAndFind() {
	a := s.newWallet("A1", "U1")
	b := s.newWallet("B1", "U1")
	tx := s.newPending("S1", a.ID, b.ID)

	got, err := s.txs.FindBySignature(s.ctx, "S1")
	s.Require().NoError(err)
	s.Equal(tx.ID, got.ID)
	s.Equal(transactions.StatusPending, got.Status)
	s.Equal("1.000000000", got.Amount.StringFixed(9))
	s.Nil(got.Fee)
	s.Nil(got.BlockNumber)
	s.Nil(got.BlockTime)
	s.Equal("rent", got.Memo)
	s.Equal("api", got.Metadata["source"])
	s.Equal(a.ID, got.FromWalletID)
	s.Equal(b.ID, got.ToWalletID)

	_, err = s.txs.FindBySignature(s.ctx, "missing")
	s.ErrorIs(err, apperr.ErrTransactionNotFound)
	_, err = s.txs.FindByID(s.ctx, "00000000-0000-0000-0000-000000000000")
	s.ErrorIs(err, apperr.ErrTransactionNotFound)
}

func (s *Suite) TestTransactionDuplicateSignature() {
	a := s.newWallet("A1", "U1")
	s.newPending("S1", a.ID, "")

	err := s.txs.Create(s.ctx, &transactions.Transaction{Signature: "S1", Amount: decimal.NewFromInt(1), FromWalletID: a.ID})
	s.ErrorIs(err, transactions.ErrDuplicateSignature)
}

func (s *Suite) TestTransactionListing() {
	a := s.newWallet("A1", "U1")
	b := s.newWallet("B1", "U1")
	c := s.newWallet("C1", "U1")

	t1 := s.newPending("S1", a.ID, b.ID)
	time.Sleep(2 * time.Millisecond)
	t2 := s.newPending("S2", b.ID, a.ID)
	time.Sleep(2 * time.Millisecond)
	t3 := s.newPending("S3", b.ID, c.ID)

	list, err := s.txs.ListByWallet(s.ctx, a.ID, 10)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal(t2.ID, list[0].ID)
	s.Equal(t1.ID, list[1].ID)

	limited, err := s.txs.ListByWallet(s.ctx, b.ID, 2)
	s.Require().NoError(err)
	s.Require().Len(limited, 2)
	s.Equal(t3.ID, limited[0].ID)

	_, err = s.txs.UpdateStatus(s.ctx, t1.ID, transactions.StatusUpdate{Status: transactions.StatusCancelled})
	s.Require().NoError(err)

	pending, err := s.txs.ListPending(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 2)
	s.Equal(t2.ID, pending[0].ID)
	s.Equal(t3.ID, pending[1].ID)
}

func (s *Suite) TestUpdateStatusConfirm() {
	a := s.newWallet("A1", "U1")
	tx := s.newPending("S1", a.ID, "")
	block := int64(12345)
	blockTime := time.Unix(1700000000, 0).UTC()
	fee := decimal.RequireFromString("0.000005")

	got, err := s.txs.UpdateStatus(s.ctx, tx.ID, transactions.StatusUpdate{
		Status:      transactions.StatusConfirmed,
		BlockNumber: &block,
		BlockTime:   &blockTime,
		Fee:         &fee,
		Metadata:    map[string]any{"confirmation_status": "finalized"},
	})
	s.Require().NoError(err)
	s.Equal(transactions.StatusConfirmed, got.Status)
	s.Require().NotNil(got.BlockNumber)
	s.Equal(block, *got.BlockNumber)
	s.Require().NotNil(got.BlockTime)
	s.Equal(blockTime.Unix(), got.BlockTime.Unix())
	s.Require().NotNil(got.Fee)
	s.Equal("0.000005000", got.Fee.StringFixed(9))
	s.Equal("api", got.Metadata["source"])
	s.Equal("finalized", got.Metadata["confirmation_status"])
}

func (s *Suite) TestTerminalIsImmutable() {
	a := s.newWallet("A1", "U1")
	tx := s.newPending("S1", a.ID, "")

	failed, err := s.txs.UpdateStatus(s.ctx, tx.ID, transactions.StatusUpdate{
		Status:   transactions.StatusFailed,
		Metadata: map[string]any{"ledger_error": "InsufficientFunds"},
	})
	s.Require().NoError(err)
	s.Equal(transactions.StatusFailed, failed.Status)

	for _, to := range []transactions.Status{transactions.StatusConfirmed, transactions.StatusCancelled, transactions.StatusFailed} {
		block := int64(99)
		_, err := s.txs.UpdateStatus(s.ctx, tx.ID, transactions.StatusUpdate{Status: to, BlockNumber: &block})
		s.ErrorIs(err, apperr.ErrInvalidStateTransition, "to %s", to)
	}

	got, err := s.txs.FindByID(s.ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(transactions.StatusFailed, got.Status)
	s.Nil(got.BlockNumber)
	s.Equal("InsufficientFunds", got.Metadata["ledger_error"])
}

func (s *Suite) TestUpdateStatusRejectsPendingTarget() {
	a := s.newWallet("A1", "U1")
	tx := s.newPending("S1", a.ID, "")

	_, err := s.txs.UpdateStatus(s.ctx, tx.ID, transactions.StatusUpdate{Status: transactions.StatusPending})
	s.ErrorIs(err, apperr.ErrInvalidStateTransition)
}

func (s *Suite) TestUpdateStatusMissing() {
	_, err := s.txs.UpdateStatus(s.ctx, "00000000-0000-0000-0000-000000000000",
		transactions.StatusUpdate{Status: transactions.StatusConfirmed})
	s.ErrorIs(err, apperr.ErrTransactionNotFound)
}

func (s *Suite) TestConcurrentUpdateStatusAppliesOnce() {
	a := s.newWallet("A1", "U1")
	tx := s.newPending("S1", a.ID, "")

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		to := transactions.StatusConfirmed
		if i%2 == 1 {
			to = transactions.StatusFailed
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.txs.UpdateStatus(s.ctx, tx.ID, transactions.StatusUpdate{Status: to})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		s.ErrorIs(err, apperr.ErrInvalidStateTransition)
	}
	s.Equal(1, succeeded)
}
