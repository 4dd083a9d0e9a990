package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/walletrecon/internal/apperr"
	"github.com/example/walletrecon/internal/transactions"
	"github.com/example/walletrecon/internal/wallets"
	"github.com/example/walletrecon/pkg/audit"
)

func TestRegisterWalletRefreshesBalance(t *testing.T) {
	f := newFixture(t)
	f.ledger.balances["Addr123"] = decimal.RequireFromString("2.5")

	reg, err := f.engine.RegisterWallet(context.Background(), RegisterWalletInput{UserID: "U1", Address: "Addr123"})
	require.NoError(t, err)
	require.NoError(t, reg.RefreshErr)
	assert.Equal(t, "2.500000000", reg.Wallet.Balance.StringFixed(9))
	assert.Equal(t, wallets.TypeSolana, reg.Wallet.Type)
	assert.True(t, reg.Wallet.IsActive)
	assert.False(t, reg.Wallet.IsVerified)

	stored, err := f.wallets.FindByID(context.Background(), reg.Wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.500000000", stored.Balance.StringFixed(9))
	assert.Equal(t, []audit.EventType{audit.WalletRegistered, audit.BalanceRefreshed}, f.auditor.types())
}

func TestRegisterWalletInvalidAddressPersistsNothing(t *testing.T) {
	f := newFixture(t)
	for _, addr := range []string{"", "bad!", "0xdeadbeef", "has space"} {
		_, err := f.engine.RegisterWallet(context.Background(), RegisterWalletInput{UserID: "U1", Address: addr})
		assert.ErrorIs(t, err, apperr.ErrInvalidAddress, addr)
	}
	list, err := f.wallets.FindByUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, f.ledger.count("GetBalance"))
}

func TestRegisterWalletRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RegisterWallet(context.Background(), RegisterWalletInput{Address: "Addr123"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = f.engine.RegisterWallet(context.Background(), RegisterWalletInput{UserID: "U1", Address: "Addr123", Type: "metamask"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestRegisterWalletDuplicate(t *testing.T) {
	f := newFixture(t)
	f.register(t, "U1", "Addr123")

	_, err := f.engine.RegisterWallet(context.Background(), RegisterWalletInput{UserID: "U1", Address: "Addr123"})
	assert.ErrorIs(t, err, apperr.ErrDuplicateWallet)

	list, err := f.wallets.FindByUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Same address, different owner.
	f.register(t, "U2", "Addr123")
}

func TestRegisterWalletConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)

	const attempts = 6
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RegisterWallet(context.Background(), RegisterWalletInput{UserID: "U1", Address: "Addr123"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrDuplicateWallet)
	}
	assert.Equal(t, 1, ok)

	list, err := f.wallets.FindByUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRegisterWalletSurvivesRefreshFailure(t *testing.T) {
	f := newFixture(t)
	f.ledger.balanceErr = errNodeDown

	reg, err := f.engine.RegisterWallet(context.Background(), RegisterWalletInput{UserID: "U1", Address: "Addr123"})
	require.NoError(t, err)
	assert.ErrorIs(t, reg.RefreshErr, apperr.ErrBalanceRefreshFailed)
	assert.True(t, reg.Wallet.Balance.IsZero())

	stored, err := f.wallets.FindByID(context.Background(), reg.Wallet.ID)
	require.NoError(t, err)
	assert.True(t, stored.Balance.IsZero())
}

func TestRefreshBalance(t *testing.T) {
	f := newFixture(t)
	f.ledger.balances["Addr123"] = decimal.RequireFromString("2.5")
	w := f.register(t, "U1", "Addr123")

	f.ledger.balances["Addr123"] = decimal.RequireFromString("0.000000001")
	got, err := f.engine.RefreshBalance(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.000000001", got.Balance.StringFixed(9))
}

func TestRefreshBalanceFailureLeavesCache(t *testing.T) {
	f := newFixture(t)
	f.ledger.balances["Addr123"] = decimal.RequireFromString("2.5")
	w := f.register(t, "U1", "Addr123")

	f.ledger.balanceErr = errNodeDown
	_, err := f.engine.RefreshBalance(context.Background(), w.ID)
	assert.ErrorIs(t, err, apperr.ErrBalanceRefreshFailed)
	assert.ErrorIs(t, err, apperr.ErrLedgerUnavailable)
	assert.Equal(t, apperr.BalanceRefreshFailed, apperr.KindOf(err))

	stored, err := f.wallets.FindByID(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "2.500000000", stored.Balance.StringFixed(9))
}

func TestRefreshBalanceMissingWallet(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RefreshBalance(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrWalletNotFound)
	assert.Zero(t, f.ledger.count("GetBalance"))
}

func TestRefreshBalanceStoreFailurePropagates(t *testing.T) {
	f := newFixture(t)
	w := f.register(t, "U1", "Addr123")
	storeErr := errors.New("connection lost")
	engine := New(f.ledger, &failingWallets{Store: f.wallets, updateErr: storeErr}, f.txs)

	_, err := engine.RefreshBalance(context.Background(), w.ID)
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
}

func TestRefreshBalanceFollowsConcurrentAddressChange(t *testing.T) {
	f := newFixture(t)
	w := f.register(t, "U1", "AddrPrev")
	f.ledger.balances["AddrPrev"] = decimal.RequireFromString("1")
	f.ledger.balances["AddrNext"] = decimal.RequireFromString("7")

	moved := false
	f.ledger.beforeBalance = func(address string) {
		if address == "AddrPrev" && !moved {
			moved = true
			newAddr := "AddrNext"
			_, err := f.wallets.Update(context.Background(), w.ID, wallets.Patch{Address: &newAddr})
			require.NoError(t, err)
		}
	}
	before := f.ledger.count("GetBalance")

	got, err := f.engine.RefreshBalance(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "AddrNext", got.Address)
	assert.Equal(t, "7.000000000", got.Balance.StringFixed(9))
	assert.Equal(t, before+2, f.ledger.count("GetBalance"))
}

func TestRefreshBalanceGivesUpOnAddressChurn(t *testing.T) {
	f := newFixture(t)
	w := f.register(t, "U1", "AddrStart")

	n := 0
	f.ledger.beforeBalance = func(string) {
		n++
		next := fmt.Sprintf("Addr%d", n)
		_, err := f.wallets.Update(context.Background(), w.ID, wallets.Patch{Address: &next})
		require.NoError(t, err)
	}

	_, err := f.engine.RefreshBalance(context.Background(), w.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.BalanceRefreshFailed, apperr.KindOf(err))
	assert.ErrorIs(t, err, wallets.ErrAddressChanged)
}

func TestTokenBalance(t *testing.T) {
	f := newFixture(t)
	w := f.register(t, "U1", "Addr123")
	f.ledger.tokenBalances["Addr123|Mint1"] = decimal.RequireFromString("42.5")

	bal, err := f.engine.TokenBalance(context.Background(), w.ID, "Mint1")
	require.NoError(t, err)
	assert.Equal(t, "42.5", bal.String())

	// No associated account for this mint.
	bal, err = f.engine.TokenBalance(context.Background(), w.ID, "Mint2")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	_, err = f.engine.TokenBalance(context.Background(), w.ID, "bad!")
	assert.ErrorIs(t, err, apperr.ErrInvalidAddress)

	f.ledger.tokenErr = apperr.E(apperr.LedgerRejected, "ledger.getTokenAccountBalance", errors.New("boom"))
	_, err = f.engine.TokenBalance(context.Background(), w.ID, "Mint1")
	assert.ErrorIs(t, err, apperr.ErrTokenBalanceQueryFailed)
	assert.Equal(t, apperr.TokenBalanceQueryFailed, apperr.KindOf(err))

	_, err = f.engine.TokenBalance(context.Background(), "missing", "Mint1")
	assert.ErrorIs(t, err, apperr.ErrWalletNotFound)
}

func TestUpdateWalletAddress(t *testing.T) {
	f := newFixture(t)
	f.ledger.balances["AddrNext"] = decimal.RequireFromString("7")
	w := f.register(t, "U1", "Addr123")
	other := f.register(t, "U1", "AddrOther")
	f.register(t, "U2", "AddrTaken")

	bad := "bad!"
	_, err := f.engine.UpdateWallet(context.Background(), w.ID, wallets.Patch{Address: &bad})
	assert.ErrorIs(t, err, apperr.ErrInvalidAddress)

	dup := "AddrOther"
	_, err = f.engine.UpdateWallet(context.Background(), w.ID, wallets.Patch{Address: &dup})
	assert.ErrorIs(t, err, apperr.ErrDuplicateWallet)

	// Unchanged address on the same record is not a duplicate of itself.
	same := "AddrOther"
	name := "renamed"
	got, err := f.engine.UpdateWallet(context.Background(), other.ID, wallets.Patch{Address: &same, Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	// Another owner's address is fine.
	taken := "AddrTaken"
	got, err = f.engine.UpdateWallet(context.Background(), w.ID, wallets.Patch{Address: &taken})
	require.NoError(t, err)
	assert.Equal(t, "AddrTaken", got.Address)

	fresh := "AddrNext"
	got, err = f.engine.UpdateWallet(context.Background(), w.ID, wallets.Patch{Address: &fresh})
	require.NoError(t, err)
	assert.Equal(t, "AddrNext", got.Address)
	assert.Equal(t, "7.000000000", got.Balance.StringFixed(9))
}

func TestUpdateWalletRejectsBalanceAndBadType(t *testing.T) {
	f := newFixture(t)
	w := f.register(t, "U1", "Addr123")

	bal := decimal.NewFromInt(100)
	_, err := f.engine.UpdateWallet(context.Background(), w.ID, wallets.Patch{Balance: &bal})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	typ := wallets.Type("ledger-nano")
	_, err = f.engine.UpdateWallet(context.Background(), w.ID, wallets.Patch{Type: &typ})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	name := "x"
	_, err = f.engine.UpdateWallet(context.Background(), "missing", wallets.Patch{Name: &name})
	assert.ErrorIs(t, err, apperr.ErrWalletNotFound)
}

func TestWalletFlagsAndLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.register(t, "U1", "Addr123")

	got, err := f.engine.Verify(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.IsVerified)

	got, err = f.engine.Deactivate(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	got, err = f.engine.Activate(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	_, err = f.engine.Verify(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrWalletNotFound)

	byAddr, err := f.engine.WalletByAddress(ctx, "Addr123")
	require.NoError(t, err)
	assert.Equal(t, w.ID, byAddr.ID)

	_, err = f.engine.WalletByAddress(ctx, "Unknown")
	assert.ErrorIs(t, err, apperr.ErrWalletNotFound)

	list, err := f.engine.WalletsByUser(ctx, "U1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.engine.DeleteWallet(ctx, w.ID))
	_, err = f.engine.Wallet(ctx, w.ID)
	assert.ErrorIs(t, err, apperr.ErrWalletNotFound)
	assert.ErrorIs(t, f.engine.DeleteWallet(ctx, w.ID), apperr.ErrWalletNotFound)
}

func TestSubmitTransfer(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "U1", "AddrA")
	b := f.register(t, "U2", "AddrB")

	tx := f.submit(t, "S1", a, b)
	assert.Equal(t, transactions.StatusPending, tx.Status)
	assert.Equal(t, "S1", tx.Signature)
	assert.Equal(t, "1.000000000", tx.Amount.StringFixed(9))

	stored, err := f.engine.TransactionBySignature(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, stored.ID)
	assert.Equal(t, a.ID, stored.FromWalletID)
	assert.Equal(t, b.ID, stored.ToWalletID)
}

func TestSubmitTransferValidation(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "U1", "AddrA")
	b := f.register(t, "U2", "AddrB")
	f.ledger.submitSig = "S1"

	base := TransferInput{FromWalletID: a.ID, ToWalletID: b.ID, Amount: decimal.NewFromInt(1), SignedTx: []byte{1}}
	cases := map[string]struct {
		mutate func(*TransferInput)
		want   error
	}{
		"zero amount":        {func(in *TransferInput) { in.Amount = decimal.Zero }, apperr.ErrInvalid},
		"negative amount":    {func(in *TransferInput) { in.Amount = decimal.NewFromInt(-1) }, apperr.ErrInvalid},
		"too precise":        {func(in *TransferInput) { in.Amount = decimal.RequireFromString("0.0000000001") }, apperr.ErrInvalid},
		"no payload":         {func(in *TransferInput) { in.SignedTx = nil }, apperr.ErrInvalid},
		"unknown type":       {func(in *TransferInput) { in.Type = "bridge" }, apperr.ErrInvalid},
		"token without mint": {func(in *TransferInput) { in.Type = transactions.TypeTokenTransfer }, apperr.ErrInvalid},
		"bad mint":           {func(in *TransferInput) { in.TokenMint = "bad!" }, apperr.ErrInvalidAddress},
		"missing source":     {func(in *TransferInput) { in.FromWalletID = "missing" }, apperr.ErrWalletNotFound},
		"missing target":     {func(in *TransferInput) { in.ToWalletID = "missing" }, apperr.ErrWalletNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			_, err := f.engine.SubmitTransfer(context.Background(), in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, f.ledger.count("Submit"))
}

func TestSubmitTransferLedgerFailureRecordsNothing(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "U1", "AddrA")
	b := f.register(t, "U2", "AddrB")
	f.ledger.submitErr = apperr.E(apperr.LedgerRejected, "ledger.sendTransaction", errors.New("blockhash not found"))

	_, err := f.engine.SubmitTransfer(context.Background(), TransferInput{
		FromWalletID: a.ID, ToWalletID: b.ID, Amount: decimal.NewFromInt(1), SignedTx: []byte{1},
	})
	assert.ErrorIs(t, err, apperr.ErrLedgerRejected)

	list, err := f.txs.ListByWallet(context.Background(), a.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubmitTransferStoreFailureKeepsSignature(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "U1", "AddrA")
	b := f.register(t, "U2", "AddrB")
	f.ledger.submitSig = "S9"
	engine := New(f.ledger, f.wallets, &failingTransactions{Store: f.txs, createErr: errors.New("disk full")})

	_, err := engine.SubmitTransfer(context.Background(), TransferInput{
		FromWalletID: a.ID, ToWalletID: b.ID, Amount: decimal.NewFromInt(1), SignedTx: []byte{1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S9")
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
}
