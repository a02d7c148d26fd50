package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/ledger"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/ledger/ledgertest"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/store"
)

const testChainID = 42220

var (
	testToken       = common.HexToAddress("0xcebA9300f2b948710d2653dD7B07f33A8B32118C")
	testFacilitator = common.HexToAddress("0xfac0000000000000000000000000000000000001")
	testRecipient   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fixture struct {
	store  *store.Store
	ledger *ledgertest.Ledger
	exec   *Executor
	key    *ecdsa.PrivateKey
	from   common.Address
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	st := store.New(db)
	require.NoError(t, st.Migrate())

	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	from := gethcrypto.PubkeyToAddress(key.PublicKey)

	led := ledgertest.New(testChainID, testFacilitator)
	led.SetBalance(testToken, from, big.NewInt(10_000_000))

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	verifier := NewVerifier(st, []Token{{ChainID: testChainID, Address: testToken, Name: "USDC", Version: "2"}}, clock)
	exec := NewExecutor(verifier, st, ledger.NewRegistry(led), WithClock(clock))

	return &fixture{store: st, ledger: led, exec: exec, key: key, from: from, now: now}
}

func (f *fixture) message(nonce byte) Message {
	var n [32]byte
	n[31] = nonce
	return Message{
		From:        f.from.Hex(),
		To:          testRecipient.Hex(),
		Value:       UintFrom(1_500_000),
		ValidAfter:  UintFrom(uint64(f.now.Add(-time.Hour).Unix())),
		ValidBefore: UintFrom(uint64(f.now.Add(time.Hour).Unix())),
		Nonce:       "0x" + common.Bytes2Hex(n[:]),
	}
}

func testDomain() Domain {
	return Domain{Name: "USDC", Version: "2", ChainID: UintFrom(testChainID), VerifyingContract: testToken.Hex()}
}

func signWith(t *testing.T, key *ecdsa.PrivateKey, domain Domain, msg Message) SignedAuthorization {
	t.Helper()
	digest, err := TypedDataHash(domain, msg)
	require.NoError(t, err)
	sig, err := gethcrypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27
	return SignedAuthorization{Domain: domain, Message: msg, Signature: "0x" + common.Bytes2Hex(sig)}
}

func (f *fixture) sign(t *testing.T, msg Message) SignedAuthorization {
	return signWith(t, f.key, testDomain(), msg)
}

func TestExecuteRecordsUsedAuthorizationAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.sign(t, f.message(1))

	receipt, err := f.exec.Execute(ctx, auth)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, receipt.Status)
	require.NotEmpty(t, receipt.TxHash)

	stored, err := f.store.GetAuthorization(ctx, auth.Message.Nonce, testChainID)
	require.NoError(t, err)
	require.Equal(t, models.AuthorizationUsed, stored.Status)
	require.Equal(t, receipt.TxHash, *stored.TxHash)

	debits, err := f.store.ListTransactions(ctx, f.from.Hex(), testChainID, 10)
	require.NoError(t, err)
	require.Len(t, debits, 1)
	require.Equal(t, models.DirectionDebit, debits[0].Direction)
	credits, err := f.store.ListTransactions(ctx, testRecipient.Hex(), testChainID, 10)
	require.NoError(t, err)
	require.Len(t, credits, 1)
	require.Equal(t, models.DirectionCredit, credits[0].Direction)
	require.Equal(t, "1500000", credits[0].Amount.String())

	require.Equal(t, int64(1_500_000), f.ledger.Balance(testToken, testRecipient).Int64())
}

func TestExecuteRejectsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.sign(t, f.message(2))

	_, err := f.exec.Execute(ctx, auth)
	require.NoError(t, err)
	_, err = f.exec.Execute(ctx, auth)
	require.ErrorIs(t, err, ErrAlreadyUsed)
	require.Equal(t, 1, f.ledger.CallsTo("transferWithAuthorization"))
}

func TestExecuteConcurrentReplaySucceedsOnce(t *testing.T) {
	f := newFixture(t)
	f.ledger.Delay = 5 * time.Millisecond
	auth := f.sign(t, f.message(3))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		replayed  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.Execute(context.Background(), auth)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyUsed):
				replayed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)
	require.Equal(t, workers-1, replayed)
	require.Equal(t, 1, f.ledger.CallsTo("transferWithAuthorization"))
}

func TestExecuteTemporalBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nowUnix := uint64(f.now.Unix())

	cases := []struct {
		name        string
		validAfter  uint64
		validBefore uint64
		want        error
	}{
		{name: "not yet valid", validAfter: nowUnix + 1, validBefore: nowUnix + 600, want: ErrNotYetValid},
		{name: "expired", validAfter: 0, validBefore: nowUnix - 1, want: ErrExpired},
		{name: "opens now", validAfter: nowUnix, validBefore: nowUnix + 600},
		{name: "closes now", validAfter: 0, validBefore: nowUnix},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := f.message(byte(10 + i))
			msg.ValidAfter = UintFrom(tc.validAfter)
			msg.ValidBefore = UintFrom(tc.validBefore)
			_, err := f.exec.Execute(ctx, f.sign(t, msg))
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
				_, lookupErr := f.store.GetAuthorization(ctx, msg.Nonce, testChainID)
				require.ErrorIs(t, lookupErr, store.ErrNotFound)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestExecuteRejectsForeignSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := gethcrypto.GenerateKey()
	require.NoError(t, err)

	msg := f.message(20)
	_, err = f.exec.Execute(ctx, signWith(t, other, testDomain(), msg))
	require.ErrorIs(t, err, ErrInvalidSignature)

	tampered := f.sign(t, msg)
	tampered.Message.Value = UintFrom(9_999_999)
	_, err = f.exec.Execute(ctx, tampered)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.store.GetAuthorization(ctx, msg.Nonce, testChainID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Empty(t, f.ledger.Calls())
}

func TestExecuteLedgerFailureLeavesPendingForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.sign(t, f.message(30))

	f.ledger.FailAuthorization = errors.New("execution reverted: FiatTokenV2: invalid signature")
	_, err := f.exec.Execute(ctx, auth)
	require.ErrorIs(t, err, ErrSubmission)

	stored, err := f.store.GetAuthorization(ctx, auth.Message.Nonce, testChainID)
	require.NoError(t, err)
	require.Equal(t, models.AuthorizationPending, stored.Status)

	f.ledger.FailAuthorization = nil
	receipt, err := f.exec.Execute(ctx, auth)
	require.NoError(t, err)
	require.NotEmpty(t, receipt.TxHash)

	stored, err = f.store.GetAuthorization(ctx, auth.Message.Nonce, testChainID)
	require.NoError(t, err)
	require.Equal(t, models.AuthorizationUsed, stored.Status)
}

func TestExecuteReconcilesBroadcastThatLandedAfterTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.sign(t, f.message(31))

	f.ledger.FailAuthorization = errors.New("receipt not found")
	f.ledger.AuthorizationBroadcasts = true
	_, err := f.exec.Execute(ctx, auth)
	require.ErrorIs(t, err, ErrSubmission)

	stored, err := f.store.GetAuthorization(ctx, auth.Message.Nonce, testChainID)
	require.NoError(t, err)
	require.Equal(t, models.AuthorizationPending, stored.Status)
	require.NotNil(t, stored.TxHash)
	hash := common.HexToHash(*stored.TxHash)

	// No receipt yet: the retry must not broadcast a second time.
	_, err = f.exec.Execute(ctx, auth)
	require.ErrorIs(t, err, ErrUnconfirmed)
	require.True(t, IsRejection(err))
	require.Equal(t, 1, f.ledger.CallsTo("transferWithAuthorization"))

	f.ledger.SetReceipt(hash, ledger.ReceiptSucceeded)
	receipt, err := f.exec.Execute(ctx, auth)
	require.NoError(t, err)
	require.Equal(t, hash.Hex(), receipt.TxHash)
	require.Equal(t, 1, f.ledger.CallsTo("transferWithAuthorization"))

	stored, err = f.store.GetAuthorization(ctx, auth.Message.Nonce, testChainID)
	require.NoError(t, err)
	require.Equal(t, models.AuthorizationUsed, stored.Status)

	debits, err := f.store.ListTransactions(ctx, f.from.Hex(), testChainID, 10)
	require.NoError(t, err)
	require.Len(t, debits, 1)
	require.Equal(t, models.DirectionDebit, debits[0].Direction)
	require.Equal(t, hash.Hex(), debits[0].TxHash)
	credits, err := f.store.ListTransactions(ctx, testRecipient.Hex(), testChainID, 10)
	require.NoError(t, err)
	require.Len(t, credits, 1)
	require.Equal(t, "1500000", credits[0].Amount.String())

	_, err = f.exec.Execute(ctx, auth)
	require.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestExecuteResendsRevertedBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	auth := f.sign(t, f.message(32))

	f.ledger.FailAuthorization = errors.New("receipt not found")
	f.ledger.AuthorizationBroadcasts = true
	_, err := f.exec.Execute(ctx, auth)
	require.ErrorIs(t, err, ErrSubmission)
	stored, err := f.store.GetAuthorization(ctx, auth.Message.Nonce, testChainID)
	require.NoError(t, err)
	require.NotNil(t, stored.TxHash)
	reverted := *stored.TxHash
	f.ledger.SetReceipt(common.HexToHash(reverted), ledger.ReceiptFailed)

	f.ledger.FailAuthorization = nil
	receipt, err := f.exec.Execute(ctx, auth)
	require.NoError(t, err)
	require.NotEqual(t, reverted, receipt.TxHash)
	require.Equal(t, 2, f.ledger.CallsTo("transferWithAuthorization"))

	stored, err = f.store.GetAuthorization(ctx, auth.Message.Nonce, testChainID)
	require.NoError(t, err)
	require.Equal(t, models.AuthorizationUsed, stored.Status)
	require.Equal(t, receipt.TxHash, *stored.TxHash)
}

func TestExecuteStructuralRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	badFrom := f.sign(t, f.message(40))
	badFrom.Message.From = "0x1234"
	_, err := f.exec.Execute(ctx, badFrom)
	require.ErrorIs(t, err, ErrInvalidAddress)

	otherChain := testDomain()
	otherChain.ChainID = UintFrom(1)
	_, err = f.exec.Execute(ctx, signWith(t, f.key, otherChain, f.message(41)))
	require.ErrorIs(t, err, ErrUnsupportedChain)

	otherToken := testDomain()
	otherToken.VerifyingContract = "0x0000000000000000000000000000000000000001"
	_, err = f.exec.Execute(ctx, signWith(t, f.key, otherToken, f.message(42)))
	require.ErrorIs(t, err, ErrUnsupportedToken)

	shortNonce := f.message(43)
	shortNonce.Nonce = "0x01"
	_, err = f.exec.Execute(ctx, SignedAuthorization{Domain: testDomain(), Message: shortNonce, Signature: f.sign(t, f.message(43)).Signature})
	require.ErrorIs(t, err, ErrInvalidNonce)

	require.Empty(t, f.ledger.Calls())
}

func TestParseSignatureRejectsHighS(t *testing.T) {
	f := newFixture(t)
	auth := f.sign(t, f.message(50))
	raw := common.FromHex(auth.Signature)

	n := gethcrypto.S256().Params().N
	s := new(big.Int).SetBytes(raw[32:64])
	highS := new(big.Int).Sub(n, s)
	copy(raw[32:64], common.LeftPadBytes(highS.Bytes(), 32))
	raw[64] = 55 - raw[64]

	_, err := ParseSignature("0x" + common.Bytes2Hex(raw))
	require.ErrorIs(t, err, ErrInvalidSignature)

	// Recovery ids 0/1 are accepted alongside 27/28.
	raw = common.FromHex(auth.Signature)
	raw[64] -= 27
	sig, err := ParseSignature(common.Bytes2Hex(raw))
	require.NoError(t, err)
	require.Contains(t, []uint8{27, 28}, sig.V)
}
