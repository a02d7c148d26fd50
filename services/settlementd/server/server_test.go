package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/draw"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/ledger"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/ledger/ledgertest"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/middleware"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/relay"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/store"
)

const (
	testChainID = 42220
	adminSecret = "server-test-secret"
)

var (
	testToken       = common.HexToAddress("0xcebA9300f2b948710d2653dD7B07f33A8B32118C")
	testFacilitator = common.HexToAddress("0xfac0000000000000000000000000000000000001")
	testRecipient   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	alice           = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob             = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
)

type stubDraws struct {
	res *draw.Result
	err error
}

func (s stubDraws) Execute(context.Context, draw.Period) (*draw.Result, error) {
	return s.res, s.err
}

type harness struct {
	store  *store.Store
	ledger *ledgertest.Ledger
	key    *ecdsa.PrivateKey
	from   common.Address
	now    time.Time
	srv    *httptest.Server
}

func newHarness(t *testing.T, draws DrawRunner) *harness {
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
	h := &harness{
		store:  st,
		ledger: ledgertest.New(testChainID, testFacilitator),
		key:    key,
		from:   gethcrypto.PubkeyToAddress(key.PublicKey),
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.ledger.SetBalance(testToken, h.from, big.NewInt(10_000_000))
	clock := func() time.Time { return h.now }

	verifier := relay.NewVerifier(st, []relay.Token{{ChainID: testChainID, Address: testToken, Name: "USDC", Version: "2"}}, clock)
	executor := relay.NewExecutor(verifier, st, ledger.NewRegistry(h.ledger), relay.WithClock(clock))
	if draws == nil {
		draws = draw.NewEngine(st, h.ledger, testToken, draw.WithClock(clock))
	}

	api := New(Config{
		Store:          st,
		Relay:          executor,
		Draws:          draws,
		DrawLedger:     h.ledger,
		PoolToken:      testToken,
		TokenDecimals:  6,
		DefaultChainID: testChainID,
		Auth:           middleware.NewAuthenticator(middleware.AuthConfig{HMACSecret: adminSecret}, nil),
		Now:            clock,
	})
	h.srv = httptest.NewServer(api.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) signed(t *testing.T, nonce byte) relay.SignedAuthorization {
	t.Helper()
	var n [32]byte
	n[31] = nonce
	domain := relay.Domain{Name: "USDC", Version: "2", ChainID: relay.UintFrom(testChainID), VerifyingContract: testToken.Hex()}
	msg := relay.Message{
		From:        h.from.Hex(),
		To:          testRecipient.Hex(),
		Value:       relay.UintFrom(1_500_000),
		ValidAfter:  relay.UintFrom(uint64(h.now.Add(-time.Hour).Unix())),
		ValidBefore: relay.UintFrom(uint64(h.now.Add(time.Hour).Unix())),
		Nonce:       "0x" + common.Bytes2Hex(n[:]),
	}
	digest, err := relay.TypedDataHash(domain, msg)
	require.NoError(t, err)
	sig, err := gethcrypto.Sign(digest, h.key)
	require.NoError(t, err)
	sig[64] += 27
	return relay.SignedAuthorization{Domain: domain, Message: msg, Signature: "0x" + common.Bytes2Hex(sig)}
}

func (h *harness) do(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops",
		"scope": middleware.ScopeDrawAdmin,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return token
}

func transferBody(auth relay.SignedAuthorization) map[string]any {
	return map[string]any{
		"chainId": testChainID,
		"token":   testToken.Hex(),
		"typedData": map[string]any{
			"primaryType": relay.PrimaryType,
			"domain":      auth.Domain,
			"message":     auth.Message,
		},
		"signature": auth.Signature,
	}
}

func TestRelayTransferAndReplay(t *testing.T) {
	h := newHarness(t, nil)
	auth := h.signed(t, 1)

	status, body := h.do(t, http.MethodPost, "/relay/transfer-3009", transferBody(auth), "")
	require.Equal(t, http.StatusOK, status, body)
	require.NotEmpty(t, body["txHash"])
	require.Equal(t, big.NewInt(8_500_000), h.ledger.Balance(testToken, h.from))

	status, body = h.do(t, http.MethodPost, "/relay/transfer-3009", transferBody(auth), "")
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body["error"], "already used")

	status, body = h.do(t, http.MethodGet, "/authorization/"+auth.Message.Nonce, nil, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "used", body["status"])

	status, body = h.do(t, http.MethodGet, "/transactions/"+testRecipient.Hex(), nil, "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["transactions"], 1)
}

func TestRelayRejectsMismatchedEnvelope(t *testing.T) {
	h := newHarness(t, nil)
	auth := h.signed(t, 2)

	wrongToken := transferBody(auth)
	wrongToken["token"] = testRecipient.Hex()
	status, _ := h.do(t, http.MethodPost, "/relay/transfer-3009", wrongToken, "")
	require.Equal(t, http.StatusBadRequest, status)

	wrongChain := transferBody(auth)
	wrongChain["chainId"] = 1
	status, _ = h.do(t, http.MethodPost, "/relay/transfer-3009", wrongChain, "")
	require.Equal(t, http.StatusBadRequest, status)

	require.Zero(t, h.ledger.CallsTo("transferWithAuthorization"))
}

func TestSubmitAuthorization(t *testing.T) {
	h := newHarness(t, nil)

	status, _ := h.do(t, http.MethodPost, "/relay/submit-authorization", map[string]any{}, "")
	require.Equal(t, http.StatusBadRequest, status)

	auth := h.signed(t, 3)
	status, body := h.do(t, http.MethodPost, "/relay/submit-authorization", map[string]any{"authorization": auth}, "")
	require.Equal(t, http.StatusOK, status, body)
}

func TestGetAuthorizationNotFound(t *testing.T) {
	h := newHarness(t, nil)
	status, body := h.do(t, http.MethodGet, "/authorization/0x"+common.Bytes2Hex(make([]byte, 32)), nil, "")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "authorization not found", body["error"])
}

func TestPrizePoolEnrollment(t *testing.T) {
	h := newHarness(t, nil)

	status, _ := h.do(t, http.MethodPost, "/prize-pool/opt-in", map[string]any{"address": alice.Hex(), "optInPercent": 150}, "")
	require.Equal(t, http.StatusBadRequest, status)

	status, body := h.do(t, http.MethodPost, "/prize-pool/opt-in", map[string]any{"address": alice.Hex(), "optInPercent": 40}, "")
	require.Equal(t, http.StatusOK, status, body)
	require.EqualValues(t, 40, body["optInPercent"])

	approval := map[string]any{"address": alice.Hex(), "txHash": "0x" + common.Bytes2Hex(make([]byte, 32))}
	status, _ = h.do(t, http.MethodPost, "/prize-pool/approval", approval, "")
	require.Equal(t, http.StatusBadRequest, status)

	h.ledger.SetAllowance(testToken, alice, testFacilitator, big.NewInt(1_000_000))
	status, body = h.do(t, http.MethodPost, "/prize-pool/approval", approval, "")
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, true, body["facilitatorApproved"])

	referral := map[string]any{"referrer": alice.Hex(), "referee": bob.Hex()}
	status, _ = h.do(t, http.MethodPost, "/prize-pool/referrals", referral, "")
	require.Equal(t, http.StatusCreated, status)
	status, _ = h.do(t, http.MethodPost, "/prize-pool/referrals", referral, "")
	require.Equal(t, http.StatusConflict, status)
	status, _ = h.do(t, http.MethodPost, "/prize-pool/referrals", map[string]any{"referrer": bob.Hex(), "referee": bob.Hex()}, "")
	require.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(t, http.MethodGet, "/prize-pool/participants/"+alice.Hex(), nil, "")
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, body["referees"])
	require.Nil(t, body["snapshot"])

	status, _ = h.do(t, http.MethodGet, "/prize-pool/participants/"+bob.Hex(), nil, "")
	require.Equal(t, http.StatusNotFound, status)
}

func TestDrawQueries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	status, _ := h.do(t, http.MethodGet, "/prize-pool/draws/current", nil, "")
	require.Equal(t, http.StatusNotFound, status)

	current := draw.PeriodAt(h.now)
	_, _, err := h.store.EnsureDraw(ctx, current.Week, current.Year, current.Start, current.End)
	require.NoError(t, err)
	_, err = h.store.AddSponsorship(ctx, current.Week, current.Year, big.NewInt(2_500_000), "")
	require.NoError(t, err)

	status, body := h.do(t, http.MethodGet, "/prize-pool/draws/current", nil, "")
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, current.Week, body["weekNumber"])
	require.Equal(t, "2500000", body["sponsored"])
	require.Equal(t, "2.5", body["sponsoredDisplay"])

	status, _ = h.do(t, http.MethodGet, fmt.Sprintf("/prize-pool/draws/%d/%d", current.Year, current.Week), nil, "")
	require.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodGet, "/prize-pool/draws/2021/53", nil, "")
	require.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(t, http.MethodGet, "/prize-pool/draws?limit=5", nil, "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["draws"], 1)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t, nil)
	status, _ := h.do(t, http.MethodPost, "/admin/draws/2024/9/execute", nil, "")
	require.Equal(t, http.StatusUnauthorized, status)
	status, _ = h.do(t, http.MethodPost, "/admin/prize-pool/sponsorships", map[string]any{"year": 2024, "week": 9, "amount": "10"}, "")
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestAdminSponsorship(t *testing.T) {
	h := newHarness(t, nil)
	token := adminToken(t)

	status, _ := h.do(t, http.MethodPost, "/admin/prize-pool/sponsorships", map[string]any{"year": 2024, "week": 9, "amount": "0"}, token)
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodPost, "/admin/prize-pool/sponsorships", map[string]any{"year": 2024, "week": 9, "amount": "-5"}, token)
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodPost, "/admin/prize-pool/sponsorships", map[string]any{"year": 2024, "week": 60, "amount": "5"}, token)
	require.Equal(t, http.StatusBadRequest, status)

	status, body := h.do(t, http.MethodPost, "/admin/prize-pool/sponsorships", map[string]any{"year": 2024, "week": 9, "amount": "7000000"}, token)
	require.Equal(t, http.StatusCreated, status, body)

	total, err := h.store.SponsoredTotal(context.Background(), 9, 2024)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(7_000_000), total)
}

func TestAdminExecuteDraw(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	period, err := draw.PeriodOf(2024, 9)
	require.NoError(t, err)
	_, _, err = h.store.EnsureDraw(ctx, period.Week, period.Year, period.Start, period.End)
	require.NoError(t, err)

	status, body := h.do(t, http.MethodPost, "/admin/draws/2024/9/execute", nil, adminToken(t))
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, false, body["executed"])
	require.Equal(t, draw.ReasonNoParticipants, body["reason"])
}

func TestAdminExecuteDrawPayoutFailure(t *testing.T) {
	res := &draw.Result{Week: 9, Year: 2024, Winner: alice.Hex()}
	h := newHarness(t, stubDraws{res: res, err: fmt.Errorf("%w: reverted", draw.ErrPayoutFailed)})

	status, body := h.do(t, http.MethodPost, "/admin/draws/2024/9/execute", nil, adminToken(t))
	require.Equal(t, http.StatusBadGateway, status)
	require.Contains(t, body["error"], "reverted")
	require.NotNil(t, body["result"])
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	status, body := h.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])

	res, err := h.srv.Client().Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}
