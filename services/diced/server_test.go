package diced

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"dicehouse/crypto"
	"dicehouse/fairness"
	"dicehouse/ingest"
	"dicehouse/payout"
	"dicehouse/settle"
	"dicehouse/storage"
	"dicehouse/vault"
)

const (
	testMasterKey  = "server-test-master-key"
	testAdminToken = "server-test-admin-token"
)

func newTestServer(t *testing.T) (*Server, *storage.Store, *vault.Vault) {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:diced_%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rules, err := fairness.NewEngine(fairness.Limits{
		HouseEdgeBps:  200,
		MinMultiplier: 2,
		MaxMultiplier: 100,
		MinWager:      big.NewInt(1000),
		MaxWager:      big.NewInt(10000000),
	})
	if err != nil {
		t.Fatalf("fairness engine: %v", err)
	}
	seeds, err := fairness.NewManager(store)
	if err != nil {
		t.Fatalf("seed manager: %v", err)
	}
	v, err := vault.New(store, vault.WithScrypt(crypto.LightScryptN, crypto.LightScryptP))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	broadcaster := &payout.FuncBroadcaster{
		BalanceFn: func(context.Context, string) (*big.Int, error) {
			return big.NewInt(100000000), nil
		},
		EstimateFeeFn: func(context.Context, *big.Int) (*big.Int, error) {
			return big.NewInt(100), nil
		},
		BroadcastFn: func(ctx context.Context, key *crypto.PrivateKey, from, to string, amount, fee *big.Int) (*payout.Receipt, error) {
			return &payout.Receipt{Txid: "net-tx", Fee: fee}, nil
		},
	}
	processor, err := payout.NewProcessor(store, v, broadcaster, testMasterKey)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	engine, err := settle.NewEngine(store, rules, seeds, v, processor)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	observer, err := ingest.NewObserver(store, v, engine)
	if err != nil {
		t.Fatalf("observer: %v", err)
	}
	return NewServer(observer, engine, processor, v, store, testMasterKey, testAdminToken, 100), store, v
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	router := server.Router()
	seed, hash, err := fairness.GenerateServerSeed()
	if err != nil {
		t.Fatalf("generate seed: %v", err)
	}
	roll := fairness.Roll(seed, "client", 5)

	rec := doJSON(t, router, http.MethodPost, "/verify", "", map[string]any{
		"serverSeed": seed, "serverSeedHash": hash, "clientSeed": "client",
		"nonce": 5, "roll": roll,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Valid bool `json:"valid"`
		Roll  int  `json:"roll"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Valid || resp.Roll != roll {
		t.Fatalf("honest roll rejected: %+v", resp)
	}

	rec = doJSON(t, router, http.MethodPost, "/verify", "", map[string]any{
		"serverSeed": seed, "serverSeedHash": hash, "clientSeed": "client",
		"nonce": 5, "roll": (roll + 1) % fairness.RollRange,
	})
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Valid {
		t.Fatalf("forged roll verified")
	}
}

func TestManualObservationSettles(t *testing.T) {
	server, store, v := newTestServer(t)
	router := server.Router()
	wallet, err := v.Create(context.Background(), 2, testMasterKey)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/observations", "", map[string]any{
		"txid": "tx-manual", "from": "dice1player", "to": wallet.Address,
		"amount": "100000", "confirmations": 1,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	bet, err := store.BetByDepositTxid(context.Background(), "tx-manual")
	if err != nil {
		t.Fatalf("bet not created: %v", err)
	}
	if bet.TargetMultiplier != 2 {
		t.Fatalf("multiplier %d", bet.TargetMultiplier)
	}

	// Re-reporting is harmless.
	rec = doJSON(t, router, http.MethodPost, "/observations", "", map[string]any{
		"txid": "tx-manual", "from": "dice1player", "to": wallet.Address,
		"amount": "100000", "confirmations": 2,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("duplicate status %d", rec.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	server, _, _ := newTestServer(t)
	router := server.Router()

	rec := doJSON(t, router, http.MethodGet, "/admin/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/admin/status", "wrong", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/admin/status", testAdminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status %d", rec.Code)
	}
}

func TestAdminCreateWallet(t *testing.T) {
	server, _, _ := newTestServer(t)
	router := server.Router()

	rec := doJSON(t, router, http.MethodPost, "/admin/wallets", testAdminToken, map[string]any{"multiplier": 3})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var view map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view["address"] == "" || view["multiplier"].(float64) != 3 {
		t.Fatalf("unexpected wallet view: %v", view)
	}
	if _, leaked := view["keystoreJson"]; leaked {
		t.Fatalf("sealed credential leaked through the API")
	}

	rec = doJSON(t, router, http.MethodGet, "/admin/status", testAdminToken, nil)
	var status struct {
		ActiveMultipliers []int `json:"activeMultipliers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.ActiveMultipliers) != 1 || status.ActiveMultipliers[0] != 3 {
		t.Fatalf("multipliers %v", status.ActiveMultipliers)
	}
}

func TestCommitmentEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	router := server.Router()

	rec := doJSON(t, router, http.MethodGet, "/commitment/dice1somebody", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	hash, _ := resp["serverSeedHash"].(string)
	if len(hash) != 64 {
		t.Fatalf("commitment hash %q", hash)
	}
	if _, leaked := resp["serverSeed"]; leaked {
		t.Fatalf("active server seed leaked")
	}
}

func TestSeedRotationEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	router := server.Router()

	rec := doJSON(t, router, http.MethodGet, "/commitment/dice1rotator", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("commitment status %d", rec.Code)
	}
	var commitment struct {
		ServerSeedHash string `json:"serverSeedHash"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &commitment); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, router, http.MethodPost, "/admin/seeds/rotate", testAdminToken, map[string]any{
		"player": "dice1rotator", "clientSeed": "fresh-client",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate status %d: %s", rec.Code, rec.Body)
	}
	var rotated struct {
		RevealedServerSeed string `json:"revealedServerSeed"`
		RevealedSeedHash   string `json:"revealedSeedHash"`
		NextSeedHash       string `json:"nextSeedHash"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rotated.RevealedSeedHash != commitment.ServerSeedHash {
		t.Fatalf("revealed a different commitment")
	}
	if fairness.HashServerSeed(rotated.RevealedServerSeed) != rotated.RevealedSeedHash {
		t.Fatalf("revealed seed does not match its commitment")
	}
	if rotated.NextSeedHash == rotated.RevealedSeedHash {
		t.Fatalf("rotation reused the commitment")
	}
}
