package devnet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/splitpay/internal/chain"
	"github.com/mbd888/splitpay/internal/config"
	"github.com/mbd888/splitpay/internal/contracts/bondedstake"
	"github.com/mbd888/splitpay/internal/contracts/penalty"
	"github.com/mbd888/splitpay/internal/intents"
	"github.com/mbd888/splitpay/internal/notify"
	"github.com/mbd888/splitpay/internal/settlement"
	"github.com/mbd888/splitpay/internal/usdc"
	"github.com/mbd888/splitpay/internal/watchdog"
)

var (
	payer       = chain.AddressOf("payer")
	provider    = chain.AddressOf("provider")
	beneficiary = chain.AddressOf("beneficiary")
	staker      = chain.AddressOf("staker")
)

func newNetwork(t *testing.T) (*Network, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := &config.Config{ChainID: config.DefaultChainID, Economics: config.DefaultEconomics()}
	n, err := New(cfg, clock, nil)
	require.NoError(t, err)
	return n, clock
}

func TestNew_DeploysWithEconomics(t *testing.T) {
	n, _ := newNetwork(t)
	a := n.Addresses()

	assert.Equal(t, a.SplitLedger, n.Ledger.Address())
	assert.Equal(t, a.BondedStake, n.Staking.Address())
	assert.Equal(t, a.Penalty, n.Penalty.Address())
	assert.Equal(t, 1, n.Ledger.Schedule().Version)
	assert.Equal(t, 7*24*time.Hour, n.Staking.UnbondingDelay())
	assert.Equal(t, 72*time.Hour, n.Penalty.AppealWindow())
	assert.Equal(t, usdc.Units(500), n.Staking.Thresholds()[1].Min)
}

func TestNew_HonorsConfiguredAddresses(t *testing.T) {
	cfg := &config.Config{
		ChainID:             config.DefaultChainID,
		Economics:           config.DefaultEconomics(),
		TreasuryAddress:     "0x00000000000000000000000000000000000000aa",
		SplitLedgerContract: "0x00000000000000000000000000000000000000bb",
	}
	n, err := New(cfg, clockwork.NewFakeClock(), nil)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(cfg.TreasuryAddress), n.Addresses().Treasury)
	assert.Equal(t, common.HexToAddress(cfg.SplitLedgerContract), n.Addresses().SplitLedger)
	assert.Equal(t, n.Addresses().SplitLedger, n.Ledger.Address())
}

func TestFaucet(t *testing.T) {
	n, _ := newNetwork(t)
	ctx := context.Background()

	_, err := n.Faucet(ctx, payer, usdc.Units(250))
	require.NoError(t, err)
	assert.Equal(t, usdc.Units(250), n.Token.BalanceOf(payer))

	_, err = n.Faucet(ctx, payer, usdc.Units(2_000_000))
	assert.ErrorIs(t, err, ErrFaucetLimit)
}

func TestSubmit_UnknownContract(t *testing.T) {
	n, _ := newNetwork(t)
	_, err := n.Submit(context.Background(), payer, staker, []byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrUnknownContract)
}

type recordingSink struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingSink) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

// An intent paid through its own instruction ends up completed, recorded
// and notified, with the split landing in each recipient's balance.
func TestPaymentFlow_EndToEnd(t *testing.T) {
	n, clock := newNetwork(t)
	ctx := context.Background()
	a := n.Addresses()
	econ := config.DefaultEconomics()

	svc := intents.NewService(intents.NewMemoryStore(), intents.Config{
		Schedule:    econ.SplitSchedule(),
		MinAmount:   usdc.MustParse(econ.MinPayment),
		MaxAmount:   usdc.MustParse(econ.MaxPayment),
		TTL:         15 * time.Minute,
		ChainID:     config.DefaultChainID,
		Token:       a.Token,
		Ledger:      a.SplitLedger,
		Treasury:    a.Treasury,
		StakingPool: a.StakingPool,
	}, clock, nil)

	store := settlement.NewMemoryStore()
	outbox := notify.NewMemoryOutbox()
	listener := settlement.NewListener(n.Chain, store, svc, outbox,
		watchdog.New("rpc", time.Minute, clock),
		settlement.Config{ChainID: config.DefaultChainID, Ledger: a.SplitLedger, ConfirmationDepth: 2},
		clock, nil)
	sink := &recordingSink{}
	worker := notify.NewWorker(outbox, sink, notify.DefaultWorkerConfig(), clock, nil)

	created, err := svc.CreateIntent(ctx, intents.CreateRequest{
		ReferenceID: "order-1",
		Amount:      "100.00",
		Provider:    provider.Hex(),
		Beneficiary: beneficiary.Hex(),
	})
	require.NoError(t, err)

	_, err = n.Faucet(ctx, payer, usdc.Units(100))
	require.NoError(t, err)
	for _, call := range created.Instruction.Calls {
		_, err := n.Submit(ctx, payer, call.To, call.Data)
		require.NoError(t, err, call.Description)
	}

	processed, err := listener.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed, "not yet confirmed")

	n.Chain.Mine(2)
	processed, err = listener.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	intent, err := svc.Get(ctx, created.IntentID())
	require.NoError(t, err)
	assert.Equal(t, intents.StatusCompleted, intent.Status)

	rec, err := store.Get(ctx, intent.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, created.IntentID(), rec.PaymentIntentID)
	assert.Equal(t, payer, rec.Payer)

	delivered, err := worker.DeliverDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	require.Len(t, sink.sent, 1)
	assert.Equal(t, rec.ID, sink.sent[0].SettlementID)
	assert.Equal(t, "60.000000", sink.sent[0].Amounts["provider"])

	assert.Equal(t, usdc.Units(60), n.Token.BalanceOf(provider))
	assert.Equal(t, usdc.Units(20), n.Token.BalanceOf(beneficiary))
	assert.Equal(t, usdc.Units(15), n.Token.BalanceOf(a.Treasury))
	assert.Equal(t, usdc.Units(5), n.Token.BalanceOf(a.StakingPool))
	assert.Zero(t, n.Token.BalanceOf(payer).Sign())
}

func TestStakeAndSlashLifecycle(t *testing.T) {
	n, clock := newNetwork(t)
	ctx := context.Background()

	_, err := n.Faucet(ctx, staker, usdc.Units(1_000))
	require.NoError(t, err)
	_, err = n.Stake(ctx, staker, usdc.Units(1_000))
	require.NoError(t, err)
	assert.Equal(t, bondedstake.TierStandard, n.Staking.CapacityTier(staker))

	id, err := n.ProposeSlash(ctx, staker, penalty.TierMinor, "ipfs://evidence")
	require.NoError(t, err)

	_, err = n.Execute(ctx, Reporter, id)
	assert.ErrorIs(t, err, penalty.ErrAppealWindowOpen)

	clock.Advance(72 * time.Hour)
	_, err = n.Execute(ctx, Reporter, id)
	require.NoError(t, err)

	p := n.Staking.Position(staker)
	assert.Equal(t, usdc.Units(900), p.Active)
	assert.Equal(t, usdc.Units(100), p.TotalSlashed)
	assert.False(t, p.Frozen)
}

func TestAppealUpheldReturnsBond(t *testing.T) {
	n, _ := newNetwork(t)
	ctx := context.Background()

	_, err := n.Faucet(ctx, staker, usdc.Units(1_100))
	require.NoError(t, err)
	_, err = n.Stake(ctx, staker, usdc.Units(1_000))
	require.NoError(t, err)

	id, err := n.ProposeSlash(ctx, staker, penalty.TierModerate, "case-7")
	require.NoError(t, err)
	_, err = n.Appeal(ctx, staker, id)
	require.NoError(t, err)
	assert.Equal(t, usdc.Units(70), n.Token.BalanceOf(staker), "30 bond pulled from 100 free balance")

	_, err = n.Resolve(ctx, id, true)
	require.NoError(t, err)

	c, ok := n.Penalty.Case(id)
	require.True(t, ok)
	assert.Equal(t, penalty.StatusOverturned, c.Status)
	assert.Equal(t, usdc.Units(100), n.Token.BalanceOf(staker))
	assert.Equal(t, usdc.Units(1_000), n.Staking.Position(staker).Active)
}

func TestAppeal_UnknownCase(t *testing.T) {
	n, _ := newNetwork(t)
	_, err := n.Appeal(context.Background(), staker, 99)
	assert.ErrorIs(t, err, penalty.ErrCaseNotFound)
}

func newRouter(n *Network) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1")
	h := NewHandler(n)
	h.RegisterRoutes(v1)
	h.RegisterDevnetRoutes(v1.Group("/devnet"))
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_StakeAndCase(t *testing.T) {
	n, _ := newNetwork(t)
	r := newRouter(n)
	addr := staker.Hex()

	w := do(r, "POST", "/v1/devnet/faucet", `{"address":"`+addr+`","amount":"2500"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "POST", "/v1/devnet/stakes/"+addr+"/stake", `{"amount":"2000"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, "GET", "/v1/stakes/"+addr, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stake struct {
		Stake struct {
			Active string `json:"active"`
			Status string `json:"status"`
			Tier   string `json:"tier"`
		} `json:"stake"`
		Balance string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stake))
	assert.Equal(t, "2000.000000", stake.Stake.Active)
	assert.Equal(t, "active", stake.Stake.Status)
	assert.Equal(t, "Professional", stake.Stake.Tier)
	assert.Equal(t, "500.000000", stake.Balance)

	w = do(r, "POST", "/v1/devnet/slash-cases", `{"subject":"`+addr+`","tier":"major","evidenceRef":"ticket-9"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"proposedAmount":"1200.000000"`)

	w = do(r, "GET", "/v1/stakes/"+addr+"/case", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, "POST", "/v1/devnet/stakes/"+addr+"/unstake", `{"amount":"100"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(r, "POST", "/v1/devnet/stakes/"+addr+"/finalize", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "execution_reverted")

	w = do(r, "POST", "/v1/devnet/slash-cases/1/execute", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "appeal window still open")
}

func TestHandlers_Validation(t *testing.T) {
	n, _ := newNetwork(t)
	r := newRouter(n)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad address param", "GET", "/v1/stakes/0x123", "", http.StatusBadRequest},
		{"unknown case", "GET", "/v1/slash-cases/42", "", http.StatusNotFound},
		{"bad case id", "GET", "/v1/slash-cases/abc", "", http.StatusBadRequest},
		{"no open case", "GET", "/v1/stakes/" + staker.Hex() + "/case", "", http.StatusNotFound},
		{"faucet bad amount", "POST", "/v1/devnet/faucet", `{"address":"` + staker.Hex() + `","amount":"-1"}`, http.StatusBadRequest},
		{"unknown tier", "POST", "/v1/devnet/slash-cases", `{"subject":"` + staker.Hex() + `","tier":"huge"}`, http.StatusBadRequest},
		{"unknown target", "POST", "/v1/devnet/transactions", `{"from":"` + payer.Hex() + `","to":"` + staker.Hex() + `","data":"0x01020304"}`, http.StatusBadRequest},
		{"stake zero", "POST", "/v1/devnet/stakes/" + staker.Hex() + "/stake", `{"amount":"0"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandlers_Contracts(t *testing.T) {
	n, _ := newNetwork(t)
	r := newRouter(n)

	w := do(r, "GET", "/v1/contracts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), n.Addresses().SplitLedger.Hex())
	assert.Contains(t, w.Body.String(), `"chainId":84532`)
}
