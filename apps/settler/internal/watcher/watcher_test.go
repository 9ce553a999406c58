package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"settler/apps/settler/internal/assets"
	"settler/apps/settler/internal/chain"
	"settler/apps/settler/internal/fault"
	"settler/apps/settler/internal/model"
	"settler/apps/settler/internal/processor"
)

type fakeProcessor struct {
	states []processor.IntentState // consumed one per poll, last repeats
	polls  int
}

func (p *fakeProcessor) CreateIntent(_ context.Context, _, _ string) (*processor.Intent, error) {
	return &processor.Intent{IntentID: "pi_123", Handle: "secret_123"}, nil
}

func (p *fakeProcessor) IntentStatus(_ context.Context, _ string) (*processor.IntentState, error) {
	idx := p.polls
	if idx >= len(p.states) {
		idx = len(p.states) - 1
	}
	p.polls++
	state := p.states[idx]
	return &state, nil
}

func (p *fakeProcessor) RefundIntent(_ context.Context, _ string) (string, error) {
	return "re_123", nil
}

type fakeReader struct {
	deposit *chain.Deposit
}

func (r *fakeReader) FindDeposit(_ context.Context, _ string) (*chain.Deposit, error) {
	return r.deposit, nil
}

func (r *fakeReader) TxConfirmations(_ context.Context, _ string) (uint64, error) {
	if r.deposit == nil {
		return 0, nil
	}
	return r.deposit.Confirmations, nil
}

func testConfig() Config {
	return Config{
		AmountToleranceBps: 100, // 1%
		MinConfirmations:   map[string]uint64{"BITCOIN": 3, "ETHEREUM": 1},
		DepositAddresses: map[string]string{
			"BITCOIN":  "bc1qtestdepositaddress00000000000000000000",
			"ETHEREUM": "0x71c7656ec7ab88b098defb751b7401b5f6d8976f",
		},
		PollInterval:    time.Millisecond,
		MaxPollInterval: 2 * time.Millisecond,
		ConfirmTimeout:  50 * time.Millisecond,
	}
}

func newTestWatcher(proc processor.Client, readers map[string]chain.Reader) *Watcher {
	return NewWatcher(proc, readers, assets.NewRegistry(), testConfig(), zap.NewNop())
}

func fiatSettlement() model.Settlement {
	return model.Settlement{
		RequestID:     "req-1",
		PaymentMethod: model.MethodCard,
		Amount:        "100",
		Currency:      "USD",
		IntentID:      "pi_123",
		State:         model.StatePaymentPending,
	}
}

func btcSettlement(amount string) model.Settlement {
	return model.Settlement{
		RequestID:     "req-1",
		PaymentMethod: model.MethodBitcoin,
		Amount:        amount,
		Currency:      "BTC",
		State:         model.StatePaymentPending,
	}
}

func TestFiatConfirmedOnSucceededSignal(t *testing.T) {
	proc := &fakeProcessor{states: []processor.IntentState{
		{IntentID: "pi_123", Status: processor.IntentPending},
		{IntentID: "pi_123", Status: processor.IntentSucceeded, Amount: "100", Currency: "USD"},
	}}

	evidence, err := newTestWatcher(proc, nil).AwaitConfirmation(context.Background(), fiatSettlement())
	require.NoError(t, err)

	assert.Equal(t, "pi_123", evidence.Reference)
	assert.Equal(t, "100", evidence.Amount)
	assert.True(t, evidence.Final)
	assert.GreaterOrEqual(t, proc.polls, 2)
}

func TestFiatRejectedIntent(t *testing.T) {
	proc := &fakeProcessor{states: []processor.IntentState{
		{IntentID: "pi_123", Status: processor.IntentFailed},
	}}

	_, err := newTestWatcher(proc, nil).AwaitConfirmation(context.Background(), fiatSettlement())
	assert.True(t, fault.Is(err, fault.PaymentRejected))
}

func TestFiatPendingNeverConfirms(t *testing.T) {
	// A processor that only ever says pending must end in a timeout, not a
	// confirmation.
	proc := &fakeProcessor{states: []processor.IntentState{
		{IntentID: "pi_123", Status: processor.IntentPending},
	}}

	_, err := newTestWatcher(proc, nil).AwaitConfirmation(context.Background(), fiatSettlement())
	assert.True(t, fault.Is(err, fault.PaymentTimeout))
}

func TestCryptoDepositConfirmed(t *testing.T) {
	readers := map[string]chain.Reader{
		"BITCOIN": &fakeReader{deposit: &chain.Deposit{TxHash: "btc-tx", Amount: "0.5", Confirmations: 3}},
	}

	evidence, err := newTestWatcher(&fakeProcessor{}, readers).AwaitConfirmation(context.Background(), btcSettlement("0.5"))
	require.NoError(t, err)

	assert.Equal(t, "btc-tx", evidence.Reference)
	assert.False(t, evidence.Overpaid)
	assert.Equal(t, uint64(3), evidence.Confirmations)
}

func TestCryptoDepositBelowConfirmationDepth(t *testing.T) {
	readers := map[string]chain.Reader{
		"BITCOIN": &fakeReader{deposit: &chain.Deposit{TxHash: "btc-tx", Amount: "0.5", Confirmations: 1}},
	}

	_, err := newTestWatcher(&fakeProcessor{}, readers).AwaitConfirmation(context.Background(), btcSettlement("0.5"))
	assert.True(t, fault.Is(err, fault.PaymentTimeout))
}

func TestCryptoUnderpaymentKeepsWaiting(t *testing.T) {
	// 0.4 against an expected 0.5 is outside the 1% tolerance; the watcher
	// keeps waiting for the real deposit until the timeout.
	readers := map[string]chain.Reader{
		"BITCOIN": &fakeReader{deposit: &chain.Deposit{TxHash: "btc-tx", Amount: "0.4", Confirmations: 5}},
	}

	_, err := newTestWatcher(&fakeProcessor{}, readers).AwaitConfirmation(context.Background(), btcSettlement("0.5"))
	assert.True(t, fault.Is(err, fault.PaymentTimeout))
}

func TestCryptoFeeShortfallWithinTolerance(t *testing.T) {
	// 0.4995 against 0.5 is within the 1% tolerance and confirms.
	readers := map[string]chain.Reader{
		"BITCOIN": &fakeReader{deposit: &chain.Deposit{TxHash: "btc-tx", Amount: "0.4995", Confirmations: 3}},
	}

	evidence, err := newTestWatcher(&fakeProcessor{}, readers).AwaitConfirmation(context.Background(), btcSettlement("0.5"))
	require.NoError(t, err)
	assert.False(t, evidence.Overpaid)
	assert.Equal(t, "0.4995", evidence.Amount)
}

func TestCryptoOverpaymentFlagged(t *testing.T) {
	readers := map[string]chain.Reader{
		"BITCOIN": &fakeReader{deposit: &chain.Deposit{TxHash: "btc-tx", Amount: "0.6", Confirmations: 3}},
	}

	evidence, err := newTestWatcher(&fakeProcessor{}, readers).AwaitConfirmation(context.Background(), btcSettlement("0.5"))
	require.NoError(t, err)
	assert.True(t, evidence.Overpaid)
	assert.Equal(t, "0.6", evidence.Amount)
}

func TestTimeoutWhenNoDepositArrives(t *testing.T) {
	readers := map[string]chain.Reader{
		"BITCOIN": &fakeReader{},
	}

	_, err := newTestWatcher(&fakeProcessor{}, readers).AwaitConfirmation(context.Background(), btcSettlement("0.5"))
	assert.True(t, fault.Is(err, fault.PaymentTimeout))
}
