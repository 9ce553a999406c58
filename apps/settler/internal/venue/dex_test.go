package venue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"settler/apps/settler/internal/chain"
	"settler/apps/settler/internal/fault"
)

type fakeReader struct {
	confirmations uint64
	err           error
}

func (r *fakeReader) FindDeposit(context.Context, string) (*chain.Deposit, error) {
	return nil, nil
}

func (r *fakeReader) TxConfirmations(context.Context, string) (uint64, error) {
	if r.err != nil {
		return 0, r.err
	}
	return r.confirmations, nil
}

func newTestDEX(reader *fakeReader) *DEXClient {
	return NewDEXClient("dex", "http://localhost", rate.NewLimiter(rate.Inf, 1), reader, 2, zap.NewNop())
}

func TestDEXTradeStatusFilledAtFinality(t *testing.T) {
	trade, err := newTestDEX(&fakeReader{confirmations: 2}).TradeStatus(context.Background(), "0xswap")
	require.NoError(t, err)
	assert.Equal(t, "FILLED", trade.Status)
}

func TestDEXTradeStatusPendingBelowFinality(t *testing.T) {
	trade, err := newTestDEX(&fakeReader{confirmations: 1}).TradeStatus(context.Background(), "0xswap")
	require.NoError(t, err)
	assert.Equal(t, "PENDING", trade.Status)
}

func TestDEXTradeStatusRevertedSwapIsRejected(t *testing.T) {
	reader := &fakeReader{err: fmt.Errorf("tx 0xswap: %w", chain.ErrReverted)}
	_, err := newTestDEX(reader).TradeStatus(context.Background(), "0xswap")
	assert.True(t, fault.Is(err, fault.VenueRejected))
}

func TestDEXTradeStatusPollErrorTextDoesNotMeanRevert(t *testing.T) {
	// Classification follows the typed sentinel, not the message text.
	reader := &fakeReader{err: errors.New("node error: cannot tell if reverted")}
	_, err := newTestDEX(reader).TradeStatus(context.Background(), "0xswap")
	assert.True(t, fault.Is(err, fault.VenueUnavailable))
}
