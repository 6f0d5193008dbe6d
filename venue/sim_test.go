package venue

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimVenueQuoteAndSwap(t *testing.T) {
	v := NewSimVenue(SimConfig{
		Name:        "sim",
		BasePrices:  map[string]float64{"SOL/USDC": 100},
		FeeRate:     0.002,
		PriceJitter: 0.001,
		ExecJitter:  0.0005,
		Seed:        42,
	})
	ctx := context.Background()

	q, err := v.GetQuote(ctx, "SOL/USDC", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, "sim", q.Venue)
	assert.True(t, q.Price.IsPositive())
	// 净产出 = 毛额 - 手续费
	gross := decimal.NewFromInt(10).Mul(q.Price)
	assert.True(t, q.EstimatedOutput.Equal(gross.Sub(q.Fee)))

	res, err := v.ExecuteSwap(ctx, SwapRequest{
		Pair:          "SOL/USDC",
		AmountIn:      decimal.NewFromInt(10),
		ExpectedPrice: q.Price,
		Slippage:      0.01,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TxHash)
	assert.True(t, res.ExecutedPrice.IsPositive())
}

func TestSimVenueUnknownPair(t *testing.T) {
	v := NewSimVenue(SimConfig{Name: "sim", BasePrices: map[string]float64{"SOL/USDC": 100}, Seed: 1})
	_, err := v.GetQuote(context.Background(), "BTC/USDC", decimal.NewFromInt(1))
	var ve *Error
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ClassNotFound, ve.Class)
	assert.False(t, IsRetryable(err))
}

func TestSimVenueHealthToggle(t *testing.T) {
	v := NewSimVenue(SimConfig{Name: "sim", BasePrices: map[string]float64{"SOL/USDC": 100}, Seed: 1})
	ctx := context.Background()
	assert.True(t, v.CheckHealth(ctx))

	v.SetHealthy(false)
	assert.False(t, v.CheckHealth(ctx))
	_, err := v.GetQuote(ctx, "SOL/USDC", decimal.NewFromInt(1))
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "unhealthy venue fails transiently")
}
