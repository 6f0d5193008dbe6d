package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-router-go/order"
)

func newTestOrder(typ order.Type, st order.Status) *order.Order {
	now := time.Now()
	o := &order.Order{
		ID:        order.NewID(),
		Type:      typ,
		Pair:      "SOL/USDC",
		Amount:    1.5,
		Slippage:  0.01,
		CreatedAt: now,
	}
	if typ == order.TypeLimit {
		exp := now.Add(time.Hour)
		o.LimitPrice = 100
		o.ExpiresAt = &exp
	}
	o.AppendStatus(st, "order created", now)
	return o
}

func TestMemoryStoreCRUD(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	o := newTestOrder(order.TypeMarket, order.StatusPending)
	require.NoError(t, s.Create(ctx, o))
	require.Error(t, s.Create(ctx, o), "duplicate create must fail")

	got, err := s.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.Len(t, got.StatusHistory, 1)

	_, err = s.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	upd, err := s.UpdateStatus(ctx, o.ID, order.StatusRouting, "fetching quotes")
	require.NoError(t, err)
	assert.Equal(t, order.StatusRouting, upd.Status)
	assert.Equal(t, order.StatusRouting, upd.StatusHistory[len(upd.StatusHistory)-1].Status)
}

func TestMemoryStoreUpdateExecution(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	o := newTestOrder(order.TypeMarket, order.StatusPending)
	require.NoError(t, s.Create(ctx, o))

	_, err := s.UpdateStatus(ctx, o.ID, order.StatusRouting, "fetching quotes")
	require.NoError(t, err)

	got, err := s.UpdateExecution(ctx, o.ID, ExecutionUpdate{
		Status:         order.StatusBuilding,
		VenueUsed:      "alpha",
		ExecutionPrice: 101.2,
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.VenueUsed)
	assert.Equal(t, 101.2, got.ExecutionPrice)
	assert.Equal(t, order.StatusBuilding, got.Status)

	_, err = s.UpdateStatus(ctx, o.ID, order.StatusSubmitted, "swap submitted")
	require.NoError(t, err)
	got, err = s.UpdateExecution(ctx, o.ID, ExecutionUpdate{
		Status: order.StatusConfirmed,
		TxHash: "0xabc",
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, got.Status)
	assert.Equal(t, "0xabc", got.TxHash)

	// 零值字段不覆盖已有值
	got, err = s.UpdateExecution(ctx, o.ID, ExecutionUpdate{Status: order.StatusConfirmed})
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.VenueUsed)
	assert.Equal(t, "0xabc", got.TxHash)
}

func TestMemoryStoreRejectsIllegalTransition(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	cancelled := newTestOrder(order.TypeMarket, order.StatusPending)
	require.NoError(t, s.Create(ctx, cancelled))
	ok, err := s.UpdateStatusIf(ctx, cancelled.ID, order.StatusPending, order.StatusCancelled, "cancelled by user")
	require.NoError(t, err)
	require.True(t, ok)

	// 终态订单不可复活
	_, err = s.UpdateStatus(ctx, cancelled.ID, order.StatusRouting, "fetching quotes")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = s.UpdateExecution(ctx, cancelled.ID, ExecutionUpdate{Status: order.StatusConfirmed})
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = s.UpdateStatusIf(ctx, cancelled.ID, order.StatusCancelled, order.StatusPending, "revive")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// 管线不能跳级
	pending := newTestOrder(order.TypeMarket, order.StatusPending)
	require.NoError(t, s.Create(ctx, pending))
	_, err = s.UpdateStatus(ctx, pending.ID, order.StatusConfirmed, "skip ahead")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, err := s.FindByID(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Len(t, got.StatusHistory, 2, "rejected writes leave no history entries")
}

func TestMemoryStoreUpdateStatusIfExactlyOneWinner(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	o := newTestOrder(order.TypeLimit, order.StatusWaitingForPrice)
	require.NoError(t, s.Create(ctx, o))

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.UpdateStatusIf(ctx, o.ID, order.StatusWaitingForPrice, order.StatusPending, "price triggered")
			if err == nil && ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one caller may flip the status")

	got, err := s.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.Len(t, got.StatusHistory, 2)
}

func TestMemoryStoreUpdateStatusIfNotFound(t *testing.T) {
	s := NewMemoryStore(nil)
	_, err := s.UpdateStatusIf(context.Background(), "missing", order.StatusWaitingForPrice, order.StatusPending, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreLimitOrderQueries(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	now := time.Now()

	active := newTestOrder(order.TypeLimit, order.StatusWaitingForPrice)
	expired := newTestOrder(order.TypeLimit, order.StatusWaitingForPrice)
	past := now.Add(-time.Minute)
	expired.ExpiresAt = &past
	market := newTestOrder(order.TypeMarket, order.StatusPending)

	require.NoError(t, s.Create(ctx, active))
	require.NoError(t, s.Create(ctx, expired))
	require.NoError(t, s.Create(ctx, market))

	waiting, err := s.FindActiveLimitOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	exp, err := s.FindExpiredLimitOrders(ctx, now)
	require.NoError(t, err)
	require.Len(t, exp, 1)
	assert.Equal(t, expired.ID, exp[0].ID)

	pending, err := s.FindByStatus(ctx, order.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, market.ID, pending[0].ID)
}
