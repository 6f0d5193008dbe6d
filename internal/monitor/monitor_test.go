package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-router-go/fanout"
	"order-router-go/order"
	"order-router-go/queue"
	"order-router-go/store"
	"order-router-go/venue"
)

type quoteVenue struct {
	name  string
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (v *quoteVenue) Name() string { return v.name }

func (v *quoteVenue) GetQuote(ctx context.Context, pair string, amountIn decimal.Decimal) (venue.Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return venue.Quote{}, v.err
	}
	return venue.Quote{
		Venue:           v.name,
		Pair:            pair,
		Price:           v.price,
		EstimatedOutput: amountIn.Mul(v.price),
		Timestamp:       time.Now(),
	}, nil
}

func (v *quoteVenue) ExecuteSwap(ctx context.Context, req venue.SwapRequest) (venue.ExecutionResult, error) {
	return venue.ExecutionResult{}, errors.New("not used")
}

func (v *quoteVenue) CheckHealth(ctx context.Context) bool { return true }

func (v *quoteVenue) setPrice(p decimal.Decimal) {
	v.mu.Lock()
	v.price = p
	v.mu.Unlock()
}

type captureHub struct {
	mu      sync.Mutex
	updates []fanout.Update
}

func (h *captureHub) Broadcast(orderID string, upd fanout.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, upd)
}

func (h *captureHub) last() (fanout.Update, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.updates) == 0 {
		return fanout.Update{}, false
	}
	return h.updates[len(h.updates)-1], true
}

func newTestMonitor(t *testing.T, v *quoteVenue) (*PriceMonitor, *store.MemoryStore, *queue.MemoryQueue, *captureHub) {
	t.Helper()
	reg := venue.NewRegistry()
	require.NoError(t, reg.Register(v))
	cfg := venue.DefaultRouterConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	router := venue.NewRouter(reg, cfg, nil, nil)

	st := store.NewMemoryStore(nil)
	q := queue.NewMemoryQueue(64, nil, nil, nil)
	hub := &captureHub{}
	m := New(st, router, q, hub, Config{
		CheckInterval:  10 * time.Millisecond,
		ExpiryInterval: 10 * time.Millisecond,
	}, nil, nil)
	return m, st, q, hub
}

func seedLimitOrder(t *testing.T, st *store.MemoryStore, limitPrice float64, expiresAt time.Time) *order.Order {
	t.Helper()
	o := &order.Order{
		ID:         order.NewID(),
		Type:       order.TypeLimit,
		Pair:       "SOL/USDC",
		Amount:     10,
		Slippage:   0.01,
		LimitPrice: limitPrice,
		ExpiresAt:  &expiresAt,
		CreatedAt:  time.Now(),
	}
	o.AppendStatus(order.StatusWaitingForPrice, "order created", time.Now())
	require.NoError(t, st.Create(context.Background(), o))
	return o
}

func TestTriggerPromotesAndEnqueues(t *testing.T) {
	v := &quoteVenue{name: "alpha", price: decimal.NewFromInt(100)}
	m, st, q, hub := newTestMonitor(t, v)
	ctx := context.Background()

	o := seedLimitOrder(t, st, 100, time.Now().Add(time.Hour))
	m.RunTickOnce(ctx)

	got, err := st.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	upd, ok := hub.last()
	require.True(t, ok)
	assert.Equal(t, order.StatusPending, upd.Status)
}

func TestTriggerBand(t *testing.T) {
	cases := []struct {
		name    string
		price   string
		limit   float64
		trigger bool
	}{
		{"below target", "99.99", 100, false},
		{"exactly at target", "100", 100, true},
		{"inside band", "100.05", 100, true},
		{"at band edge", "100.1", 100, true},
		{"overshoot beyond band", "100.2", 100, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := &quoteVenue{name: "alpha", price: decimal.RequireFromString(tc.price)}
			m, st, _, _ := newTestMonitor(t, v)
			ctx := context.Background()

			o := seedLimitOrder(t, st, tc.limit, time.Now().Add(time.Hour))
			m.RunTickOnce(ctx)

			got, err := st.FindByID(ctx, o.ID)
			require.NoError(t, err)
			want := order.StatusWaitingForPrice
			if tc.trigger {
				want = order.StatusPending
			}
			assert.Equal(t, want, got.Status)
		})
	}
}

func TestOvershootThenPullbackTriggers(t *testing.T) {
	v := &quoteVenue{name: "alpha", price: decimal.RequireFromString("101")}
	m, st, _, _ := newTestMonitor(t, v)
	ctx := context.Background()

	o := seedLimitOrder(t, st, 100, time.Now().Add(time.Hour))

	// 冲过带宽：不追高
	m.RunTickOnce(ctx)
	got, err := st.FindByID(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusWaitingForPrice, got.Status)

	// 回落带内：触发
	v.setPrice(decimal.RequireFromString("100.05"))
	m.RunTickOnce(ctx)
	got, err = st.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
}

func TestExpiredOrderWinsOverTrigger(t *testing.T) {
	v := &quoteVenue{name: "alpha", price: decimal.NewFromInt(100)}
	m, st, q, _ := newTestMonitor(t, v)
	ctx := context.Background()

	// 已过期且价格达标：先过期扫描，订单必须 EXPIRED 而非促发
	o := seedLimitOrder(t, st, 100, time.Now().Add(-time.Minute))
	m.RunTickOnce(ctx)

	got, err := st.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusExpired, got.Status)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExpireOnceOnly(t *testing.T) {
	v := &quoteVenue{name: "alpha", price: decimal.NewFromInt(1)}
	m, st, _, hub := newTestMonitor(t, v)
	ctx := context.Background()

	o := seedLimitOrder(t, st, 100, time.Now().Add(-time.Minute))
	m.ExpireOnce(ctx)
	m.ExpireOnce(ctx)

	got, err := st.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusExpired, got.Status)

	// 历史里只应有一条 EXPIRED
	count := 0
	for _, h := range got.StatusHistory {
		if h.Status == order.StatusExpired {
			count++
		}
	}
	assert.Equal(t, 1, count)

	hub.mu.Lock()
	assert.Len(t, hub.updates, 1)
	hub.mu.Unlock()
}

func TestQuoteFailureSkipsOrder(t *testing.T) {
	v := &quoteVenue{name: "alpha", err: venue.Permanent("alpha", venue.ClassNotFound, errors.New("no pool"))}
	m, st, q, _ := newTestMonitor(t, v)
	ctx := context.Background()

	o := seedLimitOrder(t, st, 100, time.Now().Add(time.Hour))
	m.RunTickOnce(ctx)

	// 询价失败不是订单失败，留到下一轮
	got, err := st.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusWaitingForPrice, got.Status)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentTicksPromoteOnce(t *testing.T) {
	v := &quoteVenue{name: "alpha", price: decimal.NewFromInt(100)}
	m, st, q, _ := newTestMonitor(t, v)
	ctx := context.Background()

	o := seedLimitOrder(t, st, 100, time.Now().Add(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RunTickOnce(ctx)
		}()
	}
	wg.Wait()

	got, err := st.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)

	// CAS 保证只促发一次；幂等入队保证队列里也只有一个任务
	count := 0
	for _, h := range got.StatusHistory {
		if h.Status == order.StatusPending {
			count++
		}
	}
	assert.Equal(t, 1, count)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartStop(t *testing.T) {
	v := &quoteVenue{name: "alpha", price: decimal.NewFromInt(100)}
	m, st, _, _ := newTestMonitor(t, v)
	ctx := context.Background()

	o := seedLimitOrder(t, st, 100, time.Now().Add(time.Hour))

	m.Start(ctx)
	require.True(t, m.GetStatus().Running)

	require.Eventually(t, func() bool {
		got, err := st.FindByID(ctx, o.ID)
		return err == nil && got.Status == order.StatusPending
	}, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	assert.False(t, m.GetStatus().Running)

	st2 := m.GetStatus()
	assert.False(t, st2.LastTickAt.IsZero())
	assert.GreaterOrEqual(t, st2.Promotions, uint64(1))
}
