package fanout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-router-go/order"
)

func testUpdateMessage(orderID string, status order.Status) UpdateMessage {
	return UpdateMessage{
		Type:      "status_update",
		OrderID:   orderID,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func TestClientTrySendAfterShutdown(t *testing.T) {
	h := NewHub(nil, nil)
	c := newClient(h, nil, "order-1")
	require.True(t, h.add(c))

	// 断连收尾的顺序：先注销再关闭发送侧
	h.remove(c.id)
	c.Shutdown()

	// 广播快照可能仍持有该会话，投递必须安全失败而不是 panic
	assert.NotPanics(t, func() {
		assert.False(t, c.TrySend(testUpdateMessage("order-1", order.StatusConfirmed)))
	})
}

func TestClientShutdownIdempotent(t *testing.T) {
	c := newClient(NewHub(nil, nil), nil, "")
	assert.NotPanics(t, func() {
		c.Shutdown()
		c.Shutdown()
	})
}

func TestClientConcurrentBroadcastAndDisconnect(t *testing.T) {
	h := NewHub(nil, nil)
	c := newClient(h, nil, "")
	require.True(t, h.add(c))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.Broadcast("order-1", Update{
				OrderID:   "order-1",
				Status:    order.StatusSubmitted,
				Timestamp: time.Now(),
			})
		}
	}()
	go func() {
		defer wg.Done()
		h.remove(c.id)
		c.Shutdown()
	}()
	wg.Wait()

	assert.False(t, c.TrySend(testUpdateMessage("order-1", order.StatusConfirmed)))
}

func TestClientTrySendBufferFull(t *testing.T) {
	c := newClient(NewHub(nil, nil), nil, "")
	msg := testUpdateMessage("order-1", order.StatusRouting)
	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.TrySend(msg))
	}
	assert.False(t, c.TrySend(msg), "full buffer drops instead of blocking")
}
