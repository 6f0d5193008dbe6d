package fanout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-router-go/order"
)

// fakeSession 进程内订阅者，替代真实 websocket 连接。
type fakeSession struct {
	id   string
	subs map[string]bool
	full bool // 模拟缓冲满

	mu       sync.Mutex
	received []UpdateMessage
	shutdown bool
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Wants(orderID string) bool {
	if len(f.subs) == 0 {
		return true
	}
	return f.subs[orderID]
}

func (f *fakeSession) TrySend(msg UpdateMessage) bool {
	if f.full {
		return false
	}
	f.mu.Lock()
	f.received = append(f.received, msg)
	f.mu.Unlock()
	return true
}

func (f *fakeSession) Shutdown() {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
}

func (f *fakeSession) messages() []UpdateMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]UpdateMessage, len(f.received))
	copy(out, f.received)
	return out
}

func TestHubBroadcastRespectsSubscriptions(t *testing.T) {
	h := NewHub(nil, nil)
	subscribed := &fakeSession{id: "sub", subs: map[string]bool{"order-1": true}}
	other := &fakeSession{id: "other", subs: map[string]bool{"order-2": true}}
	firehose := &fakeSession{id: "all"}

	require.True(t, h.add(subscribed))
	require.True(t, h.add(other))
	require.True(t, h.add(firehose))
	assert.Equal(t, 3, h.ClientCount())

	h.Broadcast("order-1", Update{
		OrderID:   "order-1",
		Status:    order.StatusConfirmed,
		Timestamp: time.Now(),
	})

	require.Len(t, subscribed.messages(), 1)
	assert.Equal(t, "status_update", subscribed.messages()[0].Type)
	assert.Equal(t, order.StatusConfirmed, subscribed.messages()[0].Status)
	assert.Empty(t, other.messages(), "not subscribed to order-1")
	assert.Len(t, firehose.messages(), 1, "empty subscription set receives everything")
}

func TestHubBroadcastBestEffort(t *testing.T) {
	h := NewHub(nil, nil)
	stuck := &fakeSession{id: "stuck", full: true}
	healthy := &fakeSession{id: "healthy"}
	require.True(t, h.add(stuck))
	require.True(t, h.add(healthy))

	// 卡死的客户端被跳过，不阻塞其他客户端
	h.Broadcast("order-1", Update{OrderID: "order-1", Status: order.StatusRouting, Timestamp: time.Now()})
	assert.Len(t, healthy.messages(), 1)
	assert.Empty(t, stuck.messages())
}

func TestHubRemove(t *testing.T) {
	h := NewHub(nil, nil)
	s := &fakeSession{id: "s"}
	require.True(t, h.add(s))
	h.remove("s")
	assert.Equal(t, 0, h.ClientCount())

	h.Broadcast("order-1", Update{OrderID: "order-1", Status: order.StatusFailed, Timestamp: time.Now()})
	assert.Empty(t, s.messages(), "removed client receives nothing")
}

func TestHubStopShutsDownClients(t *testing.T) {
	h := NewHub(nil, nil)
	a := &fakeSession{id: "a"}
	b := &fakeSession{id: "b"}
	require.True(t, h.add(a))
	require.True(t, h.add(b))

	require.NoError(t, h.Stop())
	assert.Equal(t, 0, h.ClientCount())
	assert.True(t, a.shutdown)
	assert.True(t, b.shutdown)

	// 关闭后拒绝新客户端
	assert.False(t, h.add(&fakeSession{id: "late"}))
}

func TestUpdateMessageTimestampISO8601(t *testing.T) {
	h := NewHub(nil, nil)
	s := &fakeSession{id: "s"}
	require.True(t, h.add(s))

	ts := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	h.Broadcast("o", Update{OrderID: "o", Status: order.StatusSubmitted, Timestamp: ts})

	msgs := s.messages()
	require.Len(t, msgs, 1)
	parsed, err := time.Parse(time.RFC3339Nano, msgs[0].Timestamp)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
}
