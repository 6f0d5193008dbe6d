package order

import (
	"time"

	"github.com/google/uuid"
)

// Type 订单类型。
type Type string

const (
	TypeMarket Type = "MARKET"
	TypeLimit  Type = "LIMIT"
	TypeSniper Type = "SNIPER"
)

// Status represents order lifecycle.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusWaitingForPrice Status = "WAITING_FOR_PRICE"
	StatusRouting         Status = "ROUTING"
	StatusBuilding        Status = "BUILDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusConfirmed       Status = "CONFIRMED"
	StatusFailed          Status = "FAILED"
	StatusExpired         Status = "EXPIRED"
	StatusCancelled       Status = "CANCELLED"
)

// StatusChange 状态历史的一条记录，追加写、按时间排序。
type StatusChange struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// Order holds the durable order record.
type Order struct {
	ID       string  `json:"id"`
	Type     Type    `json:"type"`
	Pair     string  `json:"pair"`
	Amount   float64 `json:"amount"`
	Slippage float64 `json:"slippage"`
	Status   Status  `json:"status"`

	// 仅 LIMIT 订单使用
	LimitPrice float64    `json:"limitPrice,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`

	VenueUsed      string  `json:"venueUsed,omitempty"`
	ExecutionPrice float64 `json:"executionPrice,omitempty"`
	TxHash         string  `json:"txHash,omitempty"`
	Error          string  `json:"error,omitempty"`

	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	StatusHistory []StatusChange `json:"statusHistory"`
}

// NewID 生成订单 ID。
func NewID() string {
	return uuid.NewString()
}

// AppendStatus 追加一条状态历史并同步当前状态。
// 不校验转换合法性，调用方应先走 StateMachine.ValidateTransition。
func (o *Order) AppendStatus(st Status, message string, at time.Time) {
	o.Status = st
	o.UpdatedAt = at
	o.StatusHistory = append(o.StatusHistory, StatusChange{
		Status:    st,
		Timestamp: at,
		Message:   message,
	})
}

// IsLimit 返回订单是否由价格监控驱动（当前仅 LIMIT）。
func (o *Order) IsLimit() bool {
	return o.Type == TypeLimit
}

// Clone 返回深拷贝，内存存储用它避免调用方改到共享状态。
func (o *Order) Clone() *Order {
	cp := *o
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		cp.ExpiresAt = &t
	}
	cp.StatusHistory = make([]StatusChange, len(o.StatusHistory))
	copy(cp.StatusHistory, o.StatusHistory)
	return &cp
}
