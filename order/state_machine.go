package order

import (
	"fmt"
	"sync"
)

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机
type StateMachine struct {
	transitions map[StateTransition]bool
	mu          sync.RWMutex
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 市价单入队后由 worker 驱动进入路由
		{StatusPending, StatusRouting},
		{StatusRouting, StatusBuilding},
		{StatusBuilding, StatusSubmitted},
		{StatusSubmitted, StatusConfirmed},

		// 管线任意阶段失败
		{StatusRouting, StatusFailed},
		{StatusBuilding, StatusFailed},
		{StatusSubmitted, StatusFailed},

		// 限价单由价格监控促发或过期
		{StatusWaitingForPrice, StatusPending},
		{StatusWaitingForPrice, StatusExpired},

		// 显式撤单，仅管线尚未启动时允许
		{StatusPending, StatusCancelled},
		{StatusWaitingForPrice, StatusCancelled},

		// 终态不能转换（CONFIRMED, FAILED, EXPIRED, CANCELLED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	// 相同状态允许（幂等性）
	if from == to {
		return nil
	}

	transition := StateTransition{From: from, To: to}
	if !sm.transitions[transition] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}

	return nil
}

// IsTerminal 终态判定，终态订单保留审计、不再转换。
func IsTerminal(status Status) bool {
	switch status {
	case StatusConfirmed, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanCancel 判断当前状态下是否可以撤单。
// 一旦进入 ROUTING，swap 可能已在途，不允许撤。
func (sm *StateMachine) CanCancel(status Status) bool {
	switch status {
	case StatusPending, StatusWaitingForPrice:
		return true
	default:
		return false
	}
}

// IsActiveState 判断是否是活跃状态（管线进行中）
func (sm *StateMachine) IsActiveState(status Status) bool {
	switch status {
	case StatusRouting, StatusBuilding, StatusSubmitted:
		return true
	default:
		return false
	}
}
