package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Quote 单次路由决策用的报价，不落库。
type Quote struct {
	Venue           string          `json:"venue"`
	Pair            string          `json:"pair"`
	Price           decimal.Decimal `json:"price"`
	Fee             decimal.Decimal `json:"fee"`
	EstimatedOutput decimal.Decimal `json:"estimatedOutput"`
	Timestamp       time.Time       `json:"timestamp"`
}

// SwapRequest 执行 swap 的入参。ClientRef 透传订单 ID，场所可用作幂等键；
// 路由器本身绝不重试执行。
type SwapRequest struct {
	Pair          string
	AmountIn      decimal.Decimal
	ExpectedPrice decimal.Decimal
	Slippage      float64
	ClientRef     string
}

// ExecutionResult swap 执行结果。
type ExecutionResult struct {
	Success       bool
	Venue         string
	TxHash        string
	ExecutedPrice decimal.Decimal
	ActualOutput  decimal.Decimal
	Fee           decimal.Decimal
	Err           string
}

// Adapter 流动性场所的统一能力接口。实现必须可独立重试：GetQuote 幂等，
// ExecuteSwap 单发。
type Adapter interface {
	Name() string
	GetQuote(ctx context.Context, pair string, amountIn decimal.Decimal) (Quote, error)
	ExecuteSwap(ctx context.Context, req SwapRequest) (ExecutionResult, error)
	CheckHealth(ctx context.Context) bool
}

// ErrorClass 场所错误分类，决定报价阶段是否重试。
type ErrorClass string

const (
	ClassTransient           ErrorClass = "TRANSIENT"
	ClassValidation          ErrorClass = "VALIDATION"
	ClassNotFound            ErrorClass = "NOT_FOUND"
	ClassInsufficientBalance ErrorClass = "INSUFFICIENT_BALANCE"
)

// Error 带分类的场所错误。
type Error struct {
	Venue string
	Class ErrorClass
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("venue %s [%s]: %v", e.Venue, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient 可重试的瞬时错误。
func Transient(venue string, err error) *Error {
	return &Error{Venue: venue, Class: ClassTransient, Err: err}
}

// Permanent 按给定分类构造不可重试错误。
func Permanent(venue string, class ErrorClass, err error) *Error {
	return &Error{Venue: venue, Class: class, Err: err}
}

// IsRetryable 报价阶段是否值得重试。未分类的错误（网络超时等）按瞬时处理；
// 校验/不存在/余额不足重试也不会变好。
func IsRetryable(err error) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Class == ClassTransient
	}
	return true
}
