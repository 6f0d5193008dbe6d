package venue

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimConfig 模拟场所参数。每个场所围绕基准价做随机游走，
// 费率与价差决定净产出差异。
type SimConfig struct {
	Name string `yaml:"name"`
	// BasePrices 各交易对基准价。
	BasePrices map[string]float64 `yaml:"base_prices"`
	// FeeRate 按名义额收的费率，如 0.003。
	FeeRate float64 `yaml:"fee_rate"`
	// PriceJitter 报价围绕基准价的最大相对偏移，如 0.005。
	PriceJitter float64 `yaml:"price_jitter"`
	// ExecJitter 执行价相对报价的最大相对偏移。
	ExecJitter float64 `yaml:"exec_jitter"`
	// QuoteFailRate 报价瞬时失败概率，0 表示从不失败。
	QuoteFailRate float64 `yaml:"quote_fail_rate"`
	// Latency 每次调用的固定延迟，模拟网络耗时。
	Latency time.Duration `yaml:"latency"`
	// Seed 随机种子，0 则用时间。
	Seed int64 `yaml:"seed"`
}

// SimVenue 进程内模拟场所。报价幂等、可重复；执行单发。
type SimVenue struct {
	cfg SimConfig

	mu      sync.Mutex
	rng     *rand.Rand
	healthy bool
	drift   map[string]float64 // 每个 pair 的累计游走
}

// NewSimVenue 创建模拟场所。
func NewSimVenue(cfg SimConfig) *SimVenue {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimVenue{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		healthy: true,
		drift:   make(map[string]float64),
	}
}

func (v *SimVenue) Name() string { return v.cfg.Name }

// SetHealthy 测试/混沌注入用。
func (v *SimVenue) SetHealthy(h bool) {
	v.mu.Lock()
	v.healthy = h
	v.mu.Unlock()
}

func (v *SimVenue) GetQuote(ctx context.Context, pair string, amountIn decimal.Decimal) (Quote, error) {
	if err := v.sleep(ctx); err != nil {
		return Quote{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.healthy || v.rng.Float64() < v.cfg.QuoteFailRate {
		return Quote{}, Transient(v.cfg.Name, fmt.Errorf("quote temporarily unavailable"))
	}
	base, ok := v.cfg.BasePrices[pair]
	if !ok {
		return Quote{}, Permanent(v.cfg.Name, ClassNotFound, fmt.Errorf("pair %s not listed", pair))
	}
	if !amountIn.IsPositive() {
		return Quote{}, Permanent(v.cfg.Name, ClassValidation, fmt.Errorf("amountIn must be positive"))
	}

	// 有界随机游走，让连续报价有连贯性
	v.drift[pair] += (v.rng.Float64() - 0.5) * v.cfg.PriceJitter
	if v.drift[pair] > v.cfg.PriceJitter {
		v.drift[pair] = v.cfg.PriceJitter
	}
	if v.drift[pair] < -v.cfg.PriceJitter {
		v.drift[pair] = -v.cfg.PriceJitter
	}

	price := decimal.NewFromFloat(base * (1 + v.drift[pair]))
	gross := amountIn.Mul(price)
	fee := gross.Mul(decimal.NewFromFloat(v.cfg.FeeRate))

	return Quote{
		Venue:           v.cfg.Name,
		Pair:            pair,
		Price:           price,
		Fee:             fee,
		EstimatedOutput: gross.Sub(fee),
		Timestamp:       time.Now(),
	}, nil
}

func (v *SimVenue) ExecuteSwap(ctx context.Context, req SwapRequest) (ExecutionResult, error) {
	if err := v.sleep(ctx); err != nil {
		return ExecutionResult{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.healthy {
		return ExecutionResult{}, Transient(v.cfg.Name, fmt.Errorf("venue unavailable"))
	}

	offset := (v.rng.Float64() - 0.5) * 2 * v.cfg.ExecJitter
	executed := req.ExpectedPrice.Mul(decimal.NewFromFloat(1 + offset))
	gross := req.AmountIn.Mul(executed)
	fee := gross.Mul(decimal.NewFromFloat(v.cfg.FeeRate))

	return ExecutionResult{
		Success:       true,
		Venue:         v.cfg.Name,
		TxHash:        newTxHash(),
		ExecutedPrice: executed,
		ActualOutput:  gross.Sub(fee),
		Fee:           fee,
	}, nil
}

func (v *SimVenue) CheckHealth(ctx context.Context) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.healthy
}

func (v *SimVenue) sleep(ctx context.Context) error {
	if v.cfg.Latency <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(v.cfg.Latency):
		return nil
	}
}

func newTxHash() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
