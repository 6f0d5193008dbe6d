package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"order-router-go/infrastructure/logger"
	"order-router-go/metrics"
)

// RouterConfig 路由器参数。
type RouterConfig struct {
	Retry RetryPolicy
	// QuoteTimeout 单场所单次报价的超时。
	QuoteTimeout time.Duration
}

// DefaultRouterConfig 默认配置。
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Retry:        DefaultRetryPolicy(),
		QuoteTimeout: 5 * time.Second,
	}
}

// RouteDecision getBestQuote 的结果：选中的场所、全部报价与选择理由。
type RouteDecision struct {
	Venue  string  `json:"venue"`
	Best   Quote   `json:"best"`
	Quotes []Quote `json:"quotes"`
	Reason string  `json:"reason"`
}

// Router 多场所最优执行路由。报价并发取全量、按净产出挑选；
// 执行阶段只委托一次，绝不重试。
type Router struct {
	registry *Registry
	cfg      RouterConfig
	logger   *logger.Logger
	metrics  *metrics.Collector
}

// NewRouter 创建路由器。
func NewRouter(registry *Registry, cfg RouterConfig, log *logger.Logger, m *metrics.Collector) *Router {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{registry: registry, cfg: cfg, logger: log, metrics: m}
}

type quoteResult struct {
	quote Quote
	err   error
	venue string
}

// GetBestQuote 并发向所有场所询价，等待全部返回后选净产出
// （estimatedOutput，已扣费）最高者。并列时的选择不保证稳定。
func (r *Router) GetBestQuote(ctx context.Context, pair string, amountIn decimal.Decimal) (*RouteDecision, error) {
	adapters := r.registry.All()
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no venues registered")
	}

	results := make([]quoteResult, len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			q, err := r.quoteWithRetry(ctx, a, pair, amountIn)
			results[i] = quoteResult{quote: q, err: err, venue: a.Name()}
		}(i, a)
	}
	wg.Wait()

	quotes := make([]Quote, 0, len(results))
	for _, res := range results {
		if res.err != nil {
			r.logger.LogVenue("quote_failed", res.venue, map[string]interface{}{
				"pair":  pair,
				"error": res.err.Error(),
			})
			continue
		}
		quotes = append(quotes, res.quote)
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no venue returned a quote for %s", pair)
	}

	best := quotes[0]
	var runnerUp *Quote
	for i := 1; i < len(quotes); i++ {
		q := quotes[i]
		if q.EstimatedOutput.GreaterThan(best.EstimatedOutput) {
			prev := best
			runnerUp = &prev
			best = q
		} else if runnerUp == nil || q.EstimatedOutput.GreaterThan(runnerUp.EstimatedOutput) {
			cur := q
			runnerUp = &cur
		}
	}

	decision := &RouteDecision{
		Venue:  best.Venue,
		Best:   best,
		Quotes: quotes,
		Reason: routeReason(best, runnerUp),
	}
	r.logger.LogVenue("route_decided", best.Venue, map[string]interface{}{
		"pair":   pair,
		"output": best.EstimatedOutput.String(),
		"quotes": len(quotes),
		"reason": decision.Reason,
	})
	return decision, nil
}

func (r *Router) quoteWithRetry(ctx context.Context, a Adapter, pair string, amountIn decimal.Decimal) (Quote, error) {
	var quote Quote
	attempt := 0
	start := time.Now()
	err := r.cfg.Retry.Do(ctx, func() error {
		if attempt > 0 {
			r.metrics.RecordQuoteRetry(a.Name())
		}
		attempt++
		qctx, cancel := context.WithTimeout(ctx, r.cfg.QuoteTimeout)
		defer cancel()
		q, err := a.GetQuote(qctx, pair, amountIn)
		if err != nil {
			return err
		}
		quote = q
		return nil
	})
	r.metrics.RecordQuote(a.Name(), time.Since(start).Seconds(), err != nil)
	return quote, err
}

// routeReason 生成选择说明（净产出领先百分比）。
func routeReason(best Quote, runnerUp *Quote) string {
	if runnerUp == nil {
		return fmt.Sprintf("%s is the only venue with a live quote", best.Venue)
	}
	if runnerUp.EstimatedOutput.IsZero() {
		return fmt.Sprintf("%s nets %s output; %s quoted zero", best.Venue, best.EstimatedOutput, runnerUp.Venue)
	}
	adv := best.EstimatedOutput.Sub(runnerUp.EstimatedOutput).
		Div(runnerUp.EstimatedOutput).
		Mul(decimal.NewFromInt(100))
	return fmt.Sprintf("%s nets %s%% more output than %s", best.Venue, adv.Round(4), runnerUp.Venue)
}

// ExecuteSwap 校验入参后委托指定场所执行一次 swap。实际价格偏离超过
// 请求滑点视为失败。失败或含混的执行对本次尝试是终局的，不重试——
// 重试可能造成对场所的重复成交。
func (r *Router) ExecuteSwap(ctx context.Context, venue string, req SwapRequest) (ExecutionResult, error) {
	if req.Slippage < 0 || req.Slippage > 0.5 {
		return ExecutionResult{}, Permanent(venue, ClassValidation,
			fmt.Errorf("slippage %v out of range [0, 0.5]", req.Slippage))
	}
	if !req.AmountIn.IsPositive() {
		return ExecutionResult{}, Permanent(venue, ClassValidation,
			fmt.Errorf("amountIn %s must be positive", req.AmountIn))
	}
	if !req.ExpectedPrice.IsPositive() {
		return ExecutionResult{}, Permanent(venue, ClassValidation,
			fmt.Errorf("expectedPrice %s must be positive", req.ExpectedPrice))
	}

	adapter, ok := r.registry.Get(venue)
	if !ok {
		return ExecutionResult{}, Permanent(venue, ClassNotFound,
			fmt.Errorf("venue %s not registered", venue))
	}

	res, err := adapter.ExecuteSwap(ctx, req)
	if err != nil {
		r.metrics.RecordSwap(venue, false)
		return ExecutionResult{
			Venue: venue,
			Err:   err.Error(),
		}, nil
	}
	res.Venue = venue

	if res.Success {
		// 已实现价格冲击 = |executed - expected| / expected
		impact := res.ExecutedPrice.Sub(req.ExpectedPrice).Abs().Div(req.ExpectedPrice)
		if impact.GreaterThan(decimal.NewFromFloat(req.Slippage)) {
			res.Success = false
			res.Err = fmt.Sprintf("price impact %s exceeds slippage %v", impact.Round(6), req.Slippage)
		}
	}

	r.metrics.RecordSwap(venue, res.Success)
	r.logger.LogVenue("swap_executed", venue, map[string]interface{}{
		"pair":    req.Pair,
		"success": res.Success,
		"tx_hash": res.TxHash,
		"error":   res.Err,
	})
	return res, nil
}

// HealthSnapshot 探活所有场所并刷新指标。
func (r *Router) HealthSnapshot(ctx context.Context) map[string]bool {
	snapshot := r.registry.HealthSnapshot(ctx)
	for venue, healthy := range snapshot {
		r.metrics.SetVenueHealth(venue, healthy)
	}
	return snapshot
}
