package container

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"order-router-go/internal/engine"
	"order-router-go/order"
	"order-router-go/store"
)

// api 订单接入层：JSON over HTTP，业务全部委托给控制器。
type api struct {
	c *Container
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("/orders", a.handleOrders)
	mux.HandleFunc("/orders/", a.handleOrderByID)
	mux.HandleFunc("/queue/dead-letters", a.handleDeadLetters)
	mux.HandleFunc("/monitor/status", a.handleMonitorStatus)
}

type createOrderRequest struct {
	Type       string     `json:"type"`
	Pair       string     `json:"pair"`
	Amount     float64    `json:"amount"`
	Slippage   float64    `json:"slippage"`
	LimitPrice float64    `json:"limitPrice,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

func (a *api) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	o, err := a.c.controller.CreateOrder(r.Context(), engine.CreateRequest{
		Type:       order.Type(strings.ToUpper(req.Type)),
		Pair:       req.Pair,
		Amount:     req.Amount,
		Slippage:   req.Slippage,
		LimitPrice: req.LimitPrice,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		if order.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// 限价单由价格监控接管；市价类订单立刻入队执行
	if o.Status == order.StatusPending {
		if err := a.c.queue.Enqueue(r.Context(), o.ID); err != nil {
			writeError(w, http.StatusServiceUnavailable, "order created but enqueue failed: "+err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, o)
}

func (a *api) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/orders/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "order id is required")
		return
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		o, err := a.c.controller.GetOrder(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "order not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, o)

	case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "cancel":
		res, err := a.c.controller.CancelOrder(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "order not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !res.Cancelled {
			// 冲突而非错误：订单已越过可撤点
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"cancelled": false,
				"status":    res.Status,
				"reason":    res.Reason,
			})
			return
		}
		writeJSON(w, http.StatusOK, res.Order)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *api) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dls, err := a.c.queue.DeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deadLetters": dls})
}

func (a *api) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.c.monitor.GetStatus())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
