package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
// 日志是运维排障的主要入口，字段缺失在写入时就暴露出来。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"order_created": {
		Event:    "order_created",
		Required: []string{"order_id", "type", "pair", "status"},
	},
	"order_confirmed": {
		Event:    "order_confirmed",
		Required: []string{"order_id", "venue", "tx_hash"},
	},
	"order_failed": {
		Event:    "order_failed",
		Required: []string{"order_id", "reason"},
	},
	"order_cancelled": {
		Event:    "order_cancelled",
		Required: []string{"order_id"},
	},
	"order_promoted": {
		Event:    "order_promoted",
		Required: []string{"order_id", "pair", "price"},
	},
	"order_expired": {
		Event:    "order_expired",
		Required: []string{"order_id"},
	},
	"route_decided": {
		Event:    "route_decided",
		Required: []string{"venue", "pair", "output"},
	},
	"quote_failed": {
		Event:    "quote_failed",
		Required: []string{"venue", "pair", "error"},
	},
	"swap_executed": {
		Event:    "swap_executed",
		Required: []string{"venue", "pair", "success"},
	},
	"health_flip": {
		Event:    "health_flip",
		Required: []string{"venue", "healthy"},
	},
	"job_dead_lettered": {
		Event:    "job_dead_lettered",
		Required: []string{"order_id", "attempts", "error"},
	},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate 检查日志字段是否包含 schema 中要求的 key。
// 未登记的事件不校验。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ","))
	}
	return nil
}
