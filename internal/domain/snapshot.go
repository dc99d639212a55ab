package domain

import "time"

// WindowStats агрегат скользящего окна по одному варианту.
type WindowStats struct {
	Count        int     `json:"count"`
	Errors       int     `json:"errors"`
	SuccessRate  float64 `json:"success_rate"`
	ErrorRate    float64 `json:"error_rate"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// VariantSnapshot зафиксированный агрегат. Только добавляется, хранится для трендов.
type VariantSnapshot struct {
	RolloutID string    `json:"rollout_id"`
	Variant   string    `json:"variant"`
	At        time.Time `json:"at"`
	WindowSec int       `json:"window_sec"`
	WindowStats
}
