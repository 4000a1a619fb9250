package receipt

import (
	"math"
	"time"

	"github.com/raine/receipt-vision/internal/imaging"
)

// LineItem is one transcribed product line. Validated items always satisfy
// TotalPrice == UnitPrice*Quantity within a one cent tolerance.
type LineItem struct {
	Name       string  `json:"name"`
	UnitPrice  float64 `json:"unitPrice"`
	Quantity   int     `json:"quantity"`
	TotalPrice float64 `json:"totalPrice"`
}

// Result is the caller-visible outcome of one recognition request. The
// recognizer always returns a Result, degraded if necessary, rather than an
// error for model-side failures.
type Result struct {
	RequestID        string                   `json:"requestId"`
	Items            []LineItem               `json:"items"`
	Confidence       float64                  `json:"confidence"`
	TotalAmount      float64                  `json:"totalAmount"`
	FallbackUsed     bool                     `json:"fallbackUsed"`
	FallbackStrategy string                   `json:"fallbackStrategy,omitempty"`
	Cached           bool                     `json:"cached,omitempty"`
	ProcessingTime   time.Duration            `json:"processingTime"`
	QualityAnalysis  *imaging.QualityAnalysis `json:"qualityAnalysis,omitempty"`
}

// SumTotal recomputes a receipt total from its line items. The total is
// always derived locally, never trusted from the model.
func SumTotal(items []LineItem) float64 {
	var sum float64
	for _, item := range items {
		sum += item.TotalPrice
	}
	return round2(sum)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
