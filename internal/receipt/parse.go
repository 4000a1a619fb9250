package receipt

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	// PriceTolerance is the maximum accepted difference between a line
	// total and unit price times quantity.
	PriceTolerance = 0.01
	maxNameLength  = 120
)

// Non-product lines the model sometimes transcribes as items. Matching is
// word-bounded and case-insensitive, in English and Finnish.
var denylist = []string{
	"subtotal",
	"sub total",
	"total",
	"tax",
	"vat",
	"change",
	"cash",
	"card",
	"payment",
	"address",
	"date",
	"cashier",
	"receipt",
	"thank you",
	"yhteensä",
	"välisumma",
	"alv",
	"käteinen",
	"kortti",
	"maksu",
	"päiväys",
	"kassa",
	"kuitti",
	"kiitos",
}

// modelItem mirrors the JSON contract the prompt gives the model. Quantity
// is decoded as a float so fractional values can be rejected explicitly
// instead of being truncated.
type modelItem struct {
	Name       string  `json:"name"`
	UnitPrice  float64 `json:"unit_price"`
	Quantity   float64 `json:"quantity"`
	TotalPrice float64 `json:"total_price"`
}

type modelPayload struct {
	Items      []modelItem `json:"items"`
	Total      float64     `json:"total"`
	Confidence float64     `json:"confidence"`
}

// Parsed is a validated transcription before it becomes a Result.
type Parsed struct {
	Items      []LineItem
	Confidence float64
	// ModelTotal is the total the model claims to have read. Kept for
	// logging only; the real total is recomputed from the items.
	ModelTotal float64
	// Dropped counts items rejected during validation.
	Dropped int
}

// ExtractJSONObject extracts a JSON object from text that may contain
// markdown code blocks or other formatting. Returns the extracted JSON
// string or an error.
func ExtractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response: %s", text)
	}
	return text[start : end+1], nil
}

// ParseModelText parses a model transcription into validated line items.
// Items with blank or overlong names, non-positive prices, non-positive or
// fractional quantities, or denylisted names are dropped. Line totals that
// disagree with unit price times quantity by more than a cent are repaired
// to the product.
func ParseModelText(text string) (*Parsed, error) {
	jsonStr, err := ExtractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	var payload modelPayload
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w (response: %s)", err, jsonStr)
	}
	if payload.Items == nil {
		return nil, fmt.Errorf("response JSON has no items array")
	}

	items, dropped := validateItems(payload.Items)
	return &Parsed{
		Items:      items,
		Confidence: clamp01(payload.Confidence),
		ModelTotal: payload.Total,
		Dropped:    dropped,
	}, nil
}

func validateItems(raw []modelItem) ([]LineItem, int) {
	items := make([]LineItem, 0, len(raw))
	dropped := 0

	for _, it := range raw {
		name := strings.TrimSpace(it.Name)
		reason := rejectReason(name, it)
		if reason != "" {
			dropped++
			log.Debug().Str("name", name).Str("reason", reason).Msg("dropped transcribed item")
			continue
		}

		quantity := int(math.Round(it.Quantity))
		unitPrice := round2(it.UnitPrice)
		totalPrice := round2(it.TotalPrice)
		// the epsilon keeps float subtraction noise from pushing an
		// exactly-one-cent difference over the tolerance
		if expected := round2(unitPrice * float64(quantity)); math.Abs(totalPrice-expected) > PriceTolerance+1e-9 {
			log.Debug().
				Str("name", name).
				Float64("transcribed", totalPrice).
				Float64("computed", expected).
				Msg("repaired line total")
			totalPrice = expected
		}

		items = append(items, LineItem{
			Name:       name,
			UnitPrice:  unitPrice,
			Quantity:   quantity,
			TotalPrice: totalPrice,
		})
	}

	return items, dropped
}

func rejectReason(name string, it modelItem) string {
	switch {
	case name == "":
		return "blank name"
	case len(name) > maxNameLength:
		return "name too long"
	case isDenylisted(name):
		return "denylisted"
	case it.UnitPrice <= 0:
		return "non-positive unit price"
	case it.Quantity <= 0:
		return "non-positive quantity"
	case math.Abs(it.Quantity-math.Round(it.Quantity)) > 1e-9:
		return "fractional quantity"
	default:
		return ""
	}
}

// isDenylisted reports whether the name contains a denylisted phrase as a
// whole word, so "Total" is dropped but "Totally Tropical juice" is kept.
func isDenylisted(name string) bool {
	norm := strings.ToLower(name)
	for _, r := range []string{":", ",", ".", "*", "!"} {
		norm = strings.ReplaceAll(norm, r, " ")
	}
	norm = " " + norm + " "
	for _, phrase := range denylist {
		if strings.Contains(norm, " "+phrase+" ") {
			return true
		}
	}
	return false
}
