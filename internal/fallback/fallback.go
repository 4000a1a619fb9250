package fallback

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/raine/receipt-vision/internal/faults"
	"github.com/raine/receipt-vision/internal/imaging"
	"github.com/raine/receipt-vision/internal/receipt"
)

// Strategy names the degraded path a fallback result came from.
type Strategy string

const (
	StrategyEnhancedHeuristic Strategy = "enhanced_heuristic"
	StrategyTemplate          Strategy = "template"
	StrategyBasicHeuristic    Strategy = "basic_heuristic"
	StrategyEmptyResult       Strategy = "empty_result"
)

// Confidence ceilings per strategy. Fallback confidence must stay far below
// anything a real transcription would report, so downstream consumers treat
// these results as drafts for manual correction.
const (
	enhancedConfidenceCap = 0.30
	basicConfidenceCap    = 0.20
	templateConfidence    = 0.10
)

// Input carries what is still known about the request when recognition has
// already failed. Every field may be missing.
type Input struct {
	Path        string
	PayloadSize int64
	Quality     *imaging.QualityAnalysis
}

// Cascade produces degraded recognition results. It never fails: whatever
// else goes wrong, the caller gets a usable placeholder receipt.
type Cascade struct{}

func NewCascade() *Cascade {
	return &Cascade{}
}

// Recognize picks a degraded strategy from the classified failure and builds
// a placeholder result. Network and parsing failures get the enhanced
// heuristic, rate limiting gets the cheapest template, and everything else,
// including a nil cause, gets the basic heuristic.
func (c *Cascade) Recognize(in Input, cause *faults.Info) *receipt.Result {
	strategy := strategyFor(cause)

	var res *receipt.Result
	switch strategy {
	case StrategyEnhancedHeuristic:
		res = c.enhancedHeuristic(in)
	case StrategyTemplate:
		res = c.template(in)
	default:
		res = c.basicHeuristic(in)
	}
	if res == nil || len(res.Items) == 0 {
		strategy = StrategyEmptyResult
		res = emptyResult()
	}

	res.FallbackUsed = true
	res.FallbackStrategy = string(strategy)
	res.QualityAnalysis = in.Quality

	causeKind := "none"
	if cause != nil {
		causeKind = string(cause.Kind)
	}
	log.Info().
		Str("strategy", string(strategy)).
		Str("cause", causeKind).
		Int64("payloadSize", c.payloadSize(in)).
		Int("items", len(res.Items)).
		Float64("confidence", res.Confidence).
		Msg("fallback recognition used")

	return res
}

func strategyFor(cause *faults.Info) Strategy {
	if cause == nil {
		return StrategyBasicHeuristic
	}
	switch cause.Kind {
	case faults.KindNetwork, faults.KindParsing:
		return StrategyEnhancedHeuristic
	case faults.KindRateLimited:
		return StrategyTemplate
	default:
		return StrategyBasicHeuristic
	}
}

func (c *Cascade) payloadSize(in Input) int64 {
	if in.PayloadSize > 0 {
		return in.PayloadSize
	}
	if in.Path == "" {
		return 0
	}
	fi, err := os.Stat(in.Path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// enhancedHeuristic estimates the item count from payload size, quality and
// filename hints, then synthesizes placeholders for manual entry. The first
// item is left blank so a correction UI starts with an empty row.
func (c *Cascade) enhancedHeuristic(in Input) *receipt.Result {
	size := c.payloadSize(in)
	count := estimateItemCount(size, in.Path)

	grade := imaging.GradeFair
	if in.Quality != nil {
		grade = in.Quality.Quality
	}

	var confidence float64
	switch grade {
	case imaging.GradeExcellent:
		confidence = enhancedConfidenceCap
	case imaging.GradeGood:
		confidence = 0.25
	case imaging.GradeFair:
		confidence = 0.18
	default:
		confidence = 0.10
		count = max(1, count/2)
	}

	items := make([]receipt.LineItem, 0, count)
	for i := 0; i < count; i++ {
		items = append(items, placeholderItem(lo.Ternary(i == 0, "", fmt.Sprintf("Item %d", i+1))))
	}

	return &receipt.Result{
		Items:       items,
		Confidence:  confidence,
		TotalAmount: receipt.SumTotal(items),
	}
}

// estimateItemCount guesses how many lines the receipt has. Bigger photos
// tend to be longer receipts; filename hints nudge the guess.
func estimateItemCount(size int64, path string) int {
	var count int
	switch {
	case size == 0:
		count = 3
	case size < 50*1024:
		count = 2
	case size < 200*1024:
		count = 4
	case size < 1024*1024:
		count = 6
	default:
		count = 8
	}

	name := strings.ToLower(filepath.Base(path))
	switch {
	case containsAny(name, "grocery", "market", "kauppa", "ruoka", "prisma", "citymarket"):
		count += 4
	case containsAny(name, "cafe", "coffee", "kahvi", "lounas", "lunch", "ravintola"):
		count = min(count, 3)
	}
	return count
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// template returns a pre-built near-empty receipt. Used under rate limiting
// where the cheapest possible answer is wanted.
func (c *Cascade) template(in Input) *receipt.Result {
	size := c.payloadSize(in)

	count := 1
	confidence := 0.05
	switch {
	case size >= 500*1024:
		count = 3
		confidence = templateConfidence
	case size >= 100*1024:
		count = 2
		confidence = 0.08
	}

	items := make([]receipt.LineItem, 0, count)
	for i := 0; i < count; i++ {
		items = append(items, placeholderItem(""))
	}

	return &receipt.Result{
		Items:       items,
		Confidence:  confidence,
		TotalAmount: receipt.SumTotal(items),
	}
}

// basicHeuristic is the most conservative guess: size-bucketed placeholder
// rows and a low confidence. Used for authentication failures and anything
// unclassified.
func (c *Cascade) basicHeuristic(in Input) *receipt.Result {
	size := c.payloadSize(in)

	count := 1
	confidence := 0.08
	switch {
	case size >= 500*1024:
		count = 5
		confidence = 0.15
	case size >= 100*1024:
		count = 3
		confidence = 0.12
	}

	items := make([]receipt.LineItem, 0, count)
	for i := 0; i < count; i++ {
		items = append(items, placeholderItem(fmt.Sprintf("Item %d", i+1)))
	}

	return &receipt.Result{
		Items:       items,
		Confidence:  confidence,
		TotalAmount: receipt.SumTotal(items),
	}
}

func emptyResult() *receipt.Result {
	return &receipt.Result{
		Items:       []receipt.LineItem{placeholderItem("")},
		Confidence:  0,
		TotalAmount: 0,
	}
}

// placeholderItem is a zero-priced row for the user to fill in. Prices are
// never guessed.
func placeholderItem(name string) receipt.LineItem {
	return receipt.LineItem{
		Name:       name,
		UnitPrice:  0,
		Quantity:   1,
		TotalPrice: 0,
	}
}
