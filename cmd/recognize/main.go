package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/raine/receipt-vision/config"
	"github.com/raine/receipt-vision/internal/breaker"
	"github.com/raine/receipt-vision/internal/imaging"
	"github.com/raine/receipt-vision/internal/llm"
	"github.com/raine/receipt-vision/internal/metrics"
	"github.com/raine/receipt-vision/internal/receipt"
	"github.com/raine/receipt-vision/internal/recognition"
	"github.com/raine/receipt-vision/internal/retry"
)

func main() {
	var model string
	var asJSON bool
	var noFallback bool
	var verbose bool

	flag.StringVar(&model, "model", "gemini", "Model to use: gemini or anthropic")
	flag.BoolVar(&asJSON, "json", false, "Print the result as JSON")
	flag.BoolVar(&noFallback, "no-fallback", false, "Fail instead of returning a heuristic fallback result")
	flag.BoolVar(&verbose, "v", false, "Show pipeline logs")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: recognize [flags] <image-path>\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  GEMINI_API_KEY    - Required for Gemini\n")
		fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY - Required for Anthropic\n")
		os.Exit(1)
	}
	imagePath := flag.Arg(0)

	// Keep pipeline logs off the output unless asked for
	if !verbose {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	config.LoadEnvFile()
	ctx := context.Background()

	var client llm.Client
	switch model {
	case "gemini":
		gemini, err := llm.NewGeminiClient(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating gemini client: %v\n", err)
			os.Exit(1)
		}
		client = gemini
	case "anthropic":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			fmt.Fprintf(os.Stderr, "ANTHROPIC_API_KEY not set\n")
			os.Exit(1)
		}
		client = llm.NewAnthropicClient(llm.AnthropicOpts{APIKey: apiKey})
	default:
		fmt.Fprintf(os.Stderr, "Unknown model: %s (use gemini or anthropic)\n", model)
		os.Exit(1)
	}

	m := metrics.NewService(metrics.Options{})
	breakers := breaker.NewRegistry(breaker.DefaultThreshold, breaker.DefaultCooldown)
	svc := recognition.NewService(imaging.NewFileAnalyzer(), client, retry.NewEngine(breakers, m), m)

	result, err := svc.Recognize(ctx, imagePath, recognition.Options{EnableFallback: !noFallback})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Recognition failed: %v\n", err)
		os.Exit(1)
	}

	if asJSON {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(output))
		return
	}

	printResult(result)
}

func printResult(result *receipt.Result) {
	for _, item := range result.Items {
		fmt.Printf("%-32s %2d x %6.2f = %8.2f\n", item.Name, item.Quantity, item.UnitPrice, item.TotalPrice)
	}
	fmt.Println(strings.Repeat("-", 56))
	fmt.Printf("Total:      %.2f\n", result.TotalAmount)
	fmt.Printf("Confidence: %.2f\n", result.Confidence)
	if result.FallbackUsed {
		fmt.Printf("Fallback:   %s\n", result.FallbackStrategy)
	}
	if result.Cached {
		fmt.Println("Cached:     yes")
	}
	fmt.Printf("Took:       %s\n", result.ProcessingTime.Round(time.Millisecond))
}
