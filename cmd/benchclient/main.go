// Command benchclient is sample load-testing code for the inference
// server (explicitly out of system scope per spec.md §1: "the benchmark
// client is sample code, not part of the system"). Grounded on
// original_source/examples/benchmark_client.py for the scenario set and
// latency-percentile reporting, translated from asyncio+aiohttp to a
// worker-pool of goroutines bounded by a semaphore channel.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

type scenario struct {
	name        string
	numRequests int
	concurrency int
}

var defaultScenarios = []scenario{
	{name: "Sequential", numRequests: 50, concurrency: 1},
	{name: "Low Concurrency", numRequests: 50, concurrency: 5},
	{name: "High Concurrency", numRequests: 100, concurrency: 20},
}

func main() {
	var baseURL string
	var model string

	cmd := &cobra.Command{
		Use:   "benchclient",
		Short: "Load-test the inference server across a fixed set of concurrency scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, sc := range defaultScenarios {
				fmt.Printf("\n\nRunning scenario: %s\n", sc.name)
				fmt.Println("----------------------------------------------------------------------")
				run(baseURL, model, sc)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8000", "inference server base URL")
	cmd.Flags().StringVar(&model, "model", "default", "model name to request")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type result struct {
	latencyMs float64
	tokens    int
	err       error
}

func run(baseURL, model string, sc scenario) {
	client := &http.Client{Timeout: 60 * time.Second}
	sem := make(chan struct{}, sc.concurrency)
	results := make(chan result, sc.numRequests)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < sc.numRequests; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()
			results <- makeRequest(client, baseURL, model, n)
		}(i)
	}

	wg.Wait()
	close(results)
	totalTime := time.Since(start).Seconds()

	printResults(sc, results, totalTime)
}

func makeRequest(client *http.Client, baseURL, model string, n int) result {
	payload := map[string]any{
		"model":       model,
		"prompt":      fmt.Sprintf("Request %d: Once upon a time", n),
		"max_tokens":  50,
		"temperature": 0.8,
		"priority":    "NORMAL",
	}
	body, _ := json.Marshal(payload)

	start := time.Now()
	resp, err := client.Post(baseURL+"/infer", "application/json", bytes.NewReader(body))
	if err != nil {
		return result{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result{err: fmt.Errorf("request %d: HTTP %d", n, resp.StatusCode)}
	}

	var decoded struct {
		Tokens []any `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return result{err: err}
	}

	return result{latencyMs: float64(time.Since(start)) / float64(time.Millisecond), tokens: len(decoded.Tokens)}
}

func printResults(sc scenario, results <-chan result, totalTime float64) {
	var latencies []float64
	var errs []error
	successful := 0
	totalTokens := 0

	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		successful++
		totalTokens += r.tokens
		latencies = append(latencies, r.latencyMs)
	}

	fmt.Println("\n======================================================================")
	fmt.Println("BENCHMARK RESULTS")
	fmt.Println("======================================================================")
	fmt.Printf("\nTotal Requests: %d\n", sc.numRequests)
	fmt.Printf("Successful: %d\n", successful)
	fmt.Printf("Failed: %d\n", len(errs))
	fmt.Printf("Total Time: %.2fs\n", totalTime)
	fmt.Printf("Throughput: %.2f req/s\n", float64(successful)/totalTime)

	if successful > 0 {
		fmt.Println("\nToken Statistics:")
		fmt.Printf("  Total Tokens Generated: %d\n", totalTokens)
		fmt.Printf("  Avg Tokens per Request: %.1f\n", float64(totalTokens)/float64(successful))
		fmt.Printf("  Token Throughput: %.1f tokens/sec\n", float64(totalTokens)/totalTime)
	}

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		n := len(latencies)
		var sum float64
		for _, v := range latencies {
			sum += v
		}

		fmt.Println("\nLatency Statistics (ms):")
		fmt.Printf("  Min: %.2f\n", latencies[0])
		fmt.Printf("  Max: %.2f\n", latencies[n-1])
		fmt.Printf("  Mean: %.2f\n", sum/float64(n))
		fmt.Printf("  Median (p50): %.2f\n", latencies[n/2])
		fmt.Printf("  p95: %.2f\n", latencies[int(float64(n)*0.95)])
		fmt.Printf("  p99: %.2f\n", latencies[int(float64(n)*0.99)])
	}

	if len(errs) > 0 {
		fmt.Println("\nFirst 5 Errors:")
		for i, err := range errs {
			if i >= 5 {
				break
			}
			fmt.Printf("  - %v\n", err)
		}
	}
	fmt.Println("\n======================================================================")
}
