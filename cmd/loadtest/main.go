// Command loadtest drives a council deployment with concurrent submissions
// and reports end-to-end latency, the time from POST to terminal status.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alias8818/CouncilRouter-sub001/pkg/sdk"
)

// LoadTestConfig holds load test parameters.
type LoadTestConfig struct {
	BaseURL        string
	APIKey         string
	Preset         string
	NumRequests    int
	Concurrency    int
	ReportInterval time.Duration
}

// LoadTestStats tracks counters across workers. Latencies are kept aside
// under their own mutex for the percentile pass.
type LoadTestStats struct {
	TotalRequests       uint64
	Completed           uint64
	Failed              uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MinLatency          time.Duration
	MaxLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Council API endpoint")
	apiKey := flag.String("key", os.Getenv("COUNCIL_API_KEY"), "ApiKey credential")
	preset := flag.String("preset", "fast", "Preset applied to every query")
	numRequests := flag.Int("requests", 200, "Number of requests to submit")
	concurrency := flag.Int("concurrency", 20, "Number of concurrent workers")
	reportInterval := flag.Duration("report", 5*time.Second, "Progress reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		BaseURL:        *baseURL,
		APIKey:         *apiKey,
		Preset:         *preset,
		NumRequests:    *numRequests,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
	}

	slog.Info("starting council load test",
		"url", config.BaseURL,
		"requests", config.NumRequests,
		"concurrency", config.Concurrency,
		"preset", config.Preset)

	stats := runLoadTest(config)
	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	client := sdk.NewClient(sdk.Config{
		BaseURL:      config.BaseURL,
		APIKey:       config.APIKey,
		PollInterval: 100 * time.Millisecond,
	})

	stats := &LoadTestStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	jobs := make(chan int, config.NumRequests)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportProgress(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for jobID := range jobs {
				runQuery(ctx, client, config, workerID, jobID, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < config.NumRequests; i++ {
		jobs <- i
	}
	close(jobs)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalRequests) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func runQuery(
	ctx context.Context,
	client *sdk.Client,
	config LoadTestConfig,
	workerID, jobID int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	query := fmt.Sprintf("Load probe %d from worker %d: summarize the tradeoffs of eventual consistency.", jobID, workerID)

	start := time.Now()
	result, err := client.Submit(ctx, sdk.SubmitRequest{Query: query, Preset: config.Preset})
	if err == nil && !result.Terminal() {
		result, err = client.Await(ctx, result.RequestID)
	}
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalRequests, 1)
	if err != nil || result.Status != sdk.StatusCompleted {
		atomic.AddUint64(&stats.Failed, 1)
	} else {
		atomic.AddUint64(&stats.Completed, 1)
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportProgress(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalRequests)
			completed := atomic.LoadUint64(&stats.Completed)
			failed := atomic.LoadUint64(&stats.Failed)
			slog.Info("progress", "total", total, "completed", completed, "failed", failed)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 COUNCIL LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Requests:         %d\n", stats.TotalRequests)
	fmt.Printf("Completed:              %d (%.2f%%)\n",
		stats.Completed, percent(stats.Completed, stats.TotalRequests))
	fmt.Printf("Failed:                 %d (%.2f%%)\n",
		stats.Failed, percent(stats.Failed, stats.TotalRequests))
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f req/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	// Performance assessment
	if stats.ThroughputPerSecond >= 10 {
		fmt.Println("✅ PASS: Throughput meets target (>10 req/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<10 req/sec)")
	}

	if stats.P95Latency < 2*time.Second {
		fmt.Println("✅ PASS: P95 latency meets target (<2s)")
	} else {
		fmt.Println("⚠️  WARN: P95 latency above target (>2s)")
	}

	successRate := percent(stats.Completed, stats.TotalRequests)
	if successRate >= 95 {
		fmt.Println("✅ PASS: Success rate meets target (>95%)")
	} else {
		fmt.Println("❌ FAIL: Success rate below target (<95%)")
	}
	fmt.Println(separator + "\n")
}

func percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * percentile / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
