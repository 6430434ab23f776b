package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tably/payments/internal/tokenstore"
	"github.com/tably/payments/pb"
	"github.com/tably/payments/pkg/sdk"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	APIURL          string
	TokensURL       string
	APIKey          string
	RestaurantID    string
	CardNumber      string
	EncryptionKey   string
	PaymentToken    string
	NumTransactions int
	Concurrency     int
	AwaitDecision   bool
	ReportInterval  time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalRequests   uint64
	FastPath        uint64
	Accepted        uint64
	Authorized      uint64
	Denied          uint64
	Failed          uint64
	TransportErrors uint64

	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	apiURL := flag.String("url", "http://localhost:8080", "Authorization API base URL")
	tokensURL := flag.String("tokens-url", "http://localhost:8000", "Token service base URL (used when minting)")
	apiKey := flag.String("api-key", os.Getenv("TABLY_API_KEY"), "Restaurant API key")
	restaurant := flag.String("restaurant", os.Getenv("TABLY_RESTAURANT_ID"), "Restaurant UUID")
	card := flag.String("card", "4242424242424242", "Test card PAN to mint tokens for")
	encryptionKey := flag.String("encryption-key", os.Getenv("PRIMARY_ENCRYPTION_KEY"), "Hex master key shared with the token service (used when minting)")
	token := flag.String("token", "", "Existing payment token (skips minting)")
	numTxns := flag.Int("txns", 1000, "Number of authorizations to run")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	await := flag.Bool("await", false, "Poll each authorization to a terminal status")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		APIURL:          *apiURL,
		TokensURL:       *tokensURL,
		APIKey:          *apiKey,
		RestaurantID:    *restaurant,
		CardNumber:      *card,
		EncryptionKey:   *encryptionKey,
		PaymentToken:    *token,
		NumTransactions: *numTxns,
		Concurrency:     *concurrency,
		AwaitDecision:   *await,
		ReportInterval:  *reportInterval,
	}
	if config.APIKey == "" || config.RestaurantID == "" {
		log.Fatal("❌ -api-key and -restaurant are required")
	}

	log.Println("🚀 Starting authorization load test")
	log.Printf("Target: %s", config.APIURL)
	log.Printf("Transactions: %d, concurrency: %d, await: %v",
		config.NumTransactions, config.Concurrency, config.AwaitDecision)

	stats := runLoadTest(config)
	printResults(stats)
}

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	client := sdk.NewClient(sdk.Config{
		BaseURL:      config.APIURL,
		APIKey:       config.APIKey,
		RestaurantID: config.RestaurantID,
		Timeout:      30 * time.Second,
	})

	// One payment token per worker: tokens are reusable across
	// authorizations, and distinct device tokens spread the decrypt load.
	tokens, err := workerTokens(config)
	if err != nil {
		log.Fatalf("❌ Failed to prepare payment tokens: %v", err)
	}

	stats := &LoadTestStats{
		MinLatency: time.Hour, // Initialize to large value
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	txnChan := make(chan int, config.NumTransactions)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	runID := time.Now().UnixNano()
	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for txnID := range txnChan {
				runTransaction(ctx, client, config, runID, tokens[workerID], txnID, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < config.NumTransactions; i++ {
		txnChan <- i
	}
	close(txnChan)

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

// workerTokens returns one payment token per worker, minting them against
// the token service unless -token supplied one to share.
func workerTokens(config LoadTestConfig) ([]string, error) {
	tokens := make([]string, config.Concurrency)
	if config.PaymentToken != "" {
		for i := range tokens {
			tokens[i] = config.PaymentToken
		}
		return tokens, nil
	}

	if config.EncryptionKey == "" {
		return nil, fmt.Errorf("minting needs -encryption-key (or pass -token)")
	}
	keyring, err := tokenstore.NewKeyring(config.EncryptionKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Printf("Minting %d payment tokens against %s…", config.Concurrency, config.TokensURL)
	for i := range tokens {
		deviceToken := fmt.Sprintf("loadtest-terminal-%03d", i)
		tokens[i], err = mintToken(ctx, config, keyring, deviceToken)
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}
	}
	log.Printf("✅ Minted %d tokens", len(tokens))
	return tokens, nil
}

// mintToken encrypts the test card under the device key the same way
// terminal firmware does and creates a token over the protobuf API.
func mintToken(ctx context.Context, config LoadTestConfig, keyring *tokenstore.Keyring, deviceToken string) (string, error) {
	key, err := keyring.DeviceKey(deviceToken)
	if err != nil {
		return "", err
	}
	sealed, err := tokenstore.Seal(key, tokenstore.EncodeCardData(&pb.PaymentData{
		CardNumber:     config.CardNumber,
		ExpMonth:       "12",
		ExpYear:        "2030",
		CVV:            "123",
		CardholderName: "Load Test",
	}))
	if err != nil {
		return "", err
	}

	body := (&pb.CreatePaymentTokenRequest{
		RestaurantID:         config.RestaurantID,
		EncryptedPaymentData: sealed,
		DeviceToken:          deviceToken,
	}).Marshal()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		config.TokensURL+"/v1/payment-tokens", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("X-API-Key", config.APIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token service answered %d: %s", resp.StatusCode, respBody)
	}

	out := &pb.CreatePaymentTokenResponse{}
	if err := out.Unmarshal(respBody); err != nil {
		return "", err
	}
	return out.PaymentToken, nil
}

func runTransaction(
	ctx context.Context,
	client *sdk.Client,
	config LoadTestConfig,
	runID int64,
	token string,
	txnID int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	start := time.Now()
	auth, err := client.Authorize(ctx, &sdk.AuthorizationRequest{
		PaymentToken:   token,
		AmountCents:    int64(500 + txnID%9500),
		Currency:       "USD",
		IdempotencyKey: fmt.Sprintf("loadtest-%d-%d", runID, txnID),
		Metadata:       map[string]string{"source": "loadtest"},
	})

	atomic.AddUint64(&stats.TotalRequests, 1)
	if err != nil {
		atomic.AddUint64(&stats.TransportErrors, 1)
		return
	}

	status := auth.Status
	if sdk.Terminal(status) {
		atomic.AddUint64(&stats.FastPath, 1)
	} else {
		atomic.AddUint64(&stats.Accepted, 1)
		if config.AwaitDecision {
			if st, err := client.AwaitDecision(ctx, auth.AuthRequestID, 250*time.Millisecond); err == nil {
				status = st.Status
			}
		}
	}
	latency := time.Since(start)

	switch status {
	case sdk.StatusAuthorized:
		atomic.AddUint64(&stats.Authorized, 1)
	case sdk.StatusDenied:
		atomic.AddUint64(&stats.Denied, 1)
	case sdk.StatusFailed, sdk.StatusExpired:
		atomic.AddUint64(&stats.Failed, 1)
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

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalRequests)
			fast := atomic.LoadUint64(&stats.FastPath)
			accepted := atomic.LoadUint64(&stats.Accepted)
			errs := atomic.LoadUint64(&stats.TransportErrors)
			log.Printf("Progress: %d requests (%d fast-path, %d accepted, %d errors)",
				total, fast, accepted, errs)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Requests:         %d\n", stats.TotalRequests)
	fmt.Printf("Fast-path Decisions:    %d (%.2f%%)\n",
		stats.FastPath, percent(stats.FastPath, stats.TotalRequests))
	fmt.Printf("Accepted (async):       %d (%.2f%%)\n",
		stats.Accepted, percent(stats.Accepted, stats.TotalRequests))
	fmt.Printf("Authorized:             %d\n", stats.Authorized)
	fmt.Printf("Denied:                 %d\n", stats.Denied)
	fmt.Printf("Failed:                 %d\n", stats.Failed)
	fmt.Printf("Transport Errors:       %d\n", stats.TransportErrors)
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
	if stats.ThroughputPerSecond >= 100 {
		fmt.Println("✅ PASS: Throughput meets target (>100 req/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<100 req/sec)")
	}

	settled := stats.Authorized + stats.Denied
	delivered := stats.TotalRequests - stats.TransportErrors
	if delivered > 0 && stats.TransportErrors == 0 && stats.Failed == 0 {
		fmt.Println("✅ PASS: No failed authorizations")
	} else if stats.Failed > 0 || stats.TransportErrors > 0 {
		fmt.Printf("⚠️  WARN: %d failed, %d transport errors\n", stats.Failed, stats.TransportErrors)
	}
	if settled > 0 {
		fmt.Printf("Settled outcomes: %d authorized / %d denied\n", stats.Authorized, stats.Denied)
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

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
