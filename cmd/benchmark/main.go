// Benchmark tool for load-testing Kestrel with proposal data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/proposals.csv -url http://localhost:8080
//
// This tool:
//   1. Reads proposal data from CSV (borrower, amount, convenio, ...)
//   2. Sends each proposal to Kestrel for decisioning
//   3. Tallies the action and routing outcome distributions
//   4. Reports counterparty selection spread, latency, and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProposalRow represents a row from the proposals dataset.
type ProposalRow struct {
	ProposalID          string
	BorrowerID          string
	ConvenioID          string
	SCDPartner          string
	Channel             string
	RequestedAmount     float64
	InterestRate        float64
	InstallmentCount    int
	BorrowerAge         int
	BorrowerCreditScore int
}

// EvaluateRequest is the Kestrel API request format.
type EvaluateRequest struct {
	ProposalID          string  `json:"proposalId,omitempty"`
	BorrowerID          string  `json:"borrowerId"`
	ConvenioID          string  `json:"convenioId,omitempty"`
	SCDPartner          string  `json:"scdPartner,omitempty"`
	Channel             string  `json:"channel,omitempty"`
	RequestedAmount     float64 `json:"requestedAmount"`
	InterestRate        float64 `json:"interestRate,omitempty"`
	InstallmentCount    int     `json:"installmentCount,omitempty"`
	BorrowerAge         int     `json:"borrowerAge"`
	BorrowerCreditScore int     `json:"borrowerCreditScore,omitempty"`
}

// EvaluateResponse is the Kestrel API response format.
type EvaluateResponse struct {
	DecisionID             string  `json:"decisionId"`
	Action                 string  `json:"action"`
	SelectedCounterpartyID *string `json:"selectedCounterpartyId"`
	OrchestrationResult    string  `json:"orchestrationResult"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	mu             sync.Mutex
	actions        map[string]int64
	results        map[string]int64
	counterparties map[string]int64

	TotalProcessed   int64
	TotalErrors      int64
	ProcessingTimeMs int64
}

func newMetrics() *Metrics {
	return &Metrics{
		actions:        make(map[string]int64),
		results:        make(map[string]int64),
		counterparties: make(map[string]int64),
	}
}

func (m *Metrics) record(resp *EvaluateResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[resp.Action]++
	m.results[resp.OrchestrationResult]++
	if resp.SelectedCounterpartyID != nil {
		m.counterparties[*resp.SelectedCounterpartyID]++
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to proposals CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum proposals to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each proposal result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/proposals.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║         KESTREL BENCHMARK - Proposal Decisioning              ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	fmt.Printf("\nReading proposals from %s...\n", *csvPath)
	proposals, err := readProposalsCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d proposals\n", len(proposals))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(proposals, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readProposalsCSV(path string, limit int) ([]ProposalRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(col)] = i
	}

	field := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return record[idx]
	}

	var proposals []ProposalRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		amount, _ := strconv.ParseFloat(field(record, "requested_amount"), 64)
		rate, _ := strconv.ParseFloat(field(record, "interest_rate"), 64)
		installments, _ := strconv.Atoi(field(record, "installment_count"))
		age, _ := strconv.Atoi(field(record, "borrower_age"))
		score, _ := strconv.Atoi(field(record, "borrower_credit_score"))

		proposals = append(proposals, ProposalRow{
			ProposalID:          field(record, "proposal_id"),
			BorrowerID:          field(record, "borrower_id"),
			ConvenioID:          field(record, "convenio_id"),
			SCDPartner:          field(record, "scd_partner"),
			Channel:             field(record, "channel"),
			RequestedAmount:     amount,
			InterestRate:        rate,
			InstallmentCount:    installments,
			BorrowerAge:         age,
			BorrowerCreditScore: score,
		})

		if limit > 0 && len(proposals) >= limit {
			break
		}
	}

	return proposals, nil
}

func runBenchmark(proposals []ProposalRow, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := newMetrics()

	work := make(chan ProposalRow, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for p := range work {
				start := time.Now()
				result, err := evaluateProposal(client, baseURL, tenantID, p)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", p.BorrowerID, err)
					}
					continue
				}

				metrics.record(result)

				if verbose {
					selected := "-"
					if result.SelectedCounterpartyID != nil {
						selected = *result.SelectedCounterpartyID
					}
					fmt.Printf("%-12s | Amount: $%12.2f | Age: %3d | Action: %-14s | Result: %-25s | FIDC: %s\n",
						p.BorrowerID,
						p.RequestedAmount,
						p.BorrowerAge,
						result.Action,
						result.OrchestrationResult,
						selected,
					)
				}
			}
		}()
	}

	for _, p := range proposals {
		work <- p
	}
	close(work)

	wg.Wait()

	return metrics
}

func evaluateProposal(client *http.Client, baseURL, tenantID string, p ProposalRow) (*EvaluateResponse, error) {
	req := EvaluateRequest{
		ProposalID:          p.ProposalID,
		BorrowerID:          p.BorrowerID,
		ConvenioID:          p.ConvenioID,
		SCDPartner:          p.SCDPartner,
		Channel:             p.Channel,
		RequestedAmount:     p.RequestedAmount,
		InterestRate:        p.InterestRate,
		InstallmentCount:    p.InstallmentCount,
		BorrowerAge:         p.BorrowerAge,
		BorrowerCreditScore: p.BorrowerCreditScore,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n⚖️  ACTION DISTRIBUTION\n")
	printDistribution(m.actions, m.TotalProcessed)

	fmt.Printf("\n🧭 ROUTING OUTCOMES\n")
	printDistribution(m.results, m.TotalProcessed)

	fmt.Printf("\n🏦 COUNTERPARTY SELECTION\n")
	if len(m.counterparties) == 0 {
		fmt.Println("   (no proposals routed)")
	} else {
		printDistribution(m.counterparties, m.TotalProcessed)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f proposals/sec\n", tps)
	}

	fmt.Println()
}

func printDistribution(counts map[string]int64, total int64) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		pct := float64(0)
		if total > 0 {
			pct = 100 * float64(counts[k]) / float64(total)
		}
		fmt.Printf("   %-26s %8d (%.2f%%)\n", k, counts[k], pct)
	}
}
