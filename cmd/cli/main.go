package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tutormesh/tutormesh/internal/fallback"
	"github.com/tutormesh/tutormesh/pkg/resilience"
	"github.com/tutormesh/tutormesh/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "status":
		runStatus()
	case "workers":
		runWorkers()
	case "degradation":
		runDegradation()
	case "mode":
		runMode()
	case "version":
		printVersion()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("TutorMesh CLI - Coordination core status")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tutormesh-cli status [options]")
	fmt.Println("  tutormesh-cli workers [options]")
	fmt.Println("  tutormesh-cli degradation [options]")
	fmt.Println("  tutormesh-cli mode [set <normal|degraded|emergency>] [options]")
	fmt.Println("  tutormesh-cli version")
	fmt.Println("  tutormesh-cli help")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --api-url=URL        Status API URL (default: http://localhost:8080)")
	fmt.Println("  --timeout=DURATION   Request timeout (default: 10s)")
	fmt.Println("  --json               Print the raw JSON payload")
	fmt.Println("  --reason=TEXT        Reason recorded with a mode override")
	fmt.Println("  --fail-when=MODE     Exit 2 when the system mode is MODE or worse")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  TUTORMESH_API_URL    Status API URL")
}

func printVersion() {
	fmt.Println("TutorMesh CLI v1.0.0")
}

type cliOptions struct {
	APIUrl   string
	Timeout  time.Duration
	JSON     bool
	Reason   string
	FailWhen string
}

func parseOptions(args []string) *cliOptions {
	options := &cliOptions{
		APIUrl:  getEnvOrDefault("TUTORMESH_API_URL", "http://localhost:8080"),
		Timeout: 10 * time.Second,
	}

	for _, arg := range args {
		if strings.HasPrefix(arg, "--api-url=") {
			options.APIUrl = strings.TrimPrefix(arg, "--api-url=")
		} else if strings.HasPrefix(arg, "--timeout=") {
			timeoutStr := strings.TrimPrefix(arg, "--timeout=")
			if timeout, err := time.ParseDuration(timeoutStr); err == nil {
				options.Timeout = timeout
			}
		} else if strings.HasPrefix(arg, "--reason=") {
			options.Reason = strings.TrimPrefix(arg, "--reason=")
		} else if strings.HasPrefix(arg, "--fail-when=") {
			options.FailWhen = strings.TrimPrefix(arg, "--fail-when=")
		} else if arg == "--json" {
			options.JSON = true
		}
	}

	return options
}

// apiEnvelope mirrors the status API response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type resilienceReport struct {
	Mode     string                      `json:"mode"`
	Health   resilience.AggregateHealth  `json:"health"`
	Breakers []resilience.BreakerMetrics `json:"breakers"`
}

type workerRow struct {
	types.WorkerDescriptor
	InFlight int `json:"in_flight"`
}

type workersReport struct {
	Total     int         `json:"total"`
	Available int         `json:"available"`
	Workers   []workerRow `json:"workers"`
}

func runStatus() {
	options := parseOptions(os.Args[2:])

	data := fetch(options, "/api/v1/resilience")
	if options.JSON {
		printRaw(data)
		return
	}

	var report resilienceReport
	if err := json.Unmarshal(data, &report); err != nil {
		log.Fatalf("Failed to decode resilience status: %v", err)
	}

	fmt.Printf("Mode:         %s\n", report.Mode)
	fmt.Printf("Global state: %s\n", report.Health.GlobalState)
	fmt.Printf("Workers:      %d healthy, %d degraded, %d failed\n",
		report.Health.Healthy, report.Health.Degraded, report.Health.Failed)
	fmt.Printf("Open:         %.0f%%   Error rate: %.1f%%\n",
		report.Health.OpenFraction*100, report.Health.ErrorRate*100)
	fmt.Println()
	for _, breaker := range report.Breakers {
		fmt.Printf("  %-20s %-10s calls=%-6d failures=%-6d slow=%d\n",
			breaker.Name, breaker.State, breaker.TotalCalls, breaker.TotalFailures, breaker.TotalSlowCalls)
	}

	os.Exit(statusExitCode(report.Mode, options.FailWhen))
}

func runWorkers() {
	options := parseOptions(os.Args[2:])

	data := fetch(options, "/api/v1/workers")
	if options.JSON {
		printRaw(data)
		return
	}

	var report workersReport
	if err := json.Unmarshal(data, &report); err != nil {
		log.Fatalf("Failed to decode worker list: %v", err)
	}

	fmt.Printf("Workers: %d registered, %d available\n\n", report.Total, report.Available)
	for _, worker := range report.Workers {
		capabilities := strings.Join(worker.Capabilities, ",")
		if capabilities == "" {
			capabilities = "-"
		}
		fmt.Printf("  %-20s %-12s %-8s in_flight=%d/%d caps=%s\n",
			worker.ID, worker.Type, worker.Status, worker.InFlight, worker.MaxConcurrent, capabilities)
	}
}

func runDegradation() {
	options := parseOptions(os.Args[2:])

	data := fetch(options, "/api/v1/degradation")
	if options.JSON {
		printRaw(data)
		return
	}

	var report fallback.DegradationStatus
	if err := json.Unmarshal(data, &report); err != nil {
		log.Fatalf("Failed to decode degradation status: %v", err)
	}

	fmt.Printf("Tiers enabled: cache=%t simplified=%t static=%t\n",
		report.CacheEnabled, report.SimplifiedEnabled, report.StaticEnabled)
	fmt.Printf("Cache:         %d entries, %.1f%% hit rate (%d hits / %d misses)\n",
		report.Cache.Size, report.Cache.HitRate*100, report.Cache.Hits, report.Cache.Misses)
	fmt.Printf("Served:        %d degraded answers\n", report.TotalServed)
	for tier, count := range report.ServedByTier {
		fmt.Printf("  %-12s %d\n", tier, count)
	}
}

func runMode() {
	args := os.Args[2:]

	// "mode set <mode>" overrides; bare "mode" reads.
	if len(args) >= 2 && args[0] == "set" {
		options := parseOptions(args[2:])
		overrideMode(options, args[1])
		return
	}

	options := parseOptions(args)
	data := fetch(options, "/api/v1/mode")
	if options.JSON {
		printRaw(data)
		return
	}

	var report struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		log.Fatalf("Failed to decode mode: %v", err)
	}
	fmt.Printf("Mode: %s\n", report.Mode)
}

func overrideMode(options *cliOptions, mode string) {
	body, err := json.Marshal(map[string]string{
		"mode":   mode,
		"reason": options.Reason,
	})
	if err != nil {
		log.Fatalf("Failed to encode request: %v", err)
	}

	client := &http.Client{Timeout: options.Timeout}
	response, err := client.Post(options.APIUrl+"/api/v1/mode", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer response.Body.Close()

	envelope := decodeEnvelope(response.Body)
	if !envelope.Success {
		log.Fatalf("Mode override rejected: %s", envelopeError(envelope))
	}
	fmt.Printf("Mode set to %s\n", mode)
}

func fetch(options *cliOptions, path string) json.RawMessage {
	client := &http.Client{Timeout: options.Timeout}
	response, err := client.Get(options.APIUrl + path)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer response.Body.Close()

	envelope := decodeEnvelope(response.Body)
	if !envelope.Success {
		log.Fatalf("Request failed: %s", envelopeError(envelope))
	}
	return envelope.Data
}

func decodeEnvelope(body io.Reader) *apiEnvelope {
	var envelope apiEnvelope
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		log.Fatalf("Failed to decode response: %v", err)
	}
	return &envelope
}

func envelopeError(envelope *apiEnvelope) string {
	if envelope.Error != nil {
		return fmt.Sprintf("%s (%s)", envelope.Error.Message, envelope.Error.Code)
	}
	return "unknown error"
}

func printRaw(data json.RawMessage) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}

// statusExitCode turns the current mode into an exit code for CI probes.
// --fail-when=degraded fails on degraded or emergency; --fail-when=emergency
// only on emergency.
func statusExitCode(mode, failWhen string) int {
	if failWhen == "" {
		return 0
	}

	rank := map[string]int{"normal": 0, "degraded": 1, "emergency": 2}
	threshold, ok := rank[failWhen]
	if !ok {
		return 0
	}
	if rank[mode] >= threshold && mode != "normal" {
		return 2
	}
	return 0
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
