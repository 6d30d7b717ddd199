package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/ksred/klear-energy/internal/types"
)

type options struct {
	serverAddress string
	clientKey     string
	clientSecret  string
	traderKey     string
	traderSecret  string
	product       string
	orders        int
	workers       int
	quantity      string
	validFor      time.Duration
	verbose       bool
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// apiError is the error half of the response envelope
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// simulationClient handles HTTP communication with the trading API
type simulationClient struct {
	baseURL     string
	clientToken string
	traderToken string
	client      *http.Client
	stats       map[string]*routeStats
	order       []string
}

// newSimulationClient authenticates both the client desk and the trading desk
func newSimulationClient(ctx context.Context, opts *options) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: strings.TrimRight(opts.serverAddress, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"submit":   {name: "Submit Order"},
			"fill":     {name: "Apply Fill"},
			"reject":   {name: "Reject Order"},
			"get":      {name: "Get Order"},
			"exposure": {name: "Exposure"},
			"sweep":    {name: "Expiry Sweep"},
		},
		order: []string{"auth", "submit", "fill", "reject", "get", "exposure", "sweep"},
	}

	var err error
	if sc.clientToken, err = sc.authenticate(ctx, opts.clientKey, opts.clientSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate client: %w", err)
	}
	if sc.traderToken, err = sc.authenticate(ctx, opts.traderKey, opts.traderSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate trader: %w", err)
	}
	return sc, nil
}

// do sends one request and decodes the data half of the envelope into out
func (sc *simulationClient) do(ctx context.Context, route, method, path, token string, headers map[string]string, body, out interface{}) error {
	start := time.Now()
	var err error
	defer func() {
		sc.stats[route].addDuration(time.Since(start), err != nil)
	}()

	var reader io.Reader
	if body != nil {
		payload, merr := json.Marshal(body)
		if merr != nil {
			err = merr
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("failed to read response body: %w", err)
		return err
	}
	log.Debug().Str("route", route).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("API response")

	var result struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *apiError       `json:"error"`
	}
	if err = json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !result.Success {
		if result.Error == nil {
			result.Error = &apiError{}
		}
		result.Error.Status = resp.StatusCode
		err = result.Error
		return err
	}
	if out != nil {
		err = json.Unmarshal(result.Data, out)
	}
	return err
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(ctx context.Context, key, secret string) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	credentials := map[string]string{"api_key": key, "api_secret": secret}
	if err := sc.do(ctx, "auth", http.MethodPost, "/api/v1/auth/token", "", nil, credentials, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

func (sc *simulationClient) submitOrder(ctx context.Context, order types.NewOrder) (*types.Order, error) {
	var out types.Order
	headers := map[string]string{"Idempotency-Key": uuid.New().String()}
	if err := sc.do(ctx, "submit", http.MethodPost, "/api/v1/orders", sc.clientToken, headers, order, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (sc *simulationClient) applyFill(ctx context.Context, orderID string, quantity decimal.Decimal) (*types.Order, error) {
	var out types.Order
	body := map[string]string{"quantity_mw": quantity.String()}
	if err := sc.do(ctx, "fill", http.MethodPost, "/api/v1/internal/orders/"+orderID+"/fills", sc.traderToken, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (sc *simulationClient) rejectOrder(ctx context.Context, orderID, reason string) (*types.Order, error) {
	var out types.Order
	body := map[string]string{"reason": reason}
	if err := sc.do(ctx, "reject", http.MethodPost, "/api/v1/internal/orders/"+orderID+"/reject", sc.traderToken, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (sc *simulationClient) getOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var out types.Order
	if err := sc.do(ctx, "get", http.MethodGet, "/api/v1/orders/"+orderID, sc.clientToken, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (sc *simulationClient) exposure(ctx context.Context) (*types.ExposureResponse, error) {
	var out types.ExposureResponse
	if err := sc.do(ctx, "exposure", http.MethodGet, "/api/v1/exposure", sc.clientToken, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (sc *simulationClient) sweep(ctx context.Context) (*types.SweepResponse, error) {
	var out types.SweepResponse
	if err := sc.do(ctx, "sweep", http.MethodPost, "/api/v1/orders/sweep", sc.clientToken, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// simulationStats counts lifecycle outcomes across all workers
type simulationStats struct {
	mu        sync.Mutex
	startTime time.Time
	submitted int
	limited   map[string]int
	failed    int
	filled    int
	partial   int
	killed    int
	rejected  int
	fillMW    decimal.Decimal
}

func (s *simulationStats) add(fn func(s *simulationStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "simulation",
		Short:        "Race concurrent orders against a running klear server and verify exposure limits hold",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.serverAddress, "server", "http://localhost:8080", "klear server base URL")
	flags.StringVar(&opts.clientKey, "client-key", "sim-client-key", "API key of the ordering client")
	flags.StringVar(&opts.clientSecret, "client-secret", "sim-client-secret", "API secret of the ordering client")
	flags.StringVar(&opts.traderKey, "trader-key", "sim-trader-key", "API key of the trading desk")
	flags.StringVar(&opts.traderSecret, "trader-secret", "sim-trader-secret", "API secret of the trading desk")
	flags.StringVar(&opts.product, "product", "BASE_Y_27", "product symbol to order")
	flags.IntVar(&opts.orders, "orders", 40, "number of orders to submit")
	flags.IntVar(&opts.workers, "workers", 8, "concurrent submitters")
	flags.StringVar(&opts.quantity, "quantity", "10", "MW per order")
	flags.DurationVar(&opts.validFor, "valid-for", time.Hour, "order validity window")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log every API response")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// run submits orders concurrently, lets the trading desk work them and checks the resulting exposure
func run(ctx context.Context, opts *options) error {
	quantity, err := decimal.NewFromString(opts.quantity)
	if err != nil {
		return fmt.Errorf("invalid quantity %q: %w", opts.quantity, err)
	}

	sc, err := newSimulationClient(ctx, opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create simulation client")
		return err
	}

	stats := &simulationStats{startTime: time.Now(), limited: map[string]int{}}
	log.Info().
		Int("orders", opts.orders).
		Int("workers", opts.workers).
		Str("product", opts.product).
		Str("quantity_mw", quantity.String()).
		Msg("Starting order race")

	p := pool.NewWithResults[*types.Order]().WithContext(ctx).WithMaxGoroutines(opts.workers)
	for i := 0; i < opts.orders; i++ {
		p.Go(func(ctx context.Context) (*types.Order, error) {
			order, err := sc.submitOrder(ctx, types.NewOrder{
				ProductSymbol: opts.product,
				Side:          types.SideBuy,
				Quantity:      quantity,
				Unit:          types.UnitMW,
				ValidUntil:    time.Now().Add(opts.validFor).UTC(),
			})
			if err != nil {
				var apiErr *apiError
				if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity {
					stats.add(func(s *simulationStats) { s.limited[apiErr.Code]++ })
					return nil, nil
				}
				stats.add(func(s *simulationStats) { s.failed++ })
				log.Error().Err(err).Msg("Failed to submit order")
				return nil, nil
			}
			stats.add(func(s *simulationStats) { s.submitted++ })
			log.Info().Str("order_id", order.OrderID).Str("order_number", order.OrderNumber).Str("status", order.Status).Msg("Order accepted")
			return order, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return err
	}

	accepted := make([]*types.Order, 0, len(results))
	for _, o := range results {
		if o != nil {
			accepted = append(accepted, o)
		}
	}

	work := pool.New().WithContext(ctx).WithMaxGoroutines(opts.workers)
	for _, order := range accepted {
		work.Go(func(ctx context.Context) error {
			workOrder(ctx, sc, stats, order)
			return nil
		})
	}
	if err := work.Wait(); err != nil {
		return err
	}

	exposure, err := sc.exposure(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read exposure")
		return err
	}
	breaches := 0
	for _, b := range exposure.Buckets {
		event := log.Info()
		if b.Limit.Valid && b.Committed.GreaterThan(b.Limit.Decimal) {
			breaches++
			event = log.Error()
		}
		event.Str("bucket", b.Bucket).
			Str("committed_mw", b.Committed.String()).
			Str("limit_mw", nullString(b.Limit)).
			Str("headroom_mw", nullString(b.Headroom)).
			Msg("Exposure")
	}

	swept, err := sc.sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Sweep failed")
	} else {
		log.Info().Int("expired", swept.Expired).Msg("Sweep finished")
	}

	printSummary(stats, len(accepted), breaches)
	sc.printPerformanceStats()

	if breaches > 0 {
		return fmt.Errorf("%d exposure bucket(s) above their yearly limit", breaches)
	}
	return nil
}

// workOrder plays the trading desk: fill fully, fill partially and kill the remainder, or reject outright
func workOrder(ctx context.Context, sc *simulationClient, stats *simulationStats, order *types.Order) {
	requested := order.RequestedMW
	switch rand.Intn(3) {
	case 0:
		filled, err := sc.applyFill(ctx, order.OrderID, requested)
		if err != nil {
			log.Error().Err(err).Str("order_id", order.OrderID).Msg("Fill failed")
			return
		}
		stats.add(func(s *simulationStats) {
			s.filled++
			s.fillMW = s.fillMW.Add(requested)
		})
		log.Info().Str("order_id", filled.OrderID).Str("status", filled.Status).Msg("Order filled")
	case 1:
		part := requested.Div(decimal.NewFromInt(2)).Round(3)
		if _, err := sc.applyFill(ctx, order.OrderID, part); err != nil {
			log.Error().Err(err).Str("order_id", order.OrderID).Msg("Partial fill failed")
			return
		}
		stats.add(func(s *simulationStats) {
			s.partial++
			s.fillMW = s.fillMW.Add(part)
		})
		closed, err := sc.rejectOrder(ctx, order.OrderID, "market moved")
		if err != nil {
			log.Error().Err(err).Str("order_id", order.OrderID).Msg("Kill remainder failed")
			return
		}
		stats.add(func(s *simulationStats) { s.killed++ })
		log.Info().Str("order_id", closed.OrderID).Str("status", closed.Status).Str("filled_mw", closed.FilledMW.String()).Msg("Remainder killed")
	default:
		if _, err := sc.rejectOrder(ctx, order.OrderID, "no liquidity"); err != nil {
			log.Error().Err(err).Str("order_id", order.OrderID).Msg("Reject failed")
			return
		}
		stats.add(func(s *simulationStats) { s.rejected++ })
		current, err := sc.getOrder(ctx, order.OrderID)
		if err == nil {
			log.Info().Str("order_id", current.OrderID).Str("status", current.Status).Msg("Order rejected")
		}
	}
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "unlimited"
	}
	return d.Decimal.String()
}

func printSummary(stats *simulationStats, accepted, breaches int) {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	duration := time.Since(stats.startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("EXPOSURE RACE SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Accepted:         %d
Failed:           %d
Filled:           %d
Partial + killed: %d / %d
Rejected:         %d
Filled MW:        %s
Limit breaches:   %d
Duration:         %v

Limit Refusals
--------------
`, accepted, stats.failed, stats.filled, stats.partial, stats.killed, stats.rejected,
		stats.fillMW.String(), breaches, duration.Round(time.Millisecond))

	codes := make([]string, 0, len(stats.limited))
	for code := range stats.limited {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Printf("%-26s %d\n", code, stats.limited[code])
	}
	fmt.Println("\n" + strings.Repeat("=", 80))
}
