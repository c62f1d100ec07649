package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"
)

// Нагрузочный сценарий: создать группы и одновременно отправить в каждую
// больше заявок, чем в ней мест. После прогона проверяется, что ни одна
// группа не превысила максимум и что число мест совпадает с успешными join.

const (
	methodCreate = "CreateGroup"
	methodJoin   = "JoinGroup"
	methodGet    = "GetGroup"
)

type config struct {
	baseURL     string
	groups      int
	joiners     int
	minSize     int
	maxSize     int
	partySize   int
	concurrency int
	timeout     time.Duration
	userTag     string
	jwtSecret   string
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type groupCheck struct {
	GroupID       string `json:"group_id"`
	Status        string `json:"status"`
	Current       int    `json:"current_participants"`
	Max           int    `json:"max_participants"`
	AcceptedSeats int    `json:"accepted_seats"`
}

type report struct {
	StartedAt       time.Time               `json:"started_at"`
	DurationSeconds float64                 `json:"duration_seconds"`
	Joins           int64                   `json:"joins"`
	Accepted        int64                   `json:"accepted"`
	Rejected        int64                   `json:"rejected"`
	Busy            int64                   `json:"busy"`
	Errors          int64                   `json:"errors"`
	RPS             float64                 `json:"rps"`
	Violations      []string                `json:"violations,omitempty"`
	Groups          []groupCheck            `json:"groups"`
	Methods         map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
	}
}

func (c *collector) record(method string, latency time.Duration, status int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.methods[method]
	if !exists {
		stats = &methodStats{codes: make(map[string]int64)}
		c.methods[method] = stats
	}

	stats.calls++
	if ok {
		stats.success++
	} else {
		stats.failed++
	}
	code := "transport_error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	stats.codes[code]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) methodReports() map[string]methodReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]methodReport, len(c.methods))
	for name, stats := range c.methods {
		codesCopy := make(map[string]int64, len(stats.codes))
		for code, count := range stats.codes {
			codesCopy[code] = count
		}
		result[name] = methodReport{
			Calls:     stats.calls,
			Success:   stats.success,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Codes:     codesCopy,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}
	return result
}

func parseConfig(args []string) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "base-url", "http://localhost:8080", "group-service HTTP base URL")
	fs.IntVar(&cfg.groups, "groups", 20, "number of groups to create")
	fs.IntVar(&cfg.joiners, "joiners", 50, "join attempts per group (unique users)")
	fs.IntVar(&cfg.minSize, "min", 2, "min_participants of created groups")
	fs.IntVar(&cfg.maxSize, "max", 10, "max_participants of created groups")
	fs.IntVar(&cfg.partySize, "party-size", 1, "seats requested by each join")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent requests")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "HMAC secret to sign bearer tokens (fallback: GROUPS_JWT_SECRET; empty uses X-User-ID)")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.jwtSecret == "" {
		cfg.jwtSecret = os.Getenv("GROUPS_JWT_SECRET")
	}
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("base-url is required")
	case cfg.groups <= 0:
		return cfg, errors.New("groups must be > 0")
	case cfg.joiners <= 0:
		return cfg, errors.New("joiners must be > 0")
	case cfg.minSize <= 0 || cfg.maxSize < cfg.minSize:
		return cfg, errors.New("need 0 < min <= max")
	case cfg.partySize <= 0 || cfg.partySize > cfg.maxSize:
		return cfg, errors.New("party-size must be between 1 and max")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case strings.TrimSpace(cfg.userTag) == "":
		return cfg, errors.New("user-tag is required")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        cfg.concurrency,
			MaxIdleConnsPerHost: cfg.concurrency,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	result, err := run(context.Background(), client, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if len(result.Violations) > 0 || result.Errors > 0 {
		os.Exit(1)
	}
}

type apiClient struct {
	http    *http.Client
	cfg     config
	col     *collector
	runID   string
	started time.Time
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type groupSnapshot struct {
	ID                  string `json:"id"`
	Status              string `json:"status"`
	MaxParticipants     int    `json:"max_participants"`
	CurrentParticipants int    `json:"current_participants"`
}

type joinOutcome int

const (
	joinAccepted joinOutcome = iota
	joinRejected
	joinBusy
	joinError
)

func run(ctx context.Context, httpClient *http.Client, cfg config) (report, error) {
	startedAt := time.Now()
	api := &apiClient{
		http:    httpClient,
		cfg:     cfg,
		col:     newCollector(),
		runID:   fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid()),
		started: startedAt,
	}

	groupIDs := make([]string, cfg.groups)
	createGroup, createCtx := errgroup.WithContext(ctx)
	createGroup.SetLimit(cfg.concurrency)
	for i := range groupIDs {
		createGroup.Go(func() error {
			id, err := api.createGroup(createCtx, i)
			if err != nil {
				return fmt.Errorf("create group %d: %w", i, err)
			}
			groupIDs[i] = id
			return nil
		})
	}
	if err := createGroup.Wait(); err != nil {
		return report{}, err
	}

	var (
		mu       sync.Mutex
		accepted = make(map[string]int, len(groupIDs))
		result   report
	)

	joins := new(errgroup.Group)
	joins.SetLimit(cfg.concurrency)
	for j := 0; j < cfg.joiners; j++ {
		for _, groupID := range groupIDs {
			user := fmt.Sprintf("%s-%s-%s-%d", cfg.userTag, api.runID, groupID, j)
			joins.Go(func() error {
				outcome := api.join(ctx, groupID, user)

				mu.Lock()
				defer mu.Unlock()
				result.Joins++
				switch outcome {
				case joinAccepted:
					result.Accepted++
					accepted[groupID] += cfg.partySize
				case joinRejected:
					result.Rejected++
				case joinBusy:
					result.Busy++
				default:
					result.Errors++
				}
				return nil
			})
		}
	}
	_ = joins.Wait()

	for _, groupID := range groupIDs {
		snapshot, err := api.getGroup(ctx, groupID)
		if err != nil {
			return report{}, fmt.Errorf("get group %s: %w", groupID, err)
		}
		check := groupCheck{
			GroupID:       groupID,
			Status:        snapshot.Status,
			Current:       snapshot.CurrentParticipants,
			Max:           snapshot.MaxParticipants,
			AcceptedSeats: accepted[groupID],
		}
		result.Groups = append(result.Groups, check)
		result.Violations = append(result.Violations, verifyGroup(check)...)
	}

	duration := time.Since(startedAt)
	result.StartedAt = startedAt.UTC()
	result.DurationSeconds = duration.Seconds()
	if duration > 0 {
		result.RPS = float64(result.Joins) / duration.Seconds()
	}
	result.Methods = api.col.methodReports()
	return result, nil
}

// verifyGroup сверяет итоговое состояние группы с успешными заявками.
func verifyGroup(check groupCheck) []string {
	var violations []string
	if check.Current > check.Max {
		violations = append(violations, fmt.Sprintf("group %s: current=%d exceeds max=%d", check.GroupID, check.Current, check.Max))
	}
	if check.Current != check.AcceptedSeats {
		violations = append(violations, fmt.Sprintf("group %s: current=%d but accepted seats=%d", check.GroupID, check.Current, check.AcceptedSeats))
	}
	return violations
}

func (a *apiClient) createGroup(ctx context.Context, index int) (string, error) {
	now := time.Now().UTC()
	body := map[string]any{
		"item_id":          fmt.Sprintf("load-item-%d", index),
		"slot_at":          now.Add(7 * 24 * time.Hour),
		"min_participants": a.cfg.minSize,
		"max_participants": a.cfg.maxSize,
		"base_price":       "100.00",
		"discount_step":    "5.00",
		"price_floor":      "50.00",
		"currency":         "EUR",
		"expires_at":       now.Add(24 * time.Hour),
	}
	organizer := fmt.Sprintf("%s-%s-organizer-%d", a.cfg.userTag, a.runID, index)
	headers := map[string]string{"Idempotency-Key": fmt.Sprintf("lt-create-%s-%d", a.runID, index)}

	status, env, err := a.do(ctx, methodCreate, http.MethodPost, "/groups", organizer, body, headers, http.StatusCreated)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %d: %s", status, errorMessage(env))
	}

	var group groupSnapshot
	if err := json.Unmarshal(env.Data, &group); err != nil {
		return "", fmt.Errorf("decode group: %w", err)
	}
	if group.ID == "" {
		return "", errors.New("create response returned empty group id")
	}
	return group.ID, nil
}

func (a *apiClient) join(ctx context.Context, groupID, user string) joinOutcome {
	body := map[string]int{"party_size": a.cfg.partySize}
	status, _, err := a.do(ctx, methodJoin, http.MethodPost, "/groups/"+groupID+"/join", user, body, nil, http.StatusCreated)
	if err != nil {
		return joinError
	}
	return classifyJoin(status)
}

func classifyJoin(status int) joinOutcome {
	switch status {
	case http.StatusCreated:
		return joinAccepted
	case http.StatusConflict:
		return joinRejected
	case http.StatusServiceUnavailable:
		return joinBusy
	default:
		return joinError
	}
}

func (a *apiClient) getGroup(ctx context.Context, groupID string) (groupSnapshot, error) {
	status, env, err := a.do(ctx, methodGet, http.MethodGet, "/groups/"+groupID, "", nil, nil, http.StatusOK)
	if err != nil {
		return groupSnapshot{}, err
	}
	if status != http.StatusOK {
		return groupSnapshot{}, fmt.Errorf("unexpected status %d: %s", status, errorMessage(env))
	}
	var group groupSnapshot
	if err := json.Unmarshal(env.Data, &group); err != nil {
		return groupSnapshot{}, fmt.Errorf("decode group: %w", err)
	}
	return group, nil
}

func (a *apiClient) do(
	ctx context.Context,
	method, httpMethod, path, user string,
	body any,
	headers map[string]string,
	okStatus int,
) (int, apiEnvelope, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, apiEnvelope{}, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, a.cfg.baseURL+path, reader)
	if err != nil {
		return 0, apiEnvelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if user != "" {
		if err := a.authorize(req, user); err != nil {
			return 0, apiEnvelope{}, err
		}
	}

	resp, err := a.http.Do(req)
	if err != nil {
		a.col.record(method, time.Since(start), 0, false)
		return 0, apiEnvelope{}, err
	}
	defer resp.Body.Close()

	var env apiEnvelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)
	a.col.record(method, time.Since(start), resp.StatusCode, resp.StatusCode == okStatus)
	if decodeErr != nil && !errors.Is(decodeErr, io.EOF) {
		return resp.StatusCode, env, fmt.Errorf("decode response: %w", decodeErr)
	}
	return resp.StatusCode, env, nil
}

func (a *apiClient) authorize(req *http.Request, user string) error {
	if a.cfg.jwtSecret == "" {
		req.Header.Set("X-User-ID", user)
		return nil
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user,
		IssuedAt:  jwt.NewNumericDate(a.started),
		ExpiresAt: jwt.NewNumericDate(a.started.Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(a.cfg.jwtSecret))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	return nil
}

func errorMessage(env apiEnvelope) string {
	if env.Error == nil {
		return "no error body"
	}
	return env.Error.Code + ": " + env.Error.Message
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(out io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(out, "Load test summary")
	_, _ = fmt.Fprintf(out, "groups=%d joiners=%d max=%d party_size=%d\n", cfg.groups, cfg.joiners, cfg.maxSize, cfg.partySize)
	_, _ = fmt.Fprintf(out, "joins=%d accepted=%d rejected=%d busy=%d errors=%d\n",
		result.Joins, result.Accepted, result.Rejected, result.Busy, result.Errors)
	_, _ = fmt.Fprintf(out, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		_, _ = fmt.Fprintf(out,
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}

	if len(result.Violations) == 0 {
		_, _ = fmt.Fprintln(out, "capacity check: ok")
		return
	}
	_, _ = fmt.Fprintf(out, "capacity check: %d violations\n", len(result.Violations))
	for _, violation := range result.Violations {
		_, _ = fmt.Fprintln(out, "  "+violation)
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
