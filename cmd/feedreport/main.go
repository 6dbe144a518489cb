package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
)

// 序号按合作方独立自增，正常时 COUNT(*) == MAX(sequence_number)；
// 崩溃恢复允许留下空洞，重复序号则始终是硬性差异。
const (
	partnerVolumeQuery = `
SELECT
    partner_id,
    COUNT(*) as order_count,
    COALESCE(MAX(sequence_number), 0) as max_sequence,
    COALESCE(SUM(gross_amount), 0) as gross_total,
    COALESCE(SUM(tax_amount), 0) as tax_total,
    COALESCE(SUM(net_amount), 0) as net_total
FROM orders
GROUP BY partner_id
ORDER BY partner_id;
`
	sequenceGapQuery = `
SELECT
    partner_id,
    COUNT(*) as order_count,
    MAX(sequence_number) as max_sequence
FROM orders
GROUP BY partner_id
HAVING COUNT(*) != MAX(sequence_number);
`
	duplicateSequenceQuery = `
SELECT
    partner_id,
    sequence_number,
    COUNT(*) as occurrences
FROM orders
GROUP BY partner_id, sequence_number
HAVING COUNT(*) > 1
ORDER BY partner_id, sequence_number;
`
	orderCountQuery = `
SELECT COUNT(*), COUNT(DISTINCT partner_id)
FROM orders;
`
	recentErrorQuery = `
SELECT error_code, COUNT(*) as error_count
FROM order_errors
WHERE timestamp_ms >= $1
GROUP BY error_code
ORDER BY error_code;
`
)

type reportConfig struct {
	DBURL           string
	Verbose         bool
	Alert           bool
	WebhookURL      string
	SlackWebhookURL string
	ReportPath      string
	Cron            string
	StoreHistory    bool
}

type discrepancy struct {
	PartnerID      string `json:"partner_id"`
	Kind           string `json:"kind"`
	OrderCount     int64  `json:"order_count,omitempty"`
	MaxSequence    int64  `json:"max_sequence,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
	Occurrences    int64  `json:"occurrences,omitempty"`
	Detail         string `json:"detail"`
}

type partnerVolume struct {
	PartnerID   string  `json:"partner_id"`
	OrderCount  int64   `json:"order_count"`
	MaxSequence int64   `json:"max_sequence"`
	GrossTotal  float64 `json:"gross_total"`
	TaxTotal    float64 `json:"tax_total"`
	NetTotal    float64 `json:"net_total"`
}

type errorCount struct {
	ErrorCode string `json:"error_code"`
	Count     int64  `json:"count"`
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (reportConfig, error) {
	fs := flag.NewFlagSet("feedreport", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg reportConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code on discrepancy")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for discrepancy alerts")
	fs.StringVar(&cfg.SlackWebhookURL, "slack-webhook-url", "", "slack webhook url for discrepancy alerts")
	fs.StringVar(&cfg.ReportPath, "report", "", "write detailed report to file")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled report runs")
	fs.BoolVar(&cfg.StoreHistory, "history", false, "store report history in database")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}

	return runOnce(ctx, cfg, out, errOut, opener)
}

func runOnce(ctx context.Context, cfg reportConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	dbPingCtx, dbPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	code, err := runWithDB(ctx, db, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg reportConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled feed report...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled feed report...")
		}
		if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled feed report exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func runWithDB(ctx context.Context, db *sql.DB, cfg reportConfig, out, errOut io.Writer) (int, error) {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting feed report checks...")
	}

	orderCount, partnerCount, err := fetchCounts(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to count orders: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintln(out, "Summarizing partner volume...")
	}
	volumes, err := fetchPartnerVolumes(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to summarize partner volume: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintln(out, "Checking sequence density...")
	}
	gaps, err := fetchSequenceGaps(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to query sequence gaps: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintln(out, "Checking duplicate sequences...")
	}
	duplicates, err := fetchDuplicateSequences(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to query duplicate sequences: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintln(out, "Summarizing recent errors...")
	}
	recentErrors, err := fetchRecentErrors(ctx, db, time.Now().Add(-24*time.Hour))
	if err != nil {
		return 2, fmt.Errorf("failed to summarize recent errors: %w", err)
	}

	discrepancies := append(gaps, duplicates...)

	report := buildReport(orderCount, partnerCount, volumes, discrepancies, recentErrors)
	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}
	if cfg.StoreHistory {
		if err := storeHistory(ctx, db, report); err != nil {
			return 2, fmt.Errorf("failed to store history: %w", err)
		}
	}

	if len(discrepancies) == 0 {
		fmt.Fprintf(out, "✓ Feed report passed: %d orders across %d partners\n", orderCount, partnerCount)
		return 0, nil
	}

	for _, d := range discrepancies {
		fmt.Fprintf(errOut, "✗ Discrepancy found: partner=%s, kind=%s, %s\n", d.PartnerID, d.Kind, d.Detail)
	}

	if cfg.WebhookURL != "" {
		if err := sendWebhook(ctx, cfg.WebhookURL, discrepancies); err != nil {
			fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
		}
	}
	if cfg.SlackWebhookURL != "" {
		if err := sendSlackWebhook(ctx, cfg.SlackWebhookURL, discrepancies); err != nil {
			fmt.Fprintf(errOut, "slack webhook alert failed: %v\n", err)
		}
	}

	if cfg.Alert {
		return 1, nil
	}
	return 0, nil
}

func fetchCounts(ctx context.Context, db *sql.DB) (int64, int64, error) {
	var orderCount, partnerCount int64
	if err := db.QueryRowContext(ctx, orderCountQuery).Scan(&orderCount, &partnerCount); err != nil {
		return 0, 0, err
	}
	return orderCount, partnerCount, nil
}

func fetchPartnerVolumes(ctx context.Context, db *sql.DB) ([]partnerVolume, error) {
	rows, err := db.QueryContext(ctx, partnerVolumeQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []partnerVolume
	for rows.Next() {
		var v partnerVolume
		if err := rows.Scan(&v.PartnerID, &v.OrderCount, &v.MaxSequence, &v.GrossTotal, &v.TaxTotal, &v.NetTotal); err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func fetchSequenceGaps(ctx context.Context, db *sql.DB) ([]discrepancy, error) {
	rows, err := db.QueryContext(ctx, sequenceGapQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []discrepancy
	for rows.Next() {
		var partner string
		var count, maxSeq int64
		if err := rows.Scan(&partner, &count, &maxSeq); err != nil {
			return nil, err
		}
		results = append(results, discrepancy{
			PartnerID:   partner,
			Kind:        "sequence_gap",
			OrderCount:  count,
			MaxSequence: maxSeq,
			Detail:      fmt.Sprintf("%d orders but max sequence %d", count, maxSeq),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func fetchDuplicateSequences(ctx context.Context, db *sql.DB) ([]discrepancy, error) {
	rows, err := db.QueryContext(ctx, duplicateSequenceQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []discrepancy
	for rows.Next() {
		var partner string
		var seq, occurrences int64
		if err := rows.Scan(&partner, &seq, &occurrences); err != nil {
			return nil, err
		}
		results = append(results, discrepancy{
			PartnerID:      partner,
			Kind:           "duplicate_sequence",
			SequenceNumber: seq,
			Occurrences:    occurrences,
			Detail:         fmt.Sprintf("sequence %d stored %d times", seq, occurrences),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func fetchRecentErrors(ctx context.Context, db *sql.DB, since time.Time) ([]errorCount, error) {
	rows, err := db.QueryContext(ctx, recentErrorQuery, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []errorCount
	for rows.Next() {
		var e errorCount
		if err := rows.Scan(&e.ErrorCode, &e.Count); err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func sendWebhook(ctx context.Context, url string, discrepancies []discrepancy) error {
	payload := map[string]interface{}{
		"message":       "order feed discrepancies detected",
		"discrepancies": discrepancies,
	}
	return postJSON(ctx, url, payload)
}

func sendSlackWebhook(ctx context.Context, url string, discrepancies []discrepancy) error {
	payload := map[string]string{
		"text": buildAlertMessage("Order feed discrepancies detected", discrepancies),
	}
	return postJSON(ctx, url, payload)
}

func postJSON(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

func buildAlertMessage(title string, discrepancies []discrepancy) string {
	var b strings.Builder
	fmt.Fprintln(&b, title)
	for _, d := range discrepancies {
		fmt.Fprintf(&b, "partner=%s kind=%s %s\n", d.PartnerID, d.Kind, d.Detail)
	}
	return strings.TrimSpace(b.String())
}

type feedReport struct {
	RunAt            string          `json:"run_at"`
	OrderCount       int64           `json:"order_count"`
	PartnerCount     int64           `json:"partner_count"`
	DiscrepancyCount int             `json:"discrepancy_count"`
	ErrorCount24h    int64           `json:"error_count_24h"`
	Partners         []partnerVolume `json:"partners"`
	Discrepancies    []discrepancy   `json:"discrepancies"`
	ErrorsLast24h    []errorCount    `json:"errors_last_24h"`
}

func buildReport(orderCount, partnerCount int64, volumes []partnerVolume, discrepancies []discrepancy, recentErrors []errorCount) feedReport {
	var errorTotal int64
	for _, e := range recentErrors {
		errorTotal += e.Count
	}
	return feedReport{
		RunAt:            time.Now().UTC().Format(time.RFC3339),
		OrderCount:       orderCount,
		PartnerCount:     partnerCount,
		DiscrepancyCount: len(discrepancies),
		ErrorCount24h:    errorTotal,
		Partners:         volumes,
		Discrepancies:    discrepancies,
		ErrorsLast24h:    recentErrors,
	}
}

func writeReport(path string, report feedReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func storeHistory(ctx context.Context, db *sql.DB, report feedReport) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS feed_report_history (
    id BIGSERIAL PRIMARY KEY,
    run_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    report JSONB NOT NULL
);`)
	if err != nil {
		return err
	}
	status := "ok"
	if report.DiscrepancyCount > 0 {
		status = "discrepancy"
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO feed_report_history (run_at, status, report)
VALUES ($1, $2, $3);`, report.RunAt, status, payload)
	return err
}
