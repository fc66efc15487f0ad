// Package httpfeed adapts a JSON-over-HTTP market data API to the fetcher contracts.
package httpfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"equity-recon/internal/fetcher"
	"equity-recon/internal/market"
)

const maxErrorBody = 512

// Options parameterise one HTTP provider.
type Options struct {
	Name     string
	Priority int
	BaseURL  string
	// Token is sent as "Authorization: Bearer" unless TokenHeader names another header.
	Token       string
	TokenHeader string
	Timeout     time.Duration
	UserAgent   string
	// RatePerSecond <= 0 disables client-side throttling.
	RatePerSecond float64
	Burst         int
	// Endpoints maps an operation to a path template. Placeholders {date}, {id},
	// {period} and {limit} are substituted and query-escaped.
	Endpoints  map[fetcher.Operation]string
	HealthPath string
}

// Feed is an adapter whose capabilities are the configured endpoints.
type Feed struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

var (
	_ fetcher.Adapter            = (*Feed)(nil)
	_ fetcher.Restricted         = (*Feed)(nil)
	_ fetcher.EntityLister       = (*Feed)(nil)
	_ fetcher.DailyBasicsFetcher = (*Feed)(nil)
	_ fetcher.QuoteFetcher       = (*Feed)(nil)
	_ fetcher.CandleFetcher      = (*Feed)(nil)
	_ fetcher.NewsFetcher        = (*Feed)(nil)
	_ fetcher.CalendarFetcher    = (*Feed)(nil)
)

// New constructs an HTTP feed.
func New(opts Options, logger zerolog.Logger) (*Feed, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("httpfeed: name is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.Newf("httpfeed %s: base url is required", opts.Name)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrapf(err, "httpfeed %s: parse base url", opts.Name)
	}
	for op := range opts.Endpoints {
		if !knownOperation(op) {
			return nil, errors.Newf("httpfeed %s: unknown operation %q", opts.Name, op)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return &Feed{
		opts:    opts,
		logger:  logger.With().Str("component", "httpfeed").Str("adapter", opts.Name).Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		baseURL: baseURL,
	}, nil
}

func knownOperation(op fetcher.Operation) bool {
	for _, known := range fetcher.AllOperations {
		if op == known {
			return true
		}
	}
	return false
}

func (f *Feed) Name() string         { return f.opts.Name }
func (f *Feed) DefaultPriority() int { return f.opts.Priority }

// Supports reports whether an endpoint is configured for op.
func (f *Feed) Supports(op fetcher.Operation) bool {
	_, ok := f.opts.Endpoints[op]
	return ok
}

// Available probes HealthPath when configured; otherwise the feed is assumed up.
func (f *Feed) Available(ctx context.Context) bool {
	if f.opts.HealthPath == "" {
		return true
	}
	req, err := f.newRequest(ctx, f.opts.HealthPath)
	if err != nil {
		return false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Debug().Err(err).Msg("health probe failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (f *Feed) ListEntities(ctx context.Context) (market.Table, error) {
	return f.fetch(ctx, fetcher.OpListEntities, nil)
}

func (f *Feed) DailyBasics(ctx context.Context, date time.Time) (market.Table, error) {
	return f.fetch(ctx, fetcher.OpDailyBasics, map[string]string{"date": market.FormatTradeDate(date)})
}

func (f *Feed) RealtimeQuotes(ctx context.Context) (market.Table, error) {
	return f.fetch(ctx, fetcher.OpRealtimeQuotes, nil)
}

func (f *Feed) Candles(ctx context.Context, id string, period market.Period, limit int) (market.Table, error) {
	return f.fetch(ctx, fetcher.OpCandles, map[string]string{
		"id":     id,
		"period": string(period),
		"limit":  strconv.Itoa(limit),
	})
}

func (f *Feed) News(ctx context.Context, id string) (market.Table, error) {
	return f.fetch(ctx, fetcher.OpNews, map[string]string{"id": id})
}

// LatestTradingDay returns the latest open date in the calendar endpoint's rows.
// Rows flagged is_open=0 are skipped; a calendar without dates yields the zero time.
func (f *Feed) LatestTradingDay(ctx context.Context) (time.Time, error) {
	tbl, err := f.fetch(ctx, fetcher.OpLatestTradingDay, nil)
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, row := range tbl.Rows {
		if open, ok := row.Float("is_open"); ok && open == 0 {
			continue
		}
		raw, ok := row.String("trade_date")
		if !ok {
			raw, ok = row.String("cal_date")
		}
		if !ok {
			continue
		}
		day, err := market.ParseTradeDate(raw)
		if err != nil {
			continue
		}
		if day.After(latest) {
			latest = day
		}
	}
	return latest, nil
}

func (f *Feed) fetch(ctx context.Context, op fetcher.Operation, vars map[string]string) (market.Table, error) {
	tmpl, ok := f.opts.Endpoints[op]
	if !ok {
		return market.Table{}, errors.Mark(errors.Newf("%s: %s not configured", f.opts.Name, op), fetcher.ErrUnsupported)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return market.Table{}, err
	}

	req, err := f.newRequest(ctx, expand(tmpl, vars))
	if err != nil {
		return market.Table{}, fetcher.Permanent(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return market.Table{}, fetcher.Transient(errors.Wrapf(err, "%s %s", f.opts.Name, op))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return market.Table{}, fetcher.Transient(errors.Wrapf(err, "%s %s: read body", f.opts.Name, op))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := parseHTTPError(f.opts.Name, resp.StatusCode, payload)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return market.Table{}, fetcher.Transient(apiErr)
		}
		return market.Table{}, fetcher.Permanent(apiErr)
	}

	tbl, err := decodeTable(payload)
	if err != nil {
		return market.Table{}, fetcher.Permanent(errors.Wrapf(err, "%s %s: decode", f.opts.Name, op))
	}
	f.logger.Debug().Str("operation", string(op)).Int("rows", tbl.Len()).Msg("fetched")
	return tbl, nil
}

func (f *Feed) newRequest(ctx context.Context, path string) (*http.Request, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "equityrecon/1.0")
	}
	if f.opts.Token != "" {
		if f.opts.TokenHeader != "" {
			req.Header.Set(f.opts.TokenHeader, f.opts.Token)
		} else {
			req.Header.Set("Authorization", "Bearer "+f.opts.Token)
		}
	}
	return req, nil
}

func expand(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", url.QueryEscape(v))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// decodeTable accepts {"columns":[...],"rows":[...]}, a bare array of objects,
// {"data":[...]} and the envelope {"code":0,"msg":"","data":{"fields":[...],"items":[[...]]}}.
func decodeTable(payload []byte) (market.Table, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return market.Table{}, err
	}

	switch v := doc.(type) {
	case []any:
		return objectRows(nil, v)
	case map[string]any:
		if code, ok := v["code"]; ok {
			if n, isNum := code.(json.Number); isNum && n.String() != "0" {
				msg, _ := v["msg"].(string)
				return market.Table{}, errors.Newf("api code %s: %s", n, msg)
			}
		}
		if rows, ok := v["rows"].([]any); ok {
			return tableRows(stringSlice(v["columns"]), rows)
		}
		switch data := v["data"].(type) {
		case []any:
			return objectRows(nil, data)
		case map[string]any:
			items, _ := data["items"].([]any)
			return tableRows(stringSlice(data["fields"]), items)
		case nil:
			if _, ok := v["code"]; ok {
				return market.Table{}, nil
			}
		}
	}
	return market.Table{}, errors.New("unrecognised payload shape")
}

// tableRows handles rows given either positionally or as objects.
func tableRows(columns []string, rows []any) (market.Table, error) {
	out := make([]market.Row, 0, len(rows))
	for i, raw := range rows {
		switch r := raw.(type) {
		case map[string]any:
			out = append(out, market.Row(r))
		case []any:
			if len(r) != len(columns) {
				return market.Table{}, errors.Newf("row %d has %d values for %d columns", i, len(r), len(columns))
			}
			row := make(market.Row, len(columns))
			for j, c := range columns {
				row[c] = r[j]
			}
			out = append(out, row)
		default:
			return market.Table{}, errors.Newf("row %d is %T", i, raw)
		}
	}
	return market.NewTable(columns, out), nil
}

func objectRows(columns []string, rows []any) (market.Table, error) {
	out := make([]market.Row, 0, len(rows))
	for i, raw := range rows {
		obj, ok := raw.(map[string]any)
		if !ok {
			return market.Table{}, errors.Newf("row %d is %T", i, raw)
		}
		out = append(out, market.Row(obj))
	}
	return market.NewTable(columns, out), nil
}

func stringSlice(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

type errorResponse struct {
	Code    any    `json:"code"`
	Msg     string `json:"msg"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(name string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Message, apiErr.Msg, apiErr.Error} {
			if msg != "" {
				return fmt.Errorf("%s api error (%d): %s", name, status, msg)
			}
		}
	}
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return fmt.Errorf("%s api error (%d): %s", name, status, body)
	}
	return fmt.Errorf("%s api error (%d)", name, status)
}
