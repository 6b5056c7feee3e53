// Package upstream implements the CoinGecko HTTP client. It performs the
// actual network calls on behalf of the gateway and maps throttling
// responses to a distinguishable error type.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pricegate/pricegate/internal/pricing"
)

const defaultRetryAfter = 60 * time.Second

// Well-known ticker symbols mapped to CoinGecko coin ids. Unknown symbols
// are passed through unchanged so callers can use ids directly.
var coinIDs = map[string]string{
	"btc":  "bitcoin",
	"eth":  "ethereum",
	"sol":  "solana",
	"ada":  "cardano",
	"doge": "dogecoin",
	"xrp":  "ripple",
	"dot":  "polkadot",
	"ltc":  "litecoin",
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	dialer := &net.Dialer{
		Timeout:   3 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ExpectContinueTimeout: time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}
}

// SimplePrice fetches the current price for one symbol/quote pair.
func (c *Client) SimplePrice(ctx context.Context, symbol, quote string) (pricing.PriceRecord, error) {
	id := coinID(symbol)
	vs := strings.ToLower(quote)

	params := url.Values{}
	params.Set("ids", id)
	params.Set("vs_currencies", vs)
	params.Set("include_24hr_vol", "true")
	params.Set("include_24hr_change", "true")
	params.Set("include_last_updated_at", "true")

	var payload map[string]map[string]float64
	if err := c.getJSON(ctx, "/simple/price", params, &payload); err != nil {
		return pricing.PriceRecord{}, err
	}

	quotes, ok := payload[id]
	if !ok {
		return pricing.PriceRecord{}, &APIError{
			StatusCode: http.StatusNotFound,
			Message:    fmt.Sprintf("no data for %q", symbol),
		}
	}
	price, ok := quotes[vs]
	if !ok {
		return pricing.PriceRecord{}, &APIError{
			StatusCode: http.StatusNotFound,
			Message:    fmt.Sprintf("no %q quote for %q", quote, symbol),
		}
	}

	record := pricing.PriceRecord{
		Symbol:        strings.ToLower(symbol),
		QuoteCurrency: vs,
		Price:         price,
		Volume24h:     quotes[vs+"_24h_vol"],
		Change24h:     quotes[vs+"_24h_change"],
		FetchedAt:     time.Now().UTC(),
	}
	if ts, ok := quotes["last_updated_at"]; ok {
		record.UpstreamUpdatedAt = time.Unix(int64(ts), 0).UTC()
	}
	return record, nil
}

// MarketChart fetches a historical price series for the last days days.
func (c *Client) MarketChart(ctx context.Context, symbol, quote string, days int) (pricing.MarketChart, error) {
	id := coinID(symbol)

	params := url.Values{}
	params.Set("vs_currency", strings.ToLower(quote))
	params.Set("days", strconv.Itoa(days))

	var payload struct {
		Prices [][2]float64 `json:"prices"`
	}
	if err := c.getJSON(ctx, "/coins/"+id+"/market_chart", params, &payload); err != nil {
		return pricing.MarketChart{}, err
	}

	chart := pricing.MarketChart{
		Symbol:        strings.ToLower(symbol),
		QuoteCurrency: strings.ToLower(quote),
		Prices:        make([]pricing.ChartPoint, 0, len(payload.Prices)),
		FetchedAt:     time.Now().UTC(),
	}
	for _, p := range payload.Prices {
		chart.Prices = append(chart.Prices, pricing.ChartPoint{
			At:    time.UnixMilli(int64(p[0])).UTC(),
			Value: p[1],
		})
	}
	return chart, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if c.cfg.APIKey != "" {
		// The demo API expects the key as a query parameter.
		params.Set("x_cg_demo_api_key", c.cfg.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pricegate/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return &RateLimitError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"), time.Now())}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	return nil
}

func coinID(symbol string) string {
	s := strings.ToLower(strings.TrimSpace(symbol))
	if id, ok := coinIDs[s]; ok {
		return id
	}
	return s
}

func retryAfter(value string, now time.Time) time.Duration {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultRetryAfter
	}

	if seconds, err := strconv.Atoi(trimmed); err == nil {
		if seconds < 0 {
			return defaultRetryAfter
		}
		return time.Duration(seconds) * time.Second
	}

	retryAt, err := http.ParseTime(trimmed)
	if err != nil {
		return defaultRetryAfter
	}
	if waitFor := retryAt.Sub(now); waitFor > 0 {
		return waitFor
	}
	return 0
}
