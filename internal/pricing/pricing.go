// Package pricing holds the domain types shared by the cache tiers, the
// upstream client and the lookup service.
package pricing

import (
	"fmt"
	"strings"
	"time"
)

// PriceRecord is one observed price for a symbol/quote pair. It is
// immutable once constructed; FetchedAt is stamped by whichever component
// performed the network call, never by a cache tier.
type PriceRecord struct {
	Symbol            string    `json:"symbol"`
	QuoteCurrency     string    `json:"quote_currency"`
	Price             float64   `json:"price"`
	Volume24h         float64   `json:"volume_24h,omitempty"`
	Change24h         float64   `json:"change_24h,omitempty"`
	UpstreamUpdatedAt time.Time `json:"upstream_updated_at,omitzero"`
	FetchedAt         time.Time `json:"fetched_at"`
}

// ChartPoint is one (timestamp, value) sample of a market chart series.
type ChartPoint struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// MarketChart is a historical price series for a symbol/quote pair.
type MarketChart struct {
	Symbol        string       `json:"symbol"`
	QuoteCurrency string       `json:"quote_currency"`
	Prices        []ChartPoint `json:"prices"`
	FetchedAt     time.Time    `json:"fetched_at"`
}

// PriceKey is the cache key for a pair, e.g. "price:eth:usdt".
func PriceKey(symbol, quote string) string {
	return fmt.Sprintf("price:%s:%s", strings.ToLower(symbol), strings.ToLower(quote))
}

// FetchLockKey is the distributed-lock key guarding a cold-miss fill for a
// pair, e.g. "fetch:eth:usdt".
func FetchLockKey(symbol, quote string) string {
	return fmt.Sprintf("fetch:%s:%s", strings.ToLower(symbol), strings.ToLower(quote))
}
