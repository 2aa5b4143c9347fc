package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mosbiic/pulse/internal/storage"
)

const defaultStockBaseURL = "https://query1.finance.yahoo.com"

// Stock pulls quotes for the configured watchlist and records one
// price_update per symbol per trading day (re-fetches within a day update
// the same record). Credentials: none required. Settings: symbols
// (comma-separated), base_url.
type Stock struct {
	fetcher *Fetcher
	ttls    TTLs
}

// NewStock creates the price-feed adapter.
func NewStock(f *Fetcher, ttls TTLs) *Stock {
	return &Stock{fetcher: f, ttls: ttls}
}

func (s *Stock) Kind() Kind { return KindStock }

type stockQuote struct {
	Symbol                     string  `json:"symbol"`
	ShortName                  string  `json:"shortName"`
	Currency                   string  `json:"currency"`
	RegularMarketPrice         float64 `json:"regularMarketPrice"`
	RegularMarketPreviousClose float64 `json:"regularMarketPreviousClose"`
	RegularMarketChange        float64 `json:"regularMarketChange"`
	RegularMarketChangePercent float64 `json:"regularMarketChangePercent"`
	RegularMarketTime          int64   `json:"regularMarketTime"` // unix seconds
}

type stockQuoteResponse struct {
	QuoteResponse struct {
		Result []stockQuote `json:"result"`
	} `json:"quoteResponse"`
}

func (s *Stock) FetchSince(ctx context.Context, cfg Config, since time.Time, limit int, emit EmitFunc) error {
	base := cfg.Setting("base_url", defaultStockBaseURL)
	raw := cfg.Setting("symbols", "")
	if raw == "" {
		return &UnavailableError{Kind: KindStock, Err: fmt.Errorf("no symbols configured")}
	}

	symbols := make([]string, 0)
	for _, sym := range strings.Split(raw, ",") {
		sym = strings.TrimSpace(sym)
		if sym != "" {
			symbols = append(symbols, NormalizeSymbol(sym))
		}
	}

	var resp stockQuoteResponse
	if err := s.fetcher.getJSON(ctx, request{
		kind: KindStock, endpointClass: "quote",
		url:    base + "/v7/finance/quote",
		params: map[string]string{"symbols": strings.Join(symbols, ",")},
		ttl:    s.ttls.Quote,
	}, &resp); err != nil {
		return err
	}

	emitted := 0
	for _, q := range resp.QuoteResponse.Result {
		if limit > 0 && emitted >= limit {
			return nil
		}
		occurred := time.Unix(q.RegularMarketTime, 0).UTC()
		if q.RegularMarketTime == 0 {
			occurred = time.Time{}
		}
		if !since.IsZero() && !occurred.IsZero() && occurred.Before(since) {
			continue
		}
		// One native identity per symbol per trading day keeps re-ingestion
		// idempotent: intraday refreshes update the day's record in place.
		id := q.Symbol + ":" + occurred.Format("2006-01-02")
		obj, err := wrapNative(id, occurred, q)
		if err != nil {
			return err
		}
		if err := emit(obj); err != nil {
			return err
		}
		emitted++
	}
	return nil
}

func (s *Stock) Normalize(obj NativeObject) (storage.Activity, error) {
	var q stockQuote
	if err := json.Unmarshal(obj.Raw, &q); err != nil {
		return storage.Activity{}, fmt.Errorf("parsing quote %s: %w", obj.ID, err)
	}
	if q.Symbol == "" || q.RegularMarketTime == 0 {
		return storage.Activity{}, fmt.Errorf("quote %s missing symbol or market time", obj.ID)
	}
	occurred := time.Unix(q.RegularMarketTime, 0).UTC()

	name := q.ShortName
	if name == "" {
		name = q.Symbol
	}

	direction := "up"
	if q.RegularMarketChange < 0 {
		direction = "down"
	}

	return storage.Activity{
		SourceKind:     string(KindStock),
		SourceNativeID: q.Symbol + ":" + occurred.Format("2006-01-02"),
		ActivityKind:   ActivityPriceUpdate,
		Title:          fmt.Sprintf("%s %s %.2f%%", name, direction, q.RegularMarketChangePercent),
		Metadata: map[string]string{
			"symbol":         q.Symbol,
			"market":         marketFor(q.Symbol),
			"currency":       q.Currency,
			"price":          formatFloat(q.RegularMarketPrice),
			"previous_close": formatFloat(q.RegularMarketPreviousClose),
			"change":         formatFloat(q.RegularMarketChange),
			"change_pct":     formatFloat(q.RegularMarketChangePercent),
		},
		OccurredAt: occurred,
		IngestedAt: time.Now().UTC(),
	}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// marketFor classifies a normalized symbol by its exchange suffix.
func marketFor(symbol string) string {
	switch {
	case strings.HasSuffix(symbol, ".SS"):
		return "shanghai"
	case strings.HasSuffix(symbol, ".SZ"):
		return "shenzhen"
	case strings.HasSuffix(symbol, ".HK"):
		return "hongkong"
	default:
		return "us"
	}
}

// NormalizeSymbol maps bare ticker input to the quote API's format:
// 6-digit mainland codes get an .SS/.SZ suffix, 4-5 digit codes become
// zero-padded .HK listings, everything else passes through as a US ticker.
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(symbol, ".") {
		return symbol
	}

	allDigits := symbol != ""
	for _, r := range symbol {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if !allDigits {
		return symbol
	}

	switch len(symbol) {
	case 6:
		switch symbol[:3] {
		case "600", "601", "603", "605", "688":
			return symbol + ".SS"
		}
		return symbol + ".SZ"
	case 4, 5:
		return trimHK(symbol) + ".HK"
	}
	return symbol
}

// trimHK reduces a Hong Kong ticker to the exchange's four-digit form.
func trimHK(symbol string) string {
	for len(symbol) > 4 {
		if symbol[0] != '0' {
			break
		}
		symbol = symbol[1:]
	}
	for len(symbol) < 4 {
		symbol = "0" + symbol
	}
	return symbol
}
