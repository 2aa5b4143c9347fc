package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"AAPL":      "AAPL",
		"aapl":      "AAPL",
		"600519":    "600519.SS",
		"688001":    "688001.SS",
		"000001":    "000001.SZ",
		"300750":    "300750.SZ",
		"0700":      "0700.HK",
		"00700":     "0700.HK",
		"9988":      "9988.HK",
		"BRK.B":     "BRK.B",
		"600519.SS": "600519.SS",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStockFetchSince(t *testing.T) {
	marketTime := time.Date(2026, 2, 10, 21, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v7/finance/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbols"); got != "AAPL,0700.HK" {
			t.Errorf("symbols = %q, want normalized AAPL,0700.HK", got)
		}
		w.Write([]byte(`{"quoteResponse":{"result":[
			{"symbol":"AAPL","shortName":"Apple Inc.","currency":"USD",
			 "regularMarketPrice":212.5,"regularMarketPreviousClose":210.0,
			 "regularMarketChange":2.5,"regularMarketChangePercent":1.19,
			 "regularMarketTime":` + strconv.FormatInt(marketTime.Unix(), 10) + `},
			{"symbol":"0700.HK","shortName":"TENCENT","currency":"HKD",
			 "regularMarketPrice":390.2,"regularMarketPreviousClose":395.0,
			 "regularMarketChange":-4.8,"regularMarketChangePercent":-1.22,
			 "regularMarketTime":` + strconv.FormatInt(marketTime.Unix(), 10) + `}
		]}}`))
	}))
	t.Cleanup(srv.Close)

	adapter := NewStock(newTestFetcher(t, nil), TTLs{})
	cfg := Config{Settings: map[string]string{
		"base_url": srv.URL,
		"symbols":  "AAPL, 0700",
	}}

	var got []NativeObject
	err := adapter.FetchSince(context.Background(), cfg, time.Time{}, 0, func(obj NativeObject) error {
		got = append(got, obj)
		return nil
	})
	if err != nil {
		t.Fatalf("FetchSince: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("emitted %d objects, want 2", len(got))
	}
	if got[0].ID != "AAPL:2026-02-10" {
		t.Fatalf("native id = %s, want AAPL:2026-02-10", got[0].ID)
	}
	if !got[0].OccurredAt.Equal(marketTime) {
		t.Fatalf("OccurredAt = %s, want %s", got[0].OccurredAt, marketTime)
	}
}

func TestStockFetchSinceNoSymbols(t *testing.T) {
	adapter := NewStock(newTestFetcher(t, nil), TTLs{})
	err := adapter.FetchSince(context.Background(), Config{}, time.Time{}, 0, func(NativeObject) error {
		t.Fatal("emit called with no symbols configured")
		return nil
	})
	if err == nil {
		t.Fatal("FetchSince succeeded with no symbols configured")
	}
}

func TestStockNormalize(t *testing.T) {
	adapter := NewStock(nil, TTLs{})
	marketTime := time.Date(2026, 2, 10, 21, 0, 0, 0, time.UTC)

	q := stockQuote{
		Symbol: "0700.HK", ShortName: "TENCENT", Currency: "HKD",
		RegularMarketPrice: 390.2, RegularMarketPreviousClose: 395.0,
		RegularMarketChange: -4.8, RegularMarketChangePercent: -1.22,
		RegularMarketTime: marketTime.Unix(),
	}
	obj, err := wrapNative("0700.HK:2026-02-10", marketTime, q)
	if err != nil {
		t.Fatalf("wrapNative: %v", err)
	}
	act, err := adapter.Normalize(obj)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if act.SourceNativeID != "0700.HK:2026-02-10" {
		t.Fatalf("native id = %s", act.SourceNativeID)
	}
	if act.ActivityKind != ActivityPriceUpdate {
		t.Fatalf("kind = %s, want price_update", act.ActivityKind)
	}
	if act.Metadata["currency"] != "HKD" || act.Metadata["price"] != "390.2" {
		t.Fatalf("metadata = %v", act.Metadata)
	}
}

func TestStockNormalizeMalformed(t *testing.T) {
	adapter := NewStock(nil, TTLs{})
	obj, err := wrapNative("X", time.Time{}, stockQuote{Symbol: ""})
	if err != nil {
		t.Fatalf("wrapNative: %v", err)
	}
	if _, err := adapter.Normalize(obj); err == nil {
		t.Fatal("Normalize accepted quote without symbol")
	}
}

