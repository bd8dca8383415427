package market

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"HODL-Engine/internal/asset"
)

func priceServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		ids := r.URL.Query().Get("ids")
		w.Header().Set("Content-Type", "application/json")
		switch ids {
		case "tether":
			_, _ = w.Write([]byte(`{"tether":{"usd":1.0}}`))
		case "wrapped-bitcoin":
			_, _ = w.Write([]byte(`{"wrapped-bitcoin":{"usd":60000}}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestMarketConverterConvert(t *testing.T) {
	var hits atomic.Int64
	server := priceServer(t, &hits)
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, CacheTTL: time.Minute})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	converter, err := NewConverter(client, 0)
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}

	// 600 USDT / 60000 USD = 0.01 WBTC = 1000000 sat
	got, err := converter.Convert(context.Background(), asset.USDT, asset.WBTC, big.NewInt(600_000_000))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("expected 1000000 sat, got %s", got)
	}
}

func TestMarketClientCachesPrices(t *testing.T) {
	var hits atomic.Int64
	server := priceServer(t, &hits)
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL, CacheTTL: time.Minute})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := client.USDPrice(ctx, asset.USDT); err != nil {
			t.Fatalf("price: %v", err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected a single upstream hit, got %d", got)
	}
}

func TestMarketClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.USDPrice(context.Background(), asset.USDT); err == nil {
		t.Fatal("expected error for upstream failure")
	}
	if _, err := client.USDPrice(context.Background(), asset.Asset("DOGE")); err == nil {
		t.Fatal("expected error for unmapped asset")
	}
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for missing base url")
	}
}
