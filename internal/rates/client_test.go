package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestGetRates_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/rates/USD" {
			t.Fatalf("path = %s, want /api/rates/USD", r.URL.Path)
		}
		if got := r.URL.Query().Get("targets"); got != "EUR,GBP" {
			t.Fatalf("targets = %q, want EUR,GBP", got)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"base": "USD",
			"rates": {"EUR": "0.9214", "GBP": "0.7903"},
			"source": "openexchange",
			"as_of": "2026-08-20T00:00:00Z"
		}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := client.GetRates(ctx, "USD", []string{"EUR", "GBP"})
	if err != nil {
		t.Fatalf("GetRates error: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("len(res) = %d, want 2", len(res))
	}

	byTarget := make(map[string]Rate, len(res))
	for _, r := range res {
		byTarget[r.Target] = r
	}

	eur, ok := byTarget["EUR"]
	if !ok {
		t.Fatalf("EUR rate missing: %+v", res)
	}
	if !eur.Rate.Equal(decimal.RequireFromString("0.9214")) {
		t.Fatalf("EUR rate = %s, want 0.9214", eur.Rate)
	}
	if eur.Base != "USD" || eur.Source != "openexchange" {
		t.Fatalf("unexpected rate fields: %+v", eur)
	}
}

func TestGetRates_BadRate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base": "USD", "rates": {"EUR": "not-a-number"}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := client.GetRates(ctx, "USD", []string{"EUR"}); err == nil {
		t.Fatalf("expected error for unparsable rate")
	}
}

func TestGetRates_NotConfigured(t *testing.T) {
	client := &Client{}

	if _, err := client.GetRates(context.Background(), "USD", []string{"EUR"}); err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
