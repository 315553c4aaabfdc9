package projectx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"ordersentry/internal/metrics"
)

// fakeToken builds an unsigned JWT whose exp claim is one hour out.
func fakeToken(t *testing.T) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	claims := fmt.Sprintf(`{"exp":%d}`, time.Now().Add(time.Hour).Unix())
	payload := base64.RawURLEncoding.EncodeToString([]byte(claims))
	return header + "." + payload + "."
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *Client) {
	t.Helper()
	token := fakeToken(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/Auth/loginKey" {
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"token":   token,
			})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Username = "trader"
	cfg.APIKey = "key"
	cfg.MaxRequestsPerSecond = 1000
	return srv, NewClient(cfg, nil)
}

func TestClient_SearchOpenPositions(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/Position/searchOpen" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth == "" {
			t.Error("missing Authorization header")
		}
		var payload map[string]int64
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["accountId"] != 42 {
			t.Errorf("accountId = %d, want 42", payload["accountId"])
		}
		fmt.Fprint(w, `{
			"success": true,
			"positions": [
				{"id": 7, "accountId": 42, "contractId": "CON.F.US.ENQ.H25", "type": 1, "size": 2, "averagePrice": 19000.25}
			]
		}`)
	})

	positions, err := client.SearchOpenPositions(context.Background(), 42)
	if err != nil {
		t.Fatalf("SearchOpenPositions() error = %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}
	p := positions[0]
	if p.ID != 7 || p.ContractID != "CON.F.US.ENQ.H25" || p.Size != 2 {
		t.Errorf("position mismatch: %+v", p)
	}
	if !p.AveragePrice.Equal(decimal.RequireFromString("19000.25")) {
		t.Errorf("averagePrice = %s", p.AveragePrice)
	}
}

func TestClient_CancelOrder_APIError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": false, "errorCode": 5, "errorMessage": "Order not found"}`)
	})

	err := client.CancelOrder(context.Background(), 42, 999)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "cancel order: Order not found" {
		t.Errorf("error = %q", got)
	}
}

func TestClient_ModifyOrder_SendsNullSiblingPrices(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]json.RawMessage
		json.NewDecoder(r.Body).Decode(&payload)
		if string(payload["stopPrice"]) != "19000.25" {
			t.Errorf("stopPrice = %s", payload["stopPrice"])
		}
		for _, key := range []string{"limitPrice", "trailPrice"} {
			raw, ok := payload[key]
			if !ok || string(raw) != "null" {
				t.Errorf("%s should be explicit null, got %s", key, raw)
			}
		}
		fmt.Fprint(w, `{"success": true}`)
	})

	err := client.ModifyOrder(context.Background(), 42, 55, decimal.RequireFromString("19000.25"))
	if err != nil {
		t.Fatalf("ModifyOrder() error = %v", err)
	}
}

func TestClient_RefreshesTokenOn401(t *testing.T) {
	var calls atomic.Int64
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"success": true, "orders": []}`)
	})

	orders, err := client.SearchOpenOrders(context.Background(), 42)
	if err != nil {
		t.Fatalf("SearchOpenOrders() error = %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("got %d orders, want 0", len(orders))
	}
	if calls.Load() != 2 {
		t.Errorf("endpoint called %d times, want 2", calls.Load())
	}
}

func TestClient_GetTickSize(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["searchText"] != "ENQ" {
			t.Errorf("searchText = %v, want ENQ", payload["searchText"])
		}
		fmt.Fprint(w, `{
			"success": true,
			"contracts": [
				{"id": "CON.F.US.ENQ.H25", "name": "ENQH25", "tickSize": 0.25},
				{"id": "CON.F.US.ENQ.M25", "name": "ENQM25", "tickSize": 0.25}
			]
		}`)
	})

	tick, err := client.GetTickSize(context.Background(), "CON.F.US.ENQ.H25")
	if err != nil {
		t.Fatalf("GetTickSize() error = %v", err)
	}
	if !tick.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("tick = %s, want 0.25", tick)
	}
}

func TestClient_RecordsRequestMetrics(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true}`)
	})

	before := testutil.ToFloat64(metrics.BrokerRequests.WithLabelValues("/Order/cancel", "ok"))
	if err := client.CancelOrder(context.Background(), 42, 55); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	after := testutil.ToFloat64(metrics.BrokerRequests.WithLabelValues("/Order/cancel", "ok"))
	if after != before+1 {
		t.Errorf("ok request count = %v, want %v", after, before+1)
	}
}

func TestContractSearchText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"CON.F.US.ENQ.H25", "ENQ"},
		{"CON.F.US.MNQ.M25", "MNQ"},
		{"NQ", "NQ"},
		{"weird.id", "weird.id"},
	}
	for _, tt := range tests {
		if got := contractSearchText(tt.in); got != tt.want {
			t.Errorf("contractSearchText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
