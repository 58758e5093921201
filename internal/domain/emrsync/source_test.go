package emrsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestHTTPSource_PendingOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/orders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("status") != "pending" || r.URL.Query().Get("limit") != "25" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orders": []RemoteOrder{{OrderSeq: 7, OrderDatetime: "202401150930", ChartNumber: "P7", PatientName: "DOE"}},
		})
	}))
	defer srv.Close()

	src, err := NewHTTPSource(HTTPConfig{BaseURL: srv.URL + "/api/", Limit: 25, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	orders, err := src.PendingOrders(context.Background())
	if err != nil {
		t.Fatalf("PendingOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderSeq != 7 {
		t.Fatalf("unexpected orders %+v", orders)
	}
}

func TestHTTPSource_ClientCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" {
			t.Errorf("unexpected grant type %q", r.Form.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"orders":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src, err := NewHTTPSource(HTTPConfig{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		ClientID:     "worklist",
		ClientSecret: "secret",
		Timeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	orders, err := src.PendingOrders(context.Background())
	if err != nil {
		t.Fatalf("PendingOrders: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("expected no orders, got %d", len(orders))
	}
}

func TestHTTPSource_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("limit") {
		case "1":
			http.Error(w, "boom", http.StatusBadGateway)
		case "2":
			w.Write([]byte(`{"orders":`))
		case "3":
			time.Sleep(200 * time.Millisecond)
		}
	}))
	defer srv.Close()

	for _, limit := range []int{1, 2, 3} {
		src, err := NewHTTPSource(HTTPConfig{BaseURL: srv.URL, Limit: limit, Timeout: 50 * time.Millisecond})
		if err != nil {
			t.Fatalf("NewHTTPSource: %v", err)
		}
		if _, err := src.PendingOrders(context.Background()); !errors.Is(err, ErrRemoteUnavailable) {
			t.Errorf("limit %d: expected ErrRemoteUnavailable, got %v", limit, err)
		}
	}
}

func TestNewHTTPSource_InvalidURL(t *testing.T) {
	if _, err := NewHTTPSource(HTTPConfig{BaseURL: "not a url"}); err == nil {
		t.Error("expected error for invalid base URL")
	}
}

// pagedFeed serves orders sorted by OrderSeq, honouring limit and after_seq.
type pagedFeed struct {
	orders   []RemoteOrder
	requests []string
}

func (f *pagedFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests = append(f.requests, r.URL.RawQuery)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	after, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	page := []RemoteOrder{}
	for _, o := range f.orders {
		if o.OrderSeq > after && len(page) < limit {
			page = append(page, o)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"orders": page})
}

func TestHTTPSource_PagesUntilShortPage(t *testing.T) {
	feed := &pagedFeed{orders: []RemoteOrder{
		order(3, "202401150930", "MR"),
		order(5, "202401151000", "CT"),
		order(9, "202401151030", "US"),
	}}
	srv := httptest.NewServer(feed)
	defer srv.Close()

	src, err := NewHTTPSource(HTTPConfig{BaseURL: srv.URL, Limit: 2, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	orders, err := src.PendingOrders(context.Background())
	if err != nil {
		t.Fatalf("PendingOrders: %v", err)
	}
	if len(orders) != 3 || orders[2].OrderSeq != 9 {
		t.Fatalf("expected all three orders, got %+v", orders)
	}
	want := []string{"limit=2&status=pending", "after_seq=5&limit=2&status=pending"}
	if len(feed.requests) != len(want) {
		t.Fatalf("expected %d requests, got %v", len(want), feed.requests)
	}
	for i := range want {
		if feed.requests[i] != want[i] {
			t.Errorf("request %d: expected %q, got %q", i, want[i], feed.requests[i])
		}
	}
}

func TestHTTPSource_StalledCursorStops(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		// Ignores after_seq and keeps returning a full page.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orders": []RemoteOrder{order(1, "202401150930", "MR")},
		})
	}))
	defer srv.Close()

	src, err := NewHTTPSource(HTTPConfig{BaseURL: srv.URL, Limit: 1, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	if _, err := src.PendingOrders(context.Background()); err != nil {
		t.Fatalf("PendingOrders: %v", err)
	}
	if requests != 2 {
		t.Errorf("expected the walk to stop after the cursor stalled, got %d requests", requests)
	}
}
