package emrsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrRemoteUnavailable wraps every failure to read the remote order feed.
var ErrRemoteUnavailable = errors.New("remote scheduling system unavailable")

// Source returns the orders currently pending in the remote scheduling system.
type Source interface {
	PendingOrders(ctx context.Context) ([]RemoteOrder, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]RemoteOrder, error)

func (f SourceFunc) PendingOrders(ctx context.Context) ([]RemoteOrder, error) { return f(ctx) }

// HTTPConfig configures the EMR order feed client. When TokenURL is set the
// client authenticates with the OAuth2 client credentials grant.
type HTTPConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Limit        int
	Timeout      time.Duration
}

// HTTPSource reads GET {base}/orders?status=pending&limit=N, paging forward
// with after_seq=<highest order_seq seen> until a short page arrives.
type HTTPSource struct {
	endpoint string
	limit    int
	client   *http.Client
}

// maxPages bounds one PendingOrders call against a feed that never returns
// a short page.
const maxPages = 1000

type ordersPage struct {
	Orders []RemoteOrder `json:"orders"`
}

// NewHTTPSource validates cfg and builds the HTTP client.
func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid EMR base URL %q", cfg.BaseURL)
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}
	endpoint := base.String() + "/orders"

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		// Token requests reuse the same timeout-bounded transport.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
		client = cc.Client(ctx)
		client.Timeout = cfg.Timeout
	}
	return &HTTPSource{endpoint: endpoint, limit: limit, client: client}, nil
}

// PendingOrders returns every pending order across all pages. A page that
// does not advance the cursor ends the walk.
func (s *HTTPSource) PendingOrders(ctx context.Context) ([]RemoteOrder, error) {
	var (
		all   []RemoteOrder
		after int64
	)
	for page := 0; page < maxPages; page++ {
		orders, err := s.fetchPage(ctx, after, page > 0)
		if err != nil {
			return nil, err
		}
		all = append(all, orders...)
		if len(orders) < s.limit {
			return all, nil
		}
		next := after
		for _, o := range orders {
			if o.OrderSeq > next {
				next = o.OrderSeq
			}
		}
		if page > 0 && next <= after {
			return all, nil
		}
		after = next
	}
	return nil, fmt.Errorf("%w: order feed exceeded %d pages", ErrRemoteUnavailable, maxPages)
}

func (s *HTTPSource) fetchPage(ctx context.Context, after int64, withCursor bool) ([]RemoteOrder, error) {
	q := url.Values{}
	q.Set("status", "pending")
	q.Set("limit", strconv.Itoa(s.limit))
	if withCursor {
		q.Set("after_seq", strconv.FormatInt(after, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: GET orders returned %d: %s", ErrRemoteUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var page ordersPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: decode orders: %v", ErrRemoteUnavailable, err)
	}
	return page.Orders, nil
}
