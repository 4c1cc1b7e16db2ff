package delta

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"delta-copy-trader/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ProductionBaseURL = "https://api.india.delta.exchange"
	GlobalBaseURL     = "https://api.delta.exchange"

	historyPageSize = 50
)

// RestClientInterface defines the account-scoped Delta REST operations.
type RestClientInterface interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetBalances(ctx context.Context) (map[string]float64, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetPosition(ctx context.Context, productID int64) (Position, error)
	GetRecentFills(ctx context.Context, window time.Duration) ([]Fill, error)
	GetRecentOrders(ctx context.Context, window time.Duration) ([]Order, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, productID, orderID int64) error
}

// RestClient is a client for the Delta Exchange REST API bound to one account.
// It implements the RestClientInterface.
type RestClient struct {
	client  *resty.Client
	creds   Credentials
	clock   *Clock
	logger  *zap.Logger
	limiter *rate.Limiter
}

// ensure RestClient implements the interface
var _ RestClientInterface = (*RestClient)(nil)

// NewRestClient creates a client for one account. Clients sharing a Clock share
// the server time offset.
func NewRestClient(cfg *config.Delta, creds Credentials, clock *Clock, logger *zap.Logger) *RestClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = ProductionBaseURL
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "delta-copy-trader")

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}

	return &RestClient{
		client:  client,
		creds:   creds,
		clock:   clock,
		logger:  logger,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Sign returns the hex HMAC-SHA256 of method, timestamp, path, query and body.
// query includes its leading "?" when non-empty.
func Sign(secret, method, timestamp, path, query, body string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(method + timestamp + path + query + body))
	return hex.EncodeToString(h.Sum(nil))
}

// GetServerTime fetches the exchange time in unix seconds.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v2/time", nil, nil, false)
	if err != nil {
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	st := gjson.GetBytes(body, "result.server_time")
	if !st.Exists() {
		st = gjson.GetBytes(body, "server_time")
	}
	if !st.Exists() {
		return 0, &Error{Kind: KindUnknown, Message: "server time missing from response"}
	}
	return epochSeconds(st.Int()), nil
}

// GetBalances returns the available balance per asset symbol.
func (c *RestClient) GetBalances(ctx context.Context) (map[string]float64, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v2/wallet/balances", nil, nil, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}

	balances := make(map[string]float64)
	gjson.GetBytes(body, "result").ForEach(func(_, v gjson.Result) bool {
		asset := v.Get("asset_symbol").String()
		if asset != "" {
			balances[asset] = v.Get("available_balance").Float()
		}
		return true
	})
	return balances, nil
}

// GetPositions returns the account's open positions. Zero-size rows are dropped.
func (c *RestClient) GetPositions(ctx context.Context) ([]Position, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v2/positions/margined", nil, nil, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	var positions []Position
	gjson.GetBytes(body, "result").ForEach(func(_, v gjson.Result) bool {
		p := parsePosition(v)
		if p.Size != 0 && p.Symbol != "" {
			positions = append(positions, p)
		}
		return true
	})
	return positions, nil
}

// GetPosition returns the live position for one product. A flat account
// yields a zero-size position.
func (c *RestClient) GetPosition(ctx context.Context, productID int64) (Position, error) {
	q := url.Values{"product_id": {strconv.FormatInt(productID, 10)}}
	body, err := c.doRequest(ctx, http.MethodGet, "/v2/positions", q, nil, true)
	if err != nil {
		return Position{}, fmt.Errorf("failed to get position for product %d: %w", productID, err)
	}

	p := parsePosition(gjson.GetBytes(body, "result"))
	p.ProductID = productID
	return p, nil
}

// GetRecentFills returns fills created within window of now.
func (c *RestClient) GetRecentFills(ctx context.Context, window time.Duration) ([]Fill, error) {
	cutoff := time.Unix(c.clock.Now(), 0).Add(-window)
	q := url.Values{
		"start_time": {strconv.FormatInt(cutoff.UnixMicro(), 10)},
		"page_size":  {strconv.Itoa(historyPageSize)},
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/v2/fills", q, nil, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get fills: %w", err)
	}

	var fills []Fill
	gjson.GetBytes(body, "result").ForEach(func(_, v gjson.Result) bool {
		if f := parseFill(v); !f.CreatedAt.Before(cutoff) {
			fills = append(fills, f)
		}
		return true
	})
	return fills, nil
}

// GetRecentOrders returns order history entries created within window of now.
func (c *RestClient) GetRecentOrders(ctx context.Context, window time.Duration) ([]Order, error) {
	cutoff := time.Unix(c.clock.Now(), 0).Add(-window)
	q := url.Values{"page_size": {strconv.Itoa(historyPageSize)}}
	body, err := c.doRequest(ctx, http.MethodGet, "/v2/orders/history", q, nil, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get order history: %w", err)
	}

	var orders []Order
	gjson.GetBytes(body, "result").ForEach(func(_, v gjson.Result) bool {
		if o := parseOrder(v); !o.CreatedAt.Before(cutoff) {
			orders = append(orders, o)
		}
		return true
	})
	return orders, nil
}

type orderPayload struct {
	ProductID     int64  `json:"product_id"`
	Size          int64  `json:"size"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	ReduceOnly    bool   `json:"reduce_only"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// PlaceOrder submits a market order.
func (c *RestClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Size <= 0 {
		return nil, fmt.Errorf("order size must be positive, got %d", req.Size)
	}
	if req.Side != OrderSideBuy && req.Side != OrderSideSell {
		return nil, fmt.Errorf("invalid order side %q", req.Side)
	}

	payload := orderPayload{
		ProductID:     req.ProductID,
		Size:          req.Size,
		Side:          req.Side,
		OrderType:     OrderTypeMarket,
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: req.ClientOrderID,
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/v2/orders", nil, payload, true)
	if err != nil {
		return nil, fmt.Errorf("failed to place %s order for product %d: %w", req.Side, req.ProductID, err)
	}

	result := gjson.GetBytes(body, "result")
	c.logger.Info("Order placed",
		zap.Int64("product_id", req.ProductID),
		zap.String("side", req.Side),
		zap.Int64("size", req.Size),
		zap.Bool("reduce_only", req.ReduceOnly),
		zap.String("order_id", result.Get("id").String()),
	)
	return &OrderResult{
		OrderID: result.Get("id").String(),
		State:   result.Get("state").String(),
	}, nil
}

// CancelOrder cancels an open order.
func (c *RestClient) CancelOrder(ctx context.Context, productID, orderID int64) error {
	payload := map[string]int64{"id": orderID, "product_id": productID}
	if _, err := c.doRequest(ctx, http.MethodDelete, "/v2/orders", nil, payload, true); err != nil {
		return fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}
	return nil
}

// GetProducts lists live products. It needs no credentials.
func (c *RestClient) GetProducts(ctx context.Context) ([]Product, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v2/products", nil, nil, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}

	var products []Product
	gjson.GetBytes(body, "result").ForEach(func(_, v gjson.Result) bool {
		if p := parseProduct(v); p.State == "live" && p.Symbol != "" {
			products = append(products, p)
		}
		return true
	})
	return products, nil
}

// doRequest executes one API call with rate limiting and signing. An expired
// signature is retried once after resyncing the clock; other failures are
// returned classified for the caller's retry policy.
func (c *RestClient) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}, signed bool) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}
	qs := ""
	if len(query) > 0 {
		qs = "?" + query.Encode()
	}

	for resynced := false; ; resynced = true {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, transportError(ctx, fmt.Errorf("rate limiter wait failed: %w", err))
		}

		req := c.client.R().SetContext(ctx)
		if payload != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(payload)
		}
		if signed {
			ts := strconv.FormatInt(c.clock.Now(), 10)
			req.SetHeader("api-key", c.creds.APIKey).
				SetHeader("timestamp", ts).
				SetHeader("signature", Sign(c.creds.APISecret, method, ts, path, qs, string(payload)))
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
		resp, err := req.Execute(method, path+qs)
		if err != nil {
			return nil, transportError(ctx, err)
		}

		if success := gjson.GetBytes(resp.Body(), "success"); !resp.IsError() && (!success.Exists() || success.Bool()) {
			return resp.Body(), nil
		}

		apiErr := responseError(resp)
		if apiErr.Kind == KindExpiredSignature && signed && !resynced {
			c.resync(ctx, apiErr)
			continue
		}
		return nil, apiErr
	}
}

func (c *RestClient) resync(ctx context.Context, apiErr *Error) {
	serverTime := apiErr.ServerTime
	if serverTime == 0 {
		var err error
		if serverTime, err = c.GetServerTime(ctx); err != nil {
			c.logger.Warn("Failed to resync server time", zap.Error(err))
			return
		}
	}
	c.clock.Sync(serverTime)
	c.logger.Info("Resynced exchange clock", zap.Duration("offset", c.clock.Offset()))
}
