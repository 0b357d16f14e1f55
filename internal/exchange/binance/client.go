// Package binance connects the core streaming and caching layer to Binance
// Spot: REST collaborators, the public kline stream, the private user data
// stream, and the Wrapper facade that composes them.
package binance

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"trend-connector/internal/config"
	"trend-connector/internal/core"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

const (
	pathAccount        = "/api/v3/account"
	pathOrder          = "/api/v3/order"
	pathOpenOrders     = "/api/v3/openOrders"
	pathKlines         = "/api/v3/klines"
	pathUserDataStream = "/api/v3/userDataStream"
)

// Client is the signed REST collaborator.
type Client struct {
	apiKey     string
	apiSecret  string
	ed25519Key ed25519.PrivateKey
	baseURL    string
	recvWindow time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

type Options struct {
	APIKey         string
	APISecret      string
	Ed25519Key     ed25519.PrivateKey
	RestBaseURL    string
	RecvWindowMs   int64
	HTTPTimeoutSec int64
	Logger         *slog.Logger
}

// NewClient builds a client from exchange settings, loading the Ed25519 key
// when a path is configured.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api_key required")
	}
	opts := Options{
		APIKey:         cfg.APIKey,
		APISecret:      cfg.APISecret,
		RestBaseURL:    cfg.RestBaseURL,
		RecvWindowMs:   cfg.RecvWindowMs,
		HTTPTimeoutSec: cfg.HTTPTimeoutSec,
		Logger:         logger,
	}
	if cfg.WSEd25519KeyPath != "" {
		key, err := loadEd25519PrivateKey(cfg.WSEd25519KeyPath)
		if err != nil {
			return nil, err
		}
		opts.Ed25519Key = key
	}
	if opts.APISecret == "" && opts.Ed25519Key == nil {
		return nil, errors.New("api_secret or ed25519 key required")
	}
	return NewClientWithOptions(opts), nil
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		ed25519Key: opts.Ed25519Key,
		baseURL:    strings.TrimRight(opts.RestBaseURL, "/"),
		recvWindow: time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "binance_rest"),
		now:        time.Now,
	}
}

func (c *Client) Name() string { return "binance" }

// Account returns the non-zero balances of the account keyed by asset.
func (c *Client) Account(ctx context.Context) (core.Wallet, error) {
	params := url.Values{}
	params.Set("omitZeroBalances", "true")
	body, err := c.doRequest(ctx, http.MethodGet, pathAccount, params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	wallet := make(core.Wallet, len(resp.Balances))
	for _, b := range resp.Balances {
		wallet[b.Asset] = core.Balance{
			Asset:  b.Asset,
			Free:   parseDecimal(b.Free),
			Locked: parseDecimal(b.Locked),
		}
	}
	return wallet, nil
}

// OpenOrders lists open orders for symbol, or for every symbol when symbol is empty.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.OrderReport, error) {
	params := url.Values{}
	if symbol != "" {
		sym, err := core.NormalizeSymbol(symbol)
		if err != nil {
			return nil, err
		}
		params.Set("symbol", sym)
	}
	body, err := c.doRequest(ctx, http.MethodGet, pathOpenOrders, params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	orders := make([]core.OrderReport, 0, len(resp))
	for _, o := range resp {
		orders = append(orders, o.toReport())
	}
	return orders, nil
}

func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.OrderReport, error) {
	if err := order.Validate(); err != nil {
		return core.OrderReport{}, err
	}
	params := orderParams(order)
	params.Set("newOrderRespType", "FULL")
	body, err := c.doRequest(ctx, http.MethodPost, pathOrder, params, AuthSigned)
	if err != nil {
		return core.OrderReport{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderReport{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toReport(), nil
}

func (c *Client) CancelOrder(ctx context.Context, cancel core.CancelOrder) (core.OrderReport, error) {
	if err := cancel.Validate(); err != nil {
		return core.OrderReport{}, err
	}
	sym, _ := core.NormalizeSymbol(cancel.Symbol)
	params := url.Values{}
	params.Set("symbol", sym)
	if cancel.OrderID != "" {
		params.Set("orderId", cancel.OrderID)
	}
	if cancel.ClientOrderID != "" {
		params.Set("origClientOrderId", cancel.ClientOrderID)
	}
	if cancel.NewClientOrderID != "" {
		params.Set("newClientOrderId", cancel.NewClientOrderID)
	}
	body, err := c.doRequest(ctx, http.MethodDelete, pathOrder, params, AuthSigned)
	if err != nil {
		return core.OrderReport{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderReport{}, fmt.Errorf("decode cancel: %w", err)
	}
	return resp.toReport(), nil
}

// CreateListenKey opens a user data stream session.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, pathUserDataStream, url.Values{}, AuthAPIKey)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if resp.ListenKey == "" {
		return "", errors.New("empty listen key")
	}
	return resp.ListenKey, nil
}

func (c *Client) KeepaliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doRequest(ctx, http.MethodPut, pathUserDataStream, params, AuthAPIKey)
	return err
}

func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doRequest(ctx, http.MethodDelete, pathUserDataStream, params, AuthAPIKey)
	return err
}

func orderParams(order core.Order) url.Values {
	sym, _ := core.NormalizeSymbol(order.Symbol)
	params := url.Values{}
	params.Set("symbol", sym)
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	if order.TimeInForce != "" {
		params.Set("timeInForce", string(order.TimeInForce))
	}
	if order.Quantity.IsPositive() {
		params.Set("quantity", order.Quantity.String())
	}
	if order.QuoteOrderQty.IsPositive() {
		params.Set("quoteOrderQty", order.QuoteOrderQty.String())
	}
	if order.Price.IsPositive() {
		params.Set("price", order.Price.String())
	}
	if order.StopPrice.IsPositive() {
		params.Set("stopPrice", order.StopPrice.String())
	}
	if order.NewClientOrderID != "" {
		params.Set("newClientOrderId", order.NewClientOrderID)
	}
	return params
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		signature, err := c.signPayload(params.Encode())
		if err != nil {
			return nil, err
		}
		params.Set("signature", signature)
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	c.logger.Debug("rest request", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return wrapAPIError(apiErr.Code, apiErr.Msg)
	}
	return fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
}
