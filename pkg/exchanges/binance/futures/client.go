// Package futures implements the Binance USDT-M futures gateway.
package futures

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"perp-core/pkg/cache"
	"perp-core/pkg/exchanges/common"
)

// Request weights per the futures API documentation. The budget delays
// when a window is exhausted rather than erroring.
const (
	weightOrder        = 1
	weightCancel       = 1
	weightMarkPrice    = 1
	weightKlines       = 2
	weightPositionRisk = 5
	weightLeverage     = 1
	weightMarginType   = 1
	weightExchangeInfo = 1
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is the signed REST transport for the USDT-M futures API. It
// satisfies common.Gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	budget     *common.WeightBudget
	prices     *cache.PriceCache
	logger     *zap.Logger

	mu      sync.RWMutex
	filters map[string]common.SymbolFilters
}

// NewClient creates a futures client. prices may be nil; when set, every
// mark-price fetch writes through it.
func NewClient(cfg Config, prices *cache.PriceCache, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		budget:     common.NewWeightBudget(2400, logger), // 2400 weight/min for futures
		prices:     prices,
		logger:     logger,
		filters:    make(map[string]common.SymbolFilters),
	}
	c.timeSync = common.NewTimeSync(c.serverTime, logger)
	return c
}

// StartTimeSync begins the background clock-offset loop.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// SubmitOrder places an order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderResult{}, errors.New("binance futures: API key/secret required")
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	if !req.ClosePosition {
		params.Set("quantity", formatFloat(req.Qty))
	}

	if req.Type == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}

	if req.Type == common.OrderTypeStopMarket || req.Type == common.OrderTypeTakeProfit {
		params.Set("stopPrice", formatFloat(req.StopPrice))
		params.Set("workingType", "MARK_PRICE")
	}

	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ClosePosition {
		params.Set("closePosition", "true")
	} else if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params, weightOrder)
	if err != nil {
		return common.OrderResult{}, err
	}

	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("binance futures: decode order: %w", err)
	}
	return common.OrderResult{
		OrderID:      strconv.FormatInt(resp.OrderID, 10),
		ClientID:     resp.ClientOrderID,
		Status:       mapStatus(resp.Status),
		ExecutedQty:  toFloat(resp.ExecutedQty),
		AvgFillPrice: toFloat(resp.AvgPrice),
	}, nil
}

// CancelOrder cancels an order by symbol and exchange order id. The
// acknowledgement reports how much of the order executed before the
// cancel landed.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	body, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params, weightCancel)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("binance futures: decode cancel: %w", err)
	}
	return common.OrderResult{
		OrderID:      strconv.FormatInt(resp.OrderID, 10),
		ClientID:     resp.ClientOrderID,
		Status:       mapStatus(resp.Status),
		ExecutedQty:  toFloat(resp.ExecutedQty),
		AvgFillPrice: toFloat(resp.AvgPrice),
	}, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params, weightLeverage)
	return err
}

// SetMarginType sets margin mode (ISOLATED or CROSSED). The exchange
// rejects a no-op change with code -4046; that is not an error.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", strings.ToUpper(marginType))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/marginType", params, weightMarginType)
	if err != nil && strings.Contains(err.Error(), "-4046") {
		return nil
	}
	return err
}

// MarkPrice returns the current mark price for a symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex", params, weightMarkPrice)
	if err != nil {
		return 0, err
	}
	var resp markPriceResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("binance futures: decode mark price: %w", err)
	}
	price := toFloat(resp.MarkPrice)
	if price <= 0 {
		return 0, fmt.Errorf("binance futures: no mark price for %s", symbol)
	}
	if c.prices != nil {
		c.prices.Set(symbol, price)
	}
	return price, nil
}

// OpenPositions returns the exchange's authoritative open positions.
func (c *Client) OpenPositions(ctx context.Context) ([]common.RemotePosition, error) {
	params := url.Values{}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, weightPositionRisk)
	if err != nil {
		return nil, err
	}
	var risks []positionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, fmt.Errorf("binance futures: decode positions: %w", err)
	}

	var out []common.RemotePosition
	for _, r := range risks {
		qty := toFloat(r.PositionAmt)
		if qty == 0 {
			continue
		}
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, common.RemotePosition{
			Symbol:        r.Symbol,
			Quantity:      qty,
			EntryPrice:    toFloat(r.EntryPrice),
			MarkPrice:     toFloat(r.MarkPrice),
			UnrealizedPnL: toFloat(r.UnRealizedProfit),
			Leverage:      lev,
		})
	}
	return out, nil
}

// SymbolFilters returns per-symbol precision constraints, fetching
// exchangeInfo on first use.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	if err := c.RefreshFilters(ctx); err != nil {
		return common.SymbolFilters{}, err
	}

	c.mu.RLock()
	f, ok = c.filters[symbol]
	c.mu.RUnlock()
	if !ok {
		return common.SymbolFilters{}, fmt.Errorf("binance futures: unknown symbol %s", symbol)
	}
	return f, nil
}

// RefreshFilters reloads all symbol filters from exchangeInfo.
func (c *Client) RefreshFilters(ctx context.Context) error {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", url.Values{}, weightExchangeInfo)
	if err != nil {
		return err
	}
	var info exchangeInfoResp
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("binance futures: decode exchangeInfo: %w", err)
	}

	fresh := make(map[string]common.SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		f := common.SymbolFilters{Symbol: s.Symbol}
		for _, filt := range s.Filters {
			switch filt.FilterType {
			case "PRICE_FILTER":
				f.TickSize = toFloat(filt.TickSize)
			case "LOT_SIZE":
				f.StepSize = toFloat(filt.StepSize)
				f.MinQty = toFloat(filt.MinQty)
			case "MIN_NOTIONAL":
				f.MinNotional = toFloat(filt.Notional)
			}
		}
		fresh[s.Symbol] = f
	}

	c.mu.Lock()
	c.filters = fresh
	c.mu.Unlock()
	c.logger.Debug("symbol filters refreshed", zap.Int("symbols", len(fresh)))
	return nil
}

// CreateListenKey opens a user-data stream session.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("binance futures: create listen key status %d: %s", res.StatusCode, string(b))
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the user-data stream session.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/fapi/v1/listenKey?listenKey="+listenKey, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("binance futures: keepalive listen key status %d: %s", res.StatusCode, string(b))
	}
	return nil
}

// StreamHost returns the websocket host for the user-data stream.
func (c *Client) StreamHost() string {
	if c.cfg.Testnet {
		return "fstream.binancefuture.com"
	}
	return "fstream.binance.com"
}

func (c *Client) serverTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", url.Values{}, 1)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// doSigned signs and sends an authenticated request, first acquiring
// budget for its weight.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, weight int) ([]byte, error) {
	if err := c.budget.Acquire(ctx, weight); err != nil {
		return nil, err
	}

	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	return c.send(req, method, path)
}

// doPublic sends an unsigned request under the same weight budget.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values, weight int) ([]byte, error) {
	if err := c.budget.Acquire(ctx, weight); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.send(req, http.MethodGet, path)
}

func (c *Client) send(req *http.Request, method, path string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.budget.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance futures %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}
	return body, nil
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
