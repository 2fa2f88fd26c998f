package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/execution"
	"github.com/halcyontrade/perpexec/internal/ratelimit"
)

const (
	defaultRecvWindow = "5000"
	category          = "linear"

	instrumentTTL   = 10 * time.Minute
	walletTTL       = 5 * time.Second
	staleWindow     = 5 * time.Minute
	requestTimeout  = 10 * time.Second
	klineMaxResults = 1000
)

// DegradedFunc is notified when the client serves stale cached data because
// a refresh failed.
type DegradedFunc func(ctx context.Context, source string, err error)

// Client is the Bybit V5 REST client.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *slog.Logger

	// OnDegraded, when set, fires once per stale-cache serve.
	OnDegraded DegradedFunc

	instruments *staleCache[map[string]Instrument]
	wallet      *staleCache[WalletState]

	now func() time.Time
}

// NewClient creates a Bybit REST client. limiter gates every outbound call.
func NewClient(baseURL, apiKey, apiSecret string, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: defaultRecvWindow,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		limiter:     limiter,
		logger:      logger.With(slog.String("component", "bybit")),
		instruments: newStaleCache[map[string]Instrument](instrumentTTL, staleWindow),
		wallet:      newStaleCache[WalletState](walletTTL, staleWindow),
		now:         time.Now,
	}
}

// InstrumentInfo returns the precision filters for one symbol. Results are
// cached; a failed refresh serves the last snapshot within the stale window.
func (c *Client) InstrumentInfo(ctx context.Context, symbol string) (Instrument, error) {
	all, degraded, err := c.instruments.get(ctx, c.fetchInstruments)
	if err != nil {
		return Instrument{}, fmt.Errorf("bybit: instruments info: %w", err)
	}
	if degraded {
		c.degraded(ctx, "instruments-info", c.instruments.lastErr())
	}
	inst, ok := all[symbol]
	if !ok {
		return Instrument{}, fmt.Errorf("bybit: instrument %s: %w", symbol, domain.ErrNotFound)
	}
	return inst, nil
}

// WalletBalance returns account equity from the unified wallet. Results are
// cached briefly; a failed refresh serves the last snapshot within the stale
// window.
func (c *Client) WalletBalance(ctx context.Context) (WalletState, error) {
	w, degraded, err := c.wallet.get(ctx, c.fetchWallet)
	if err != nil {
		return WalletState{}, fmt.Errorf("bybit: wallet balance: %w", err)
	}
	if degraded {
		c.degraded(ctx, "wallet-balance", c.wallet.lastErr())
	}
	return w, nil
}

// Filters implements execution.FilterSource.
func (c *Client) Filters(ctx context.Context, symbol string) (execution.Filters, error) {
	inst, err := c.InstrumentInfo(ctx, symbol)
	if err != nil {
		return execution.Filters{}, err
	}
	return execution.Filters{
		TickSize:    inst.TickSize,
		QtyStep:     inst.QtyStep,
		MinQty:      inst.MinQty,
		MinNotional: inst.MinNotional,
	}, nil
}

// Equity implements execution.EquitySource.
func (c *Client) Equity(ctx context.Context) (float64, error) {
	w, err := c.WalletBalance(ctx)
	if err != nil {
		return 0, err
	}
	return w.Equity, nil
}

// Kline returns up to limit closed bars for symbol, oldest first.
func (c *Client) Kline(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Bar, error) {
	interval, ok := klineIntervals[tf]
	if !ok {
		return nil, fmt.Errorf("bybit: kline: unsupported timeframe %q", tf)
	}
	if limit <= 0 || limit > klineMaxResults {
		limit = 200
	}

	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.do(ctx, http.MethodGet, "/v5/market/kline", ratelimit.GroupPublic, "", q, nil)
	if err != nil {
		return nil, fmt.Errorf("bybit: kline %s: %w", symbol, err)
	}

	var result struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("bybit: decode kline: %w", err)
	}

	tfMs, err := tf.DurationMs()
	if err != nil {
		return nil, fmt.Errorf("bybit: kline: %w", err)
	}
	bars := make([]domain.Bar, 0, len(result.List))
	// Venue returns newest first.
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		start := parseI(row[0])
		bars = append(bars, domain.Bar{
			Symbol:      symbol,
			Timeframe:   tf,
			OpenTimeMs:  start,
			CloseTimeMs: start + tfMs,
			Open:        parseF(row[1]),
			High:        parseF(row[2]),
			Low:         parseF(row[3]),
			Close:       parseF(row[4]),
			Volume:      parseF(row[5]),
		})
	}
	return bars, nil
}

// CreateOrder places an order.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	payload := map[string]any{
		"category":    category,
		"symbol":      req.Symbol,
		"side":        req.Side,
		"orderType":   req.OrderType,
		"qty":         formatF(req.Qty),
		"orderLinkId": req.OrderLinkID,
	}
	if req.OrderType == "Limit" {
		payload["price"] = formatF(req.Price)
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		payload["timeInForce"] = tif
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}

	body, err := c.do(ctx, http.MethodPost, "/v5/order/create", ratelimit.GroupPrivateCritical, req.Symbol, nil, payload)
	if err != nil {
		return OrderAck{}, fmt.Errorf("bybit: create order %s: %w", req.OrderLinkID, err)
	}

	var ack OrderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return OrderAck{}, fmt.Errorf("bybit: decode order ack: %w", err)
	}
	return ack, nil
}

// CancelOrder cancels an order by link id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderLinkID string) error {
	payload := map[string]any{
		"category":    category,
		"symbol":      symbol,
		"orderLinkId": orderLinkID,
	}
	if _, err := c.do(ctx, http.MethodPost, "/v5/order/cancel", ratelimit.GroupPrivateCritical, symbol, nil, payload); err != nil {
		return fmt.Errorf("bybit: cancel order %s: %w", orderLinkID, err)
	}
	return nil
}

// GetOrder queries one order by link id via the realtime endpoint.
func (c *Client) GetOrder(ctx context.Context, symbol, orderLinkID string) (OrderState, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	q.Set("orderLinkId", orderLinkID)

	body, err := c.do(ctx, http.MethodGet, "/v5/order/realtime", ratelimit.GroupPrivateOrderQuery, symbol, q, nil)
	if err != nil {
		return OrderState{}, fmt.Errorf("bybit: get order %s: %w", orderLinkID, err)
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			OrderStatus string `json:"orderStatus"`
			Price       string `json:"price"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return OrderState{}, fmt.Errorf("bybit: decode order: %w", err)
	}
	if len(result.List) == 0 {
		return OrderState{}, fmt.Errorf("bybit: order %s: %w", orderLinkID, domain.ErrNotFound)
	}

	o := result.List[0]
	return OrderState{
		OrderID:     o.OrderID,
		OrderLinkID: o.OrderLinkID,
		Symbol:      o.Symbol,
		Status:      o.OrderStatus,
		Price:       parseF(o.Price),
		Qty:         parseF(o.Qty),
		CumExecQty:  parseF(o.CumExecQty),
		AvgPrice:    parseF(o.AvgPrice),
	}, nil
}

// GetPosition returns the venue position for symbol. A flat position comes
// back with Size 0, not an error.
func (c *Client) GetPosition(ctx context.Context, symbol string) (PositionState, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)

	body, err := c.do(ctx, http.MethodGet, "/v5/position/list", ratelimit.GroupPrivateOrderQuery, symbol, q, nil)
	if err != nil {
		return PositionState{}, fmt.Errorf("bybit: get position %s: %w", symbol, err)
	}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Side      string `json:"side"`
			Size      string `json:"size"`
			AvgPrice  string `json:"avgPrice"`
			StopLoss  string `json:"stopLoss"`
			UpdatedAt string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return PositionState{}, fmt.Errorf("bybit: decode position: %w", err)
	}
	if len(result.List) == 0 {
		return PositionState{Symbol: symbol}, nil
	}

	p := result.List[0]
	return PositionState{
		Symbol:    p.Symbol,
		Side:      p.Side,
		Size:      parseF(p.Size),
		AvgPrice:  parseF(p.AvgPrice),
		StopLoss:  parseF(p.StopLoss),
		UpdatedMs: parseI(p.UpdatedAt),
	}, nil
}

// SetTradingStop moves the position-level stop loss.
func (c *Client) SetTradingStop(ctx context.Context, req TradingStopRequest) error {
	payload := map[string]any{
		"category":    category,
		"symbol":      req.Symbol,
		"stopLoss":    formatF(req.StopLoss),
		"tpslMode":    "Full",
		"positionIdx": 0,
	}
	if _, err := c.do(ctx, http.MethodPost, "/v5/position/trading-stop", ratelimit.GroupPrivateCritical, req.Symbol, nil, payload); err != nil {
		return fmt.Errorf("bybit: set trading stop %s: %w", req.Symbol, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) fetchInstruments(ctx context.Context) (map[string]Instrument, error) {
	q := url.Values{}
	q.Set("category", category)

	body, err := c.do(ctx, http.MethodGet, "/v5/market/instruments-info", ratelimit.GroupPublic, "", q, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep          string `json:"qtyStep"`
				MinOrderQty      string `json:"minOrderQty"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}

	out := make(map[string]Instrument, len(result.List))
	for _, row := range result.List {
		out[row.Symbol] = Instrument{
			Symbol:      row.Symbol,
			TickSize:    parseF(row.PriceFilter.TickSize),
			QtyStep:     parseF(row.LotSizeFilter.QtyStep),
			MinQty:      parseF(row.LotSizeFilter.MinOrderQty),
			MinNotional: parseF(row.LotSizeFilter.MinNotionalValue),
		}
	}
	return out, nil
}

func (c *Client) fetchWallet(ctx context.Context) (WalletState, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")

	body, err := c.do(ctx, http.MethodGet, "/v5/account/wallet-balance", ratelimit.GroupPrivateAccountQuery, "", q, nil)
	if err != nil {
		return WalletState{}, err
	}

	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return WalletState{}, fmt.Errorf("decode wallet: %w", err)
	}
	if len(result.List) == 0 {
		return WalletState{}, errors.New("empty wallet list")
	}

	var raw map[string]any
	_ = json.Unmarshal(body, &raw)
	return WalletState{
		Equity:    parseF(result.List[0].TotalEquity),
		Available: parseF(result.List[0].TotalAvailableBalance),
		Raw:       raw,
	}, nil
}

// do runs one signed request with rate limiting and bounded retries. The
// returned bytes are the envelope's result field.
func (c *Client) do(ctx context.Context, method, path string, group ratelimit.Group, symbol string, query url.Values, reqBody any) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}

		if err := c.limiter.Wait(ctx, group, symbol); err != nil {
			return nil, err
		}

		result, retry, err := c.doOnce(ctx, method, path, group, symbol, query, reqBody)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
		c.logger.Warn("retrying request",
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, group ratelimit.Group, symbol string, query url.Values, reqBody any) (result []byte, retry bool, err error) {
	var (
		bodyReader io.Reader
		payload    string
	)
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, false, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
		payload = string(jsonBody)
	} else {
		payload = query.Encode()
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if group != ratelimit.GroupPublic {
		ts := strconv.FormatInt(c.now().UnixMilli(), 10)
		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
		req.Header.Set("X-BAPI-SIGN", sign(c.apiSecret, ts, c.apiKey, c.recvWindow, payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	c.limiter.Observe(group, symbol, ratelimit.ParseHeaders(resp.StatusCode, resp.Header))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retryableStatus(resp.StatusCode), fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var env apiResponse
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, false, fmt.Errorf("decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		apiErr := &APIError{Code: env.RetCode, Msg: env.RetMsg}
		return nil, retryableAPIError(apiErr), apiErr
	}
	return env.Result, false, nil
}

func (c *Client) degraded(ctx context.Context, source string, cause error) {
	c.logger.Warn("serving stale data", slog.String("source", source), slog.Any("error", cause))
	if c.OnDegraded != nil {
		c.OnDegraded(ctx, source, cause)
	}
}

var klineIntervals = map[domain.Timeframe]string{
	domain.Timeframe1m:  "1",
	domain.Timeframe5m:  "5",
	domain.Timeframe15m: "15",
	domain.Timeframe1h:  "60",
	domain.Timeframe4h:  "240",
	domain.Timeframe1d:  "D",
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseI(s string) int64 {
	i, _ := strconv.ParseInt(s, 10, 64)
	return i
}

func formatF(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
