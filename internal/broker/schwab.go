package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/mifflin_scalper/internal/models"
)

const (
	defaultTraderBase     = "https://api.schwabapi.com/trader/v1"
	defaultMarketDataBase = "https://api.schwabapi.com/marketdata/v1"
	defaultCallTimeout    = 5 * time.Second
)

// SchwabClient implements Broker against the Schwab Trader and Market Data
// REST APIs using a pre-provisioned OAuth bearer token.
type SchwabClient struct {
	client         *http.Client
	token          string
	accountHash    string
	traderBase     string
	marketDataBase string
	timeout        time.Duration
}

// NewSchwabClient creates a Schwab broker client.
func NewSchwabClient(token, accountHash string) *SchwabClient {
	return &SchwabClient{
		client:         &http.Client{Timeout: 10 * time.Second},
		token:          token,
		accountHash:    accountHash,
		traderBase:     defaultTraderBase,
		marketDataBase: defaultMarketDataBase,
		timeout:        defaultCallTimeout,
	}
}

// WithBaseURLs overrides the API endpoints (tests, proxies).
func (s *SchwabClient) WithBaseURLs(trader, marketData string) *SchwabClient {
	if trader != "" {
		s.traderBase = strings.TrimRight(trader, "/")
	}
	if marketData != "" {
		s.marketDataBase = strings.TrimRight(marketData, "/")
	}
	return s
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (s *SchwabClient) WithHTTPClient(c *http.Client) *SchwabClient {
	if c != nil {
		s.client = c
	}
	return s
}

// do executes an authenticated request with the per-call deadline and maps
// non-2xx responses to APIError.
func (s *SchwabClient) do(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")
	// Correlation ID so a request can be traced in Schwab's support logs.
	req.Header.Set("Schwab-Client-CorrelId", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// orderPayload is the Schwab single-leg order body.
type orderPayload struct {
	OrderType          string `json:"orderType"`
	Session            string `json:"session"`
	Duration           string `json:"duration"`
	Price              string `json:"price,omitempty"`
	StopPrice          string `json:"stopPrice,omitempty"`
	OrderStrategyType  string `json:"orderStrategyType"`
	OrderLegCollection []leg  `json:"orderLegCollection"`
}

type leg struct {
	Instruction string     `json:"instruction"`
	Quantity    int        `json:"quantity"`
	Instrument  instrument `json:"instrument"`
}

type instrument struct {
	Symbol    string `json:"symbol"`
	AssetType string `json:"assetType"`
}

func (s *SchwabClient) placeOrder(ctx context.Context, p orderPayload) (string, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding order: %w", err)
	}

	u := fmt.Sprintf("%s/accounts/%s/orders", s.traderBase, url.PathEscape(s.accountHash))
	resp, err := s.do(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	// Schwab returns the new order ID as the tail of the Location header.
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("order accepted but no Location header returned")
	}
	return path.Base(loc), nil
}

// PlaceLimitEntry submits a BUY_TO_OPEN day limit order for an option.
func (s *SchwabClient) PlaceLimitEntry(ctx context.Context, symbol string, quantity int, limitPrice float64) (string, error) {
	return s.placeOrder(ctx, orderPayload{
		OrderType:         "LIMIT",
		Session:           "NORMAL",
		Duration:          "DAY",
		Price:             fmt.Sprintf("%.2f", limitPrice),
		OrderStrategyType: "SINGLE",
		OrderLegCollection: []leg{{
			Instruction: "BUY_TO_OPEN",
			Quantity:    quantity,
			Instrument:  instrument{Symbol: symbol, AssetType: "OPTION"},
		}},
	})
}

// PlaceStopExit submits a SELL_TO_CLOSE day stop order for an option.
func (s *SchwabClient) PlaceStopExit(ctx context.Context, symbol string, quantity int, stopPrice float64) (string, error) {
	return s.placeOrder(ctx, orderPayload{
		OrderType:         "STOP",
		Session:           "NORMAL",
		Duration:          "DAY",
		StopPrice:         fmt.Sprintf("%.2f", stopPrice),
		OrderStrategyType: "SINGLE",
		OrderLegCollection: []leg{{
			Instruction: "SELL_TO_CLOSE",
			Quantity:    quantity,
			Instrument:  instrument{Symbol: symbol, AssetType: "OPTION"},
		}},
	})
}

// PlaceMarketExit submits a SELL_TO_CLOSE market order for an option.
func (s *SchwabClient) PlaceMarketExit(ctx context.Context, symbol string, quantity int) (string, error) {
	return s.placeOrder(ctx, orderPayload{
		OrderType:         "MARKET",
		Session:           "NORMAL",
		Duration:          "DAY",
		OrderStrategyType: "SINGLE",
		OrderLegCollection: []leg{{
			Instruction: "SELL_TO_CLOSE",
			Quantity:    quantity,
			Instrument:  instrument{Symbol: symbol, AssetType: "OPTION"},
		}},
	})
}

// CancelOrder cancels a working order.
func (s *SchwabClient) CancelOrder(ctx context.Context, orderID string) error {
	u := fmt.Sprintf("%s/accounts/%s/orders/%s",
		s.traderBase, url.PathEscape(s.accountHash), url.PathEscape(orderID))
	resp, err := s.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

type orderStatusResponse struct {
	OrderID                 int64   `json:"orderId"`
	Status                  string  `json:"status"`
	FilledQuantity          float64 `json:"filledQuantity"`
	RemainingQuantity       float64 `json:"remainingQuantity"`
	Price                   float64 `json:"price"`
	OrderActivityCollection []struct {
		ExecutionLegs []struct {
			Price float64 `json:"price"`
			Time  string  `json:"time"`
		} `json:"executionLegs"`
	} `json:"orderActivityCollection"`
	CloseTime string `json:"closeTime"`
}

// OrderStatus fetches the broker's view of an order.
func (s *SchwabClient) OrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	u := fmt.Sprintf("%s/accounts/%s/orders/%s",
		s.traderBase, url.PathEscape(s.accountHash), url.PathEscape(orderID))
	resp, err := s.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var raw orderStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding order status: %w", err)
	}

	status := &OrderStatus{ID: orderID, State: mapOrderState(raw.Status)}
	if status.State == OrderFilled {
		// Average the execution leg prices; Schwab reports one leg per fill.
		var sum float64
		var n int
		var last time.Time
		for _, act := range raw.OrderActivityCollection {
			for _, el := range act.ExecutionLegs {
				sum += el.Price
				n++
				if ts, err := time.Parse(time.RFC3339, el.Time); err == nil && ts.After(last) {
					last = ts
				}
			}
		}
		if n > 0 {
			status.FilledPrice = sum / float64(n)
		} else {
			status.FilledPrice = raw.Price
		}
		if last.IsZero() {
			if ts, err := time.Parse(time.RFC3339, raw.CloseTime); err == nil {
				last = ts
			} else {
				last = time.Now().UTC()
			}
		}
		status.FilledAt = last.UTC()
	}
	return status, nil
}

func mapOrderState(schwabStatus string) OrderState {
	switch strings.ToUpper(schwabStatus) {
	case "FILLED":
		return OrderFilled
	case "CANCELED", "CANCELLED":
		return OrderCancelled
	case "REJECTED":
		return OrderRejected
	case "EXPIRED":
		return OrderExpired
	default:
		// WORKING, QUEUED, ACCEPTED, PENDING_ACTIVATION all count as live.
		return OrderWorking
	}
}

type chainResponse struct {
	UnderlyingPrice float64                            `json:"underlyingPrice"`
	CallExpDateMap  map[string]map[string][]chainEntry `json:"callExpDateMap"`
	PutExpDateMap   map[string]map[string][]chainEntry `json:"putExpDateMap"`
}

type chainEntry struct {
	Symbol      string  `json:"symbol"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	Delta       float64 `json:"delta"`
	StrikePrice float64 `json:"strikePrice"`
}

// OptionChain fetches contracts of one type for a single expiration date.
func (s *SchwabClient) OptionChain(ctx context.Context, underlying string, direction models.Direction,
	strikeCount int, expiration time.Time) ([]ChainContract, error) {
	contractType := "CALL"
	if direction == models.DirectionPut {
		contractType = "PUT"
	}
	day := expiration.Format("2006-01-02")

	q := url.Values{}
	q.Set("symbol", strings.ToUpper(underlying))
	q.Set("contractType", contractType)
	q.Set("strikeCount", fmt.Sprintf("%d", strikeCount))
	q.Set("fromDate", day)
	q.Set("toDate", day)

	resp, err := s.do(ctx, http.MethodGet, s.marketDataBase+"/chains?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var raw chainResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding chain: %w", err)
	}

	expMap := raw.CallExpDateMap
	if direction == models.DirectionPut {
		expMap = raw.PutExpDateMap
	}

	var contracts []ChainContract
	for _, strikes := range expMap {
		for _, entries := range strikes {
			for _, e := range entries {
				contracts = append(contracts, ChainContract{
					Symbol:     e.Symbol,
					Strike:     e.StrikePrice,
					Expiration: expiration,
					Bid:        e.Bid,
					Ask:        e.Ask,
					Delta:      e.Delta,
				})
			}
		}
	}
	return contracts, nil
}

type quoteResponse map[string]struct {
	Quote struct {
		LastPrice        float64 `json:"lastPrice"`
		BidPrice         float64 `json:"bidPrice"`
		AskPrice         float64 `json:"askPrice"`
		NetChange        float64 `json:"netChange"`
		NetPercentChange float64 `json:"netPercentChange"`
		TotalVolume      int64   `json:"totalVolume"`
	} `json:"quote"`
}

// EquityQuote fetches a snapshot quote for an equity or index symbol.
func (s *SchwabClient) EquityQuote(ctx context.Context, symbol string) (*EquityQuote, error) {
	u := fmt.Sprintf("%s/%s/quotes", s.marketDataBase, url.PathEscape(strings.ToUpper(symbol)))
	resp, err := s.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var raw quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding quote: %w", err)
	}
	for sym, entry := range raw {
		return &EquityQuote{
			Symbol:        sym,
			Last:          entry.Quote.LastPrice,
			Bid:           entry.Quote.BidPrice,
			Ask:           entry.Quote.AskPrice,
			Change:        entry.Quote.NetChange,
			ChangePercent: entry.Quote.NetPercentChange,
			Volume:        entry.Quote.TotalVolume,
		}, nil
	}
	return nil, fmt.Errorf("no quote returned for %s", symbol)
}

type priceHistoryResponse struct {
	Candles []struct {
		Datetime int64   `json:"datetime"`
		Open     float64 `json:"open"`
		High     float64 `json:"high"`
		Low      float64 `json:"low"`
		Close    float64 `json:"close"`
		Volume   int64   `json:"volume"`
	} `json:"candles"`
	Empty bool `json:"empty"`
}

// PriceHistory fetches minute candles between start and end.
func (s *SchwabClient) PriceHistory(ctx context.Context, symbol string, frequencyMinutes int,
	start, end time.Time) ([]models.Bar, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("periodType", "day")
	q.Set("frequencyType", "minute")
	q.Set("frequency", fmt.Sprintf("%d", frequencyMinutes))
	q.Set("startDate", fmt.Sprintf("%d", start.UnixMilli()))
	q.Set("endDate", fmt.Sprintf("%d", end.UnixMilli()))
	q.Set("needExtendedHoursData", "false")

	resp, err := s.do(ctx, http.MethodGet, s.marketDataBase+"/pricehistory?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var raw priceHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding price history: %w", err)
	}

	bars := make([]models.Bar, 0, len(raw.Candles))
	for _, c := range raw.Candles {
		bars = append(bars, models.Bar{
			Timestamp: time.UnixMilli(c.Datetime).UTC(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		})
	}
	return bars, nil
}
