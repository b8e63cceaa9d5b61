package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// RecentCloses fetches the closing prices of the most recent klines,
// oldest first. The last element is the still-forming candle.
func (c *Client) RecentCloses(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.doPublic(ctx, "/fapi/v1/klines", params, weightKlines)
	if err != nil {
		return nil, err
	}

	// Each kline is a 12-element array; index 4 is the close price.
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance futures: decode klines: %w", err)
	}

	closes := make([]float64, 0, len(raw))
	for _, k := range raw {
		if len(k) < 5 {
			continue
		}
		s, ok := k[4].(string)
		if !ok {
			continue
		}
		closes = append(closes, toFloat(s))
	}
	return closes, nil
}
