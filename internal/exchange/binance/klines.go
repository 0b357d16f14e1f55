package binance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/goccy/go-json"

	"trend-connector/internal/core"
)

const maxKlineLimit = 1000

// HistoricalCandles fetches closed and forming candles over REST. Out of range
// limits are corrected with a warning instead of failing the call.
func (c *Client) HistoricalCandles(ctx context.Context, q core.KlineQuery) ([]core.Kline, error) {
	sym, err := core.NormalizeSymbol(q.Symbol)
	if err != nil {
		return nil, err
	}
	if !q.Interval.Valid() {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidInterval, q.Interval)
	}
	params := url.Values{}
	params.Set("symbol", sym)
	params.Set("interval", string(q.Interval))
	if limit := c.klineLimit(q.Limit); limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if !q.Start.IsZero() {
		params.Set("startTime", strconv.FormatInt(q.Start.UTC().UnixMilli(), 10))
	}
	if !q.End.IsZero() {
		params.Set("endTime", strconv.FormatInt(q.End.UTC().UnixMilli(), 10))
	}
	if q.TimeZone != "" {
		tz, err := timeZoneOffset(q.TimeZone, c.now())
		if err != nil {
			return nil, err
		}
		params.Set("timeZone", tz)
	}
	body, err := c.doRequest(ctx, http.MethodGet, pathKlines, params, AuthNone)
	if err != nil {
		return nil, err
	}
	return parseKlineRows(body, c.logger)
}

func (c *Client) klineLimit(limit int) int {
	if limit < 0 {
		c.logger.Warn("negative kline limit, using absolute value", "limit", limit)
		limit = -limit
	}
	if limit > maxKlineLimit {
		c.logger.Warn("kline limit above maximum, capping", "limit", limit, "max", maxKlineLimit)
		limit = maxKlineLimit
	}
	return limit
}

// timeZoneOffset converts an IANA zone name to the "+HH:MM" form the klines
// endpoint accepts. Offsets are passed through.
func timeZoneOffset(tz string, now time.Time) (string, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return "", nil
	}
	if c := tz[0]; c == '+' || c == '-' || (c >= '0' && c <= '9') {
		return tz, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", fmt.Errorf("unknown time zone %q: %w", tz, err)
	}
	_, offset := now.In(loc).Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s%02d:%02d", sign, offset/3600, offset%3600/60), nil
}

// parseKlineRows skips malformed rows with a warning naming the row index.
func parseKlineRows(body []byte, logger *slog.Logger) ([]core.Kline, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]core.Kline, 0, len(rows))
	for i, row := range rows {
		if len(row) < 11 {
			logger.Warn("kline row skipped", "row", i, "fields", len(row))
			continue
		}
		openTime, err := parseInt64(row[0])
		if err != nil {
			logger.Warn("kline row skipped", "row", i, "field", "open_time", "err", err)
			continue
		}
		closeTime, err := parseInt64(row[6])
		if err != nil {
			logger.Warn("kline row skipped", "row", i, "field", "close_time", "err", err)
			continue
		}
		trades, _ := parseInt64(row[8])
		out = append(out, core.Kline{
			OpenTime:            time.UnixMilli(openTime).UTC(),
			CloseTime:           time.UnixMilli(closeTime).UTC(),
			Open:                parseDecimal(parseStr(row[1])),
			High:                parseDecimal(parseStr(row[2])),
			Low:                 parseDecimal(parseStr(row[3])),
			Close:               parseDecimal(parseStr(row[4])),
			Volume:              parseDecimal(parseStr(row[5])),
			QuoteVolume:         parseDecimal(parseStr(row[7])),
			Trades:              trades,
			TakerBuyBaseVolume:  parseDecimal(parseStr(row[9])),
			TakerBuyQuoteVolume: parseDecimal(parseStr(row[10])),
		})
	}
	return out, nil
}

func parseInt64(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	return 0, errors.New("invalid int64")
}

func parseStr(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return strings.TrimSpace(string(raw))
}
