package eastmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/luwei/quantflow/internal/contracts"
	"github.com/luwei/quantflow/pkg/config"
	"github.com/luwei/quantflow/pkg/httputil"
	"github.com/luwei/quantflow/pkg/logger"
	"github.com/luwei/quantflow/pkg/redis"
)

// Known index constituent pages, keyed by the names the CLI accepts.
var indexPages = map[string]string{
	"csi300": "/center/gridlist.html?index=000300",
	"csi500": "/center/gridlist.html?index=000905",
	"sse50":  "/center/gridlist.html?index=000016",
}

var codePattern = regexp.MustCompile(`(sh|sz|bj)(\d{6})`)

// Client fetches daily k-lines and index constituents from the public
// EastMoney endpoints. All requests go through the shared rate limiter;
// a circuit breaker keeps a flapping upstream from stalling collection.
type Client struct {
	http    *httputil.Client
	breaker *gobreaker.CircuitBreaker
	cfg     config.EastMoneyConfig
	logger  *logger.Logger
}

// NewClient creates an EastMoney client.
func NewClient(cfg config.EastMoneyConfig, limiter *redis.RateLimiter, log *logger.Logger) *Client {
	limit := redis.EastMoneyRateLimit
	if cfg.RatePerSecond > 0 {
		limit.Limit = cfg.RatePerSecond
		limit.Window = time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "eastmoney",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	client := httputil.New(log)
	if limiter != nil {
		client = client.WithRateLimiter(limiter, limit)
	}

	return &Client{
		http:    client,
		breaker: breaker,
		cfg:     cfg,
		logger:  log,
	}
}

// DailyBars fetches the daily forward-adjusted k-lines for one
// instrument over an inclusive date range.
func (c *Client) DailyBars(ctx context.Context, inst contracts.InstrumentCode, r contracts.DateRange) ([]contracts.Bar, error) {
	url := fmt.Sprintf(
		"%s/api/qt/stock/kline/get?secid=%s&fields1=f1,f2,f3&fields2=f51,f52,f53,f54,f55,f56,f57&klt=101&fqt=1&beg=%s&end=%s",
		c.cfg.KlineBaseURL, secID(inst),
		r.Start.Format("20060102"), r.End.Format("20060102"))

	body, err := c.fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: kline fetch for %s: %v", contracts.ErrBarFetchFailed, inst, err)
	}

	bars, err := parseKlines(inst, body)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"instrument": inst,
		"bars":       len(bars),
	}).Debug("Fetched daily bars")

	return bars, nil
}

// IndexMembers scrapes the constituent list for a known index.
func (c *Client) IndexMembers(ctx context.Context, indexName string) ([]contracts.InstrumentCode, error) {
	page, ok := indexPages[indexName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown index %q", contracts.ErrConfigInvalid, indexName)
	}

	body, err := c.fetch(ctx, c.cfg.QuoteBaseURL+page)
	if err != nil {
		return nil, fmt.Errorf("fetch members of %s: %w", indexName, err)
	}

	members, err := parseMemberCodes(body)
	if err != nil {
		return nil, fmt.Errorf("parse members of %s: %w", indexName, err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("no members found for %s", indexName)
	}

	return members, nil
}

// fetch runs one GET through the breaker and returns the body.
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	body, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.GetWithHeaders(ctx, url, map[string]string{
			"Referer":    c.cfg.QuoteBaseURL,
			"User-Agent": "Mozilla/5.0 (compatible; quantflow/1.0)",
		})
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}

	return body.([]byte), nil
}

// secID maps an instrument to EastMoney's market.code form:
// Shanghai is market 1, Shenzhen and Beijing are market 0.
func secID(inst contracts.InstrumentCode) string {
	market := "0"
	if inst.IsShanghai() {
		market = "1"
	}
	return market + "." + inst.Number()
}

type klineEnvelope struct {
	Data *struct {
		Klines []string `json:"klines"`
	} `json:"data"`
}

// parseKlines decodes the kline payload. Each line is
// "date,open,close,high,low,volume,amount".
func parseKlines(inst contracts.InstrumentCode, body []byte) ([]contracts.Bar, error) {
	var env klineEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: kline payload for %s: %v", contracts.ErrBarFetchFailed, inst, err)
	}
	if env.Data == nil {
		return nil, nil
	}

	bars := make([]contracts.Bar, 0, len(env.Data.Klines))
	for _, line := range env.Data.Klines {
		bar, err := parseKline(inst, line)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}

	return bars, nil
}

func parseKline(inst contracts.InstrumentCode, line string) (contracts.Bar, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 7 {
		return contracts.Bar{}, fmt.Errorf("%w: short kline %q for %s", contracts.ErrBarDataInvalid, line, inst)
	}

	ts, err := time.Parse("2006-01-02", fields[0])
	if err != nil {
		return contracts.Bar{}, fmt.Errorf("%w: kline date %q for %s", contracts.ErrBarDataInvalid, fields[0], inst)
	}

	dec := func(s string) (decimal.Decimal, error) {
		d, derr := decimal.NewFromString(s)
		if derr != nil {
			return decimal.Zero, fmt.Errorf("%w: kline field %q for %s", contracts.ErrBarDataInvalid, s, inst)
		}
		return d, nil
	}

	bar := contracts.Bar{Instrument: inst, Timestamp: ts}
	if bar.Open, err = dec(fields[1]); err != nil {
		return bar, err
	}
	if bar.Close, err = dec(fields[2]); err != nil {
		return bar, err
	}
	if bar.High, err = dec(fields[3]); err != nil {
		return bar, err
	}
	if bar.Low, err = dec(fields[4]); err != nil {
		return bar, err
	}
	if bar.Volume, err = strconv.ParseInt(fields[5], 10, 64); err != nil {
		return bar, fmt.Errorf("%w: kline volume %q for %s", contracts.ErrBarDataInvalid, fields[5], inst)
	}
	if bar.Amount, err = dec(fields[6]); err != nil {
		return bar, err
	}

	if err := bar.Validate(); err != nil {
		return bar, err
	}

	return bar, nil
}

// parseMemberCodes extracts instrument codes from anchor hrefs on a
// constituents page, deduplicated in document order.
func parseMemberCodes(body []byte) ([]contracts.InstrumentCode, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}

	seen := make(map[contracts.InstrumentCode]struct{})
	var members []contracts.InstrumentCode

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		m := codePattern.FindString(strings.ToLower(href))
		if m == "" {
			return
		}
		inst, err := contracts.ParseInstrument(m)
		if err != nil {
			return
		}
		if _, dup := seen[inst]; dup {
			return
		}
		seen[inst] = struct{}{}
		members = append(members, inst)
	})

	return members, nil
}
