package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"meanrev/internal/logger"
	"meanrev/internal/market"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"
)

const maxPageLimit = 1500

type Config struct {
	RESTBaseURL       string
	HTTPTimeout       time.Duration
	ProxyURL          string
	Interval          string
	PageLimit         int
	RequestsPerMinute int
}

func (c Config) withDefaults() Config {
	out := c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if strings.TrimSpace(out.Interval) == "" {
		out.Interval = "1d"
	}
	if out.PageLimit <= 0 || out.PageLimit > maxPageLimit {
		out.PageLimit = 1000
	}
	if out.RequestsPerMinute <= 0 {
		out.RequestsPerMinute = 600
	}
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	return out
}

// Source reads USDT-margined futures klines through the go-binance SDK. It implements both
// market.Fetcher (single pages, used by the bar store) and market.Provider (paged ranges).
type Source struct {
	cfg      Config
	interval market.Interval
	client   *futures.Client
	limiter  *rate.Limiter
	now      func() time.Time
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	iv, err := market.ParseInterval(final.Interval)
	if err != nil {
		return nil, err
	}
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	perSec := rate.Limit(float64(final.RequestsPerMinute) / 60.0)
	return &Source{
		cfg:      final,
		interval: iv,
		client:   client,
		limiter:  rate.NewLimiter(perSec, 1),
		now:      time.Now,
	}, nil
}

func (s *Source) Name() string { return "binance" }

// Fetch returns one page of klines starting at req.Start.
func (s *Source) Fetch(ctx context.Context, req market.FetchRequest) ([]market.Bar, error) {
	symbol := exchangeSymbol(req.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval := strings.ToLower(strings.TrimSpace(req.Interval))
	if interval == "" {
		interval = s.interval.SourceInterval
	}
	limit := req.Limit
	if limit <= 0 || limit > maxPageLimit {
		limit = s.cfg.PageLimit
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc := s.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
	if req.Start > 0 {
		svc = svc.StartTime(req.Start)
	}
	if req.End > 0 {
		svc = svc.EndTime(req.End)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}
	out := make([]market.Bar, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		bar := market.Bar{
			Time:   time.UnixMilli(kl.OpenTime).UTC(),
			Open:   parseFloat(kl.Open),
			High:   parseFloat(kl.High),
			Low:    parseFloat(kl.Low),
			Close:  parseFloat(kl.Close),
			Volume: parseFloat(kl.Volume),
		}
		if quote := parseFloat(kl.QuoteAssetVolume); quote > 0 && bar.Volume > 0 {
			bar.VWAP = quote / bar.Volume
		}
		out = append(out, bar)
	}
	return market.DropUnclosed(out, s.interval.Duration, s.now().UTC(), 0), nil
}

// GetBars pages through [start, end] and returns a validated series.
func (s *Source) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]market.Bar, error) {
	if end.IsZero() {
		end = s.now()
	}
	from, to := s.interval.AlignRange(start.UnixMilli(), end.UnixMilli())
	step := s.interval.Duration.Milliseconds()
	var out []market.Bar
	cursor := from
	for cursor <= to {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.Fetch(ctx, market.FetchRequest{
			Symbol:   symbol,
			Interval: s.interval.SourceInterval,
			Start:    cursor,
			End:      to,
			Limit:    s.cfg.PageLimit,
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, b := range page {
			if len(out) > 0 && !b.Time.After(out[len(out)-1].Time) {
				continue
			}
			out = append(out, b)
		}
		next := page[len(page)-1].Time.UnixMilli() + step
		if next <= cursor {
			break
		}
		cursor = next
	}
	out = market.Window(out, start, end)
	if err := market.ValidateSeries(out); err != nil {
		return nil, err
	}
	logger.Debugf("[binance] %s %s loaded %d bars", symbol, s.interval.Key, len(out))
	return out, nil
}

// exchangeSymbol turns "ETH/USDT" or "eth-usdt" into "ETHUSDT".
func exchangeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

func parseFloat(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return f
}
