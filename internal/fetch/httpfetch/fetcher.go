// Package httpfetch scrapes listing pages for a search unit.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"scrapesched/internal/model"
	"scrapesched/internal/task/pool"
	logx "scrapesched/pkg/logx"
)

// Selectors locate listing fields on a results page.
type Selectors struct {
	Card  string
	Title string
	Price string
	Link  string
}

func (s Selectors) withDefaults() Selectors {
	if strings.TrimSpace(s.Card) == "" {
		s.Card = ".auction-card"
	}
	if strings.TrimSpace(s.Title) == "" {
		s.Title = ".title"
	}
	if strings.TrimSpace(s.Price) == "" {
		s.Price = ".price"
	}
	if strings.TrimSpace(s.Link) == "" {
		s.Link = "a"
	}
	return s
}

type Config struct {
	UserAgent string
	// Timeout bounds a single page request. Default 30s.
	Timeout   time.Duration
	Selectors Selectors
}

// Listing is one scraped result.
type Listing struct {
	UnitID    string    `json:"unit_id"`
	Title     string    `json:"title"`
	Price     string    `json:"price"`
	Link      string    `json:"link"`
	Page      int       `json:"page"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// Sink stores listings and reports how many were new.
type Sink interface {
	Save(ctx context.Context, listings []Listing) (int, error)
}

// Fetcher implements model.Fetcher over plain HTTP and goquery.
type Fetcher struct {
	cfg    Config
	client *http.Client
	sink   Sink
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, sink Sink, log logx.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "scrapesched/1.0"
	}
	cfg.Selectors = cfg.Selectors.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{cfg: cfg, client: newHTTPClient(cfg.Timeout), sink: sink, log: log, now: time.Now}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	dialTimeout := min(10*time.Second, timeout/2)
	if dialTimeout < 2*time.Second {
		dialTimeout = 2 * time.Second
	}
	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// Close releases idle connections.
func (f *Fetcher) Close() {
	f.client.CloseIdleConnections()
}

// Fetch walks the unit's result pages and hands the listings to the sink.
// A page without cards ends the walk early.
func (f *Fetcher) Fetch(ctx context.Context, unit model.SearchUnit) (model.FetchResult, error) {
	base := strings.TrimSpace(unit.URL)
	if base == "" {
		return model.FetchResult{}, pool.NoRetry(fmt.Errorf("unit %s has no url", unit.ID))
	}
	pages := max(unit.Pagination, 1)

	var all []Listing
	for page := 1; page <= pages; page++ {
		target, err := pageURL(base, unit, page)
		if err != nil {
			return model.FetchResult{}, pool.NoRetry(err)
		}
		listings, err := f.fetchPage(ctx, unit.ID, target, page)
		if err != nil {
			return model.FetchResult{}, err
		}
		f.log.Debug("page scraped",
			logx.String("unit", unit.ID), logx.Int("page", page), logx.Int("listings", len(listings)))
		if len(listings) == 0 {
			break
		}
		all = append(all, listings...)
	}

	res := model.FetchResult{PropertiesFound: len(all)}
	if len(all) == 0 || f.sink == nil {
		return res, nil
	}
	saved, err := f.sink.Save(ctx, all)
	if err != nil {
		return model.FetchResult{}, fmt.Errorf("save listings: %w", err)
	}
	res.PropertiesSaved = saved
	return res, nil
}

// pageURL encodes the unit's search parameters into the query string.
func pageURL(base string, unit model.SearchUnit, page int) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("unit %s: invalid url: %w", unit.ID, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unit %s: unsupported scheme %q", unit.ID, u.Scheme)
	}
	q := u.Query()
	if v := strings.TrimSpace(unit.SearchValue); v != "" {
		q.Set("q", v)
	}
	if unit.HasBounds() {
		q.Set("ne_lat", formatCoord(unit.NELat))
		q.Set("ne_lng", formatCoord(unit.NELong))
		q.Set("sw_lat", formatCoord(unit.SWLat))
		q.Set("sw_lng", formatCoord(unit.SWLong))
	}
	if unit.Pagination > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u, nil
}

func formatCoord(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func (f *Fetcher) fetchPage(ctx context.Context, unitID string, target *url.URL, page int) ([]Listing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, pool.NoRetry(err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", target.Redacted(), err)
	}
	defer res.Body.Close()

	if err := f.statusError(res); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", target.Redacted(), err)
	}

	sel := f.cfg.Selectors
	at := f.now()
	var out []Listing
	doc.Find(sel.Card).Each(func(_ int, s *goquery.Selection) {
		l := Listing{
			UnitID:    unitID,
			Title:     strings.TrimSpace(s.Find(sel.Title).First().Text()),
			Price:     strings.TrimSpace(s.Find(sel.Price).First().Text()),
			Page:      page,
			ScrapedAt: at,
		}
		if href, ok := s.Find(sel.Link).First().Attr("href"); ok {
			l.Link = resolve(target, href)
		}
		if l.Title == "" && l.Link == "" {
			return
		}
		out = append(out, l)
	})
	return out, nil
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// statusError classifies a non-2xx response. Throttling carries the server's
// Retry-After hint; other client errors are permanent.
func (f *Fetcher) statusError(res *http.Response) error {
	code := res.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	err := &StatusError{Code: code, URL: res.Request.URL.Redacted()}
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return pool.RetryAfter(err, parseRetryAfter(res.Header, f.now()))
	case code == http.StatusRequestTimeout:
		return err
	case code >= 400 && code < 500:
		return pool.NoRetry(err)
	default:
		return err
	}
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("get %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
