package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"perforay/internal/config"
	"perforay/internal/model"
)

var (
	ErrTargetUnreachable = errors.New("scanner: target unreachable")
	ErrDisallowed        = errors.New("scanner: disallowed by robots.txt")
)

type Options struct {
	UserAgent         string
	RequestTimeout    time.Duration
	MaxPages          int
	MaxDepth          int
	MaxBodyBytes      int64
	RequestsPerSecond float64
	RespectRobots     bool
}

func OptionsFromConfig(cfg config.ScannerConfig) Options {
	return Options{
		UserAgent:         cfg.UserAgent,
		RequestTimeout:    cfg.RequestTimeout,
		MaxPages:          cfg.MaxPages,
		MaxDepth:          cfg.MaxDepth,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		RequestsPerSecond: cfg.RequestsPerSecond,
		RespectRobots:     cfg.RespectRobots,
	}
}

// Scanner measures a site by crawling it breadth first from the target,
// staying on the target's host.
type Scanner struct {
	opts    Options
	fetcher *HTTPFetcher
	robots  *RobotsAgent
	logger  zerolog.Logger
}

func New(opts Options, logger zerolog.Logger) *Scanner {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 20
	}
	if opts.MaxDepth < 0 {
		opts.MaxDepth = 0
	}
	fetcher := NewHTTPFetcher(opts.UserAgent, opts.RequestTimeout, opts.MaxBodyBytes)
	s := &Scanner{
		opts:    opts,
		fetcher: fetcher,
		logger:  logger,
	}
	if opts.RespectRobots {
		s.robots = NewRobotsAgent(fetcher.Client(), opts.UserAgent)
	}
	return s
}

type crawlItem struct {
	url   *url.URL
	depth int
}

// Scan crawls target and reports each page on events. The root page must be
// reachable; failures on other pages are recorded on their result.
func (s *Scanner) Scan(ctx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error) {
	root, ok := normalize(target)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported uri %s", ErrTargetUnreachable, target)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if s.opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.RequestsPerSecond), 1)
	}

	result := &model.ScanResult{Target: target.String(), StartedAt: time.Now().UTC()}
	seen := map[string]struct{}{root.String(): {}}
	queue := []crawlItem{{url: root}}

	for len(queue) > 0 && len(result.Pages) < s.opts.MaxPages {
		item := queue[0]
		queue = queue[1:]

		if err := emit(ctx, events, model.MeasurementStarted{Target: item.url}); err != nil {
			return nil, err
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		doc, links, final, err := s.measure(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if item.depth == 0 {
				return nil, err
			}
			doc.Error = err.Error()
			s.logger.Debug().Err(err).Str("uri", item.url.String()).Msg("page failed")
		}

		// Links of a redirected root are resolved against where it landed, so
		// the host filter follows the redirect too.
		if item.depth == 0 && final != nil {
			if landed, ok := normalize(final); ok {
				root = landed
				seen[landed.String()] = struct{}{}
			}
		}

		result.Pages = append(result.Pages, doc)
		if err := emit(ctx, events, model.MeasurementEnded{Document: doc}); err != nil {
			return nil, err
		}

		if item.depth >= s.opts.MaxDepth {
			continue
		}
		for _, link := range links {
			if !sameHost(link, root) {
				continue
			}
			key := link.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			queue = append(queue, crawlItem{url: link, depth: item.depth + 1})
		}
	}

	result.FinishedAt = time.Now().UTC()
	s.logger.Info().Str("target", result.Target).Int("pages", len(result.Pages)).Msg("scan finished")
	return result, nil
}

// measure fetches one page. It returns the page's links and the URL the
// fetch ended at after redirects.
func (s *Scanner) measure(ctx context.Context, item crawlItem) (model.DocumentResult, []*url.URL, *url.URL, error) {
	doc := model.DocumentResult{URI: item.url.String(), Depth: item.depth}

	if s.robots != nil && !s.robots.Allowed(ctx, item.url) {
		return doc, nil, nil, fmt.Errorf("%w: %s", ErrDisallowed, item.url)
	}

	page, err := s.fetcher.Fetch(ctx, item.url)
	if err != nil {
		if item.depth == 0 {
			err = fmt.Errorf("%w: %w", ErrTargetUnreachable, err)
		}
		return doc, nil, nil, err
	}

	doc.StatusCode = page.StatusCode
	doc.ContentType = page.ContentType
	doc.ContentLength = int64(len(page.Body))
	doc.DownloadTime = page.DownloadTime.Milliseconds()
	if !isHTML(page.ContentType) {
		return doc, nil, page.FinalURL, nil
	}

	html, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		s.logger.Debug().Err(err).Str("uri", doc.URI).Msg("parse html")
		return doc, nil, page.FinalURL, nil
	}
	doc.Title = strings.TrimSpace(html.Find("title").First().Text())
	return doc, extractLinks(html, page.FinalURL), page.FinalURL, nil
}

func emit(ctx context.Context, events chan<- model.ScanEvent, ev model.ScanEvent) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// normalize keeps http(s) URLs only and drops the fragment
func normalize(u *url.URL) (*url.URL, bool) {
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false
	}
	out := *u
	out.Fragment = ""
	out.RawFragment = ""
	if out.Path == "" {
		out.Path = "/"
	}
	return &out, true
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Host, b.Host)
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// extractLinks resolves every anchor of a page against its base URL
func extractLinks(doc *goquery.Document, base *url.URL) []*url.URL {
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	var links []*url.URL
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		if n, ok := normalize(u); ok {
			links = append(links, n)
		}
	})
	return links
}
