// Package content supplies the broadcast text.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultURL      = "https://zenquotes.io/api/today"
	DefaultTimeout  = 10 * time.Second
	DefaultCacheTTL = time.Hour
)

// Provider returns the text to broadcast. Errors are transient by nature;
// the caller falls back to Fallback().
type Provider interface {
	Fetch(ctx context.Context) (string, error)
}

// ErrUpstream wraps every failure talking to the quote service.
var ErrUpstream = errors.New("quote upstream")

type Quote struct {
	Text   string
	Author string
}

func (q Quote) format(title string) string {
	return fmt.Sprintf("📖 **%s**\n\n_%s_\n\n— **%s**", title, q.Text, q.Author)
}

// Daily renders q the way a fetched quote is sent.
func Daily(q Quote) string { return q.format("Daily Quote") }

var fallbackQuotes = []Quote{
	{Text: "In its prime, it dispensed wisdom. Now, it dispenses silence. Even the bot must rest.", Author: "[René Ruts](https://github.com/ReneRuts)"},
	{Text: "The bot is currently experiencing an existential crisis. Please check back when it finds meaning again.", Author: "The Bot Gods"},
	{Text: "404: Wisdom not found. But hey, at least the bot tried.", Author: "Anonymous Developer"},
	{Text: "The quote bot took a day off. Even bots need mental health days.", Author: "The Bot Union"},
	{Text: "Error: Too wise for the internet today. Please try again when reality is more stable.", Author: "System Administrator"},
}

// Fallback returns one of the fixed fallback quotes, chosen at random.
func Fallback() string {
	return fallbackQuotes[rand.IntN(len(fallbackQuotes))].format("Bonus Quote")
}

type Options struct {
	URL      string
	Timeout  time.Duration
	CacheTTL time.Duration // <0 disables caching
	Client   *http.Client
}

// ZenQuotes fetches the quote of the day. Successful results are cached for
// CacheTTL and concurrent callers share one in-flight request, so a tick with
// many due tenants hits the API once.
type ZenQuotes struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	cached   string
	cachedAt time.Time
}

func NewZenQuotes(opts Options) *ZenQuotes {
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = DefaultURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &ZenQuotes{url: opts.URL, ttl: opts.CacheTTL, client: client, now: time.Now}
}

func (z *ZenQuotes) Fetch(ctx context.Context) (string, error) {
	if s, ok := z.fromCache(); ok {
		return s, nil
	}
	v, err, _ := z.group.Do("today", func() (any, error) {
		if s, ok := z.fromCache(); ok {
			return s, nil
		}
		q, err := z.fetch(ctx)
		if err != nil {
			return "", err
		}
		s := Daily(q)
		if z.ttl > 0 {
			z.mu.Lock()
			z.cached, z.cachedAt = s, z.now()
			z.mu.Unlock()
		}
		return s, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (z *ZenQuotes) fromCache() (string, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.cached == "" || z.ttl <= 0 || z.now().Sub(z.cachedAt) >= z.ttl {
		return "", false
	}
	return z.cached, true
}

type zenQuote struct {
	Q string `json:"q"`
	A string `json:"a"`
}

func (z *ZenQuotes) fetch(ctx context.Context) (Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, z.url, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := z.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Quote{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var body []zenQuote
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	if len(body) == 0 || strings.TrimSpace(body[0].Q) == "" {
		return Quote{}, fmt.Errorf("%w: empty response", ErrUpstream)
	}
	q := Quote{Text: strings.TrimSpace(body[0].Q), Author: strings.TrimSpace(body[0].A)}
	if q.Author == "" {
		q.Author = "Unknown"
	}
	return q, nil
}
