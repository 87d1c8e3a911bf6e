// Package chatapi is the client for the chat vendor's REST API. It is the
// engine's only source of waiting contacts and its only way to send messages.
//
// Resilience lives in two places on purpose: this client rate-limits and
// circuit-breaks every call, while retry/backoff belongs to the dispatch
// orchestrator. Errors are classified (transient vs permanent, with
// Retry-After hints) so the orchestrator can decide without knowing HTTP.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"waitline/internal/dispatch"
	"waitline/internal/flow"
	logx "waitline/pkg/logx"
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration // per request
	RatePerSec int
	Burst      int

	BreakerMaxFailures int
	BreakerOpenFor     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerSec
	}
	if c.BreakerMaxFailures <= 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 30 * time.Second
	}
	return c
}

// Client implements flow.Source and flow.Notifier against the vendor API.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("chatapi: invalid base url %q", cfg.BaseURL)
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "chatapi",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Warn("chatapi breaker state change",
				logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})

	return &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log,
	}, nil
}

// wireContact is the vendor's JSON shape for a queued contact.
type wireContact struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone"`
	SectorID        string    `json:"sector_id"`
	ChannelID       string    `json:"channel_id"`
	ChannelCategory string    `json:"channel_category"`
	WaitingSince    time.Time `json:"waiting_since"`
}

// FetchWaiting returns the current queue snapshot.
func (c *Client) FetchWaiting(ctx context.Context) ([]flow.Contact, error) {
	var payload struct {
		Contacts []wireContact `json:"contacts"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/queue/waiting", nil, &payload); err != nil {
		return nil, fmt.Errorf("chatapi: fetch waiting: %w", err)
	}

	contacts := make([]flow.Contact, 0, len(payload.Contacts))
	for _, w := range payload.Contacts {
		contacts = append(contacts, flow.Contact{
			ID:              w.ID,
			Name:            w.Name,
			Phone:           w.Phone,
			SectorID:        w.SectorID,
			ChannelID:       w.ChannelID,
			ChannelCategory: w.ChannelCategory,
			WaitingSince:    w.WaitingSince,
		})
	}
	return contacts, nil
}

// Send delivers a templated message to one contact.
func (c *Client) Send(ctx context.Context, contact flow.Contact, templateRef string) error {
	body := map[string]string{
		"contact_id": contact.ID,
		"phone":      contact.Phone,
		"template":   templateRef,
	}
	return c.call(ctx, http.MethodPost, "/v1/messages/template", body, nil)
}

// SendFallback delivers a plain-text message, used when the templated path
// is exhausted.
func (c *Client) SendFallback(ctx context.Context, contact flow.Contact, text string) error {
	body := map[string]string{
		"contact_id": contact.ID,
		"phone":      contact.Phone,
		"text":       text,
	}
	return c.call(ctx, http.MethodPost, "/v1/messages/text", body, nil)
}

// call runs one request through the limiter and the breaker, decoding a JSON
// response into out when out is non-nil.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return dispatch.NoRetry(fmt.Errorf("encode request: %w", err))
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rdr)
	if err != nil {
		return dispatch.NoRetry(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			// Count server errors against the breaker.
			resp.Body.Close()
			return nil, statusError{code: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classify(httpError(resp))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
