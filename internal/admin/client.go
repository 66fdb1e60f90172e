package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/webpeasy/internal/regenerate"
)

// Client drives the ajax endpoints of a remote admin API. It implements
// regenerate.Batcher so a sweep can run against a live site.
type Client struct {
	base    string
	session string
	http    *http.Client

	nonce string

	// MaxRetries bounds retries of a rate-limited request.
	MaxRetries int
	// Backoff is used when the server sends no Retry-After.
	Backoff time.Duration
}

var _ regenerate.Batcher = (*Client)(nil)

// NewClient targets baseURL, the site URL including the admin prefix.
func NewClient(baseURL, sessionToken string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		base:       strings.TrimSuffix(baseURL, "/"),
		session:    sessionToken,
		http:       hc,
		MaxRetries: 5,
		Backoff:    time.Second,
	}
}

// APIError is a failure envelope or an unexpected response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin API %d: %s", e.Status, e.Message)
}

// CountImages asks for the number of convertible images.
func (c *Client) CountImages(ctx context.Context) (int, error) {
	var data struct {
		Total int `json:"total"`
	}
	if err := c.ajax(ctx, ActionImageCount, nil, &data); err != nil {
		return 0, err
	}
	return data.Total, nil
}

// ProcessBatch regenerates one remote batch.
func (c *Client) ProcessBatch(ctx context.Context, offset, limit int) (regenerate.Result, error) {
	var res regenerate.Result
	form := url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.ajax(ctx, ActionRegenerateBatch, form, &res); err != nil {
		return regenerate.Result{}, err
	}
	return res, nil
}

// Nonce fetches, and caches, the batch nonce for the session.
func (c *Client) Nonce(ctx context.Context) (string, error) {
	if c.nonce != "" {
		return c.nonce, nil
	}
	var data struct {
		Nonce string `json:"nonce"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/nonce?action="+url.QueryEscape(NonceAction), nil)
	if err != nil {
		return "", err
	}
	if err := c.do(req, &data); err != nil {
		return "", fmt.Errorf("failed to fetch nonce: %w", err)
	}
	c.nonce = data.Nonce
	return c.nonce, nil
}

func (c *Client) ajax(ctx context.Context, action string, form url.Values, out any) error {
	nonce, err := c.Nonce(ctx)
	if err != nil {
		return err
	}
	if form == nil {
		form = url.Values{}
	}
	form.Set("action", action)
	form.Set("nonce", nonce)
	body := form.Encode()

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/ajax?action="+url.QueryEscape(action), strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		err = c.do(req, out)
		var limited *rateLimitedError
		if !errors.As(err, &limited) || attempt >= c.MaxRetries {
			return err
		}

		wait := limited.retryAfter
		if wait <= 0 {
			wait = c.Backoff
		}
		log.Debug().Str("action", action).Dur("wait", wait).Int("attempt", attempt+1).Msg("Rate limited, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

type rateLimitedError struct {
	retryAfter time.Duration
	APIError
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.session)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	if !env.Success {
		var fail failureData
		json.Unmarshal(env.Data, &fail)
		apiErr := APIError{Status: resp.StatusCode, Message: fail.Message}
		if resp.StatusCode == http.StatusTooManyRequests {
			secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			return &rateLimitedError{retryAfter: time.Duration(secs) * time.Second, APIError: apiErr}
		}
		return &apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
