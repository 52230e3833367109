// Package resolver looks up the media attached to a tweet through a
// vxtwitter-compatible API.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/k2angel/watcher/pkg/logger"
	"github.com/k2angel/watcher/pkg/utils"
)

// Media is one media URL referenced by a post. Format, when set, is the file
// extension the media should be stored with.
type Media struct {
	URL    string
	Format string
}

type ErrorKind int

const (
	Unreachable ErrorKind = iota
	BadStatus
	Malformed
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case BadStatus:
		return "bad_status"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// ResolutionError is returned when a post could not be resolved.
type ResolutionError struct {
	URL        string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ResolutionError) Error() string {
	switch e.Kind {
	case BadStatus:
		return fmt.Sprintf("resolve %s: unexpected status %d", e.URL, e.StatusCode)
	case Malformed:
		return fmt.Sprintf("resolve %s: malformed response: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("resolve %s: %v", e.URL, e.Err)
	}
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type response struct {
	MediaURLs []string `json:"mediaURLs"`
}

// Options tunes a Client. Zero values mean no pacing and a 30s timeout.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
}

type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{http: hc}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// Resolve fetches apiURL and returns the media it lists. An empty or missing
// list is not an error.
func (c *Client) Resolve(ctx context.Context, apiURL string) ([]Media, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &ResolutionError{URL: apiURL, Kind: Unreachable, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, &ResolutionError{URL: apiURL, Kind: Unreachable, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ResolutionError{URL: apiURL, Kind: Unreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &ResolutionError{URL: apiURL, Kind: BadStatus, StatusCode: resp.StatusCode}
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &ResolutionError{URL: apiURL, Kind: Malformed, StatusCode: resp.StatusCode, Err: err}
	}

	media := make([]Media, 0, len(body.MediaURLs))
	for _, u := range body.MediaURLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		media = append(media, Media{URL: u, Format: utils.FormatParam(u)})
	}

	logger.DebugCF("resolver", "Resolved share-link", map[string]interface{}{
		"url":   apiURL,
		"media": len(media),
	})
	return media, nil
}
