// Package source fetches course availability snapshots from the scraper
// service sitting in front of the enrollment site.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"

	"slotbot/internal/course"
)

// Fetcher is what the poller consumes. Implemented by Client; tests
// substitute fakes.
type Fetcher interface {
	Fetch(ctx context.Context, courseCode, studentID string) (*course.Snapshot, error)
}

// Config holds scraper endpoint settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the scraper over HTTP. Safe for concurrent use; the
// underlying fasthttp client pools connections per host.
type Client struct {
	base    string
	timeout time.Duration
	cli     *fasthttp.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:    cfg.BaseURL,
		timeout: timeout,
		cli: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

// Fetch retrieves the current sections of one course as seen by the
// given student ID. Errors wrap the package sentinels; see errors.go.
func (c *Client) Fetch(ctx context.Context, courseCode, studentID string) (*course.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(c.scrapeURL(courseCode, studentID))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.SetTimeout(c.timeout)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.cli.DoDeadline(req, resp, deadline); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	} else if err := c.cli.Do(req, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, courseCode)
	case fasthttp.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: status 503 for %s", ErrBlocked, courseCode)
	default:
		return nil, fmt.Errorf("%w: status %d for %s", ErrUnavailable, resp.StatusCode(), courseCode)
	}

	body := resp.Body()
	if bytes.EqualFold(resp.Header.Peek("Content-Encoding"), []byte("gzip")) {
		var err error
		if body, err = resp.BodyGunzip(); err != nil {
			return nil, fmt.Errorf("%w: gunzip: %v", ErrMalformed, err)
		}
	}
	return decodeSnapshot(courseCode, body)
}

func (c *Client) scrapeURL(courseCode, studentID string) string {
	q := url.Values{}
	q.Set("course", courseCode)
	q.Set("id_no", studentID)
	return c.base + "/scrape?" + q.Encode()
}

func decodeSnapshot(courseCode string, body []byte) (*course.Snapshot, error) {
	var sections []course.Section
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sections); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformed, courseCode, err)
	}
	sn, err := course.NewSnapshot(courseCode, time.Now(), sections)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return sn, nil
}
