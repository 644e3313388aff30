// Package health polls the bot's optional HTTP health endpoint.
package health

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

var (
	ErrNoEndpoint = errors.New("no health endpoint configured")
	ErrUnhealthy  = errors.New("bot reported unhealthy")
)

type Result struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	Body       string        `json:"body,omitempty"`
}

type Checker struct {
	client *resty.Client
	url    string
}

func NewChecker(url string, timeout time.Duration, retries int) *Checker {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= 500
		})
	return &Checker{client: client, url: url}
}

// Check performs a GET against the endpoint. Any 2xx answer is healthy.
func (c *Checker) Check(ctx context.Context) (Result, error) {
	if c.url == "" {
		return Result{}, ErrNoEndpoint
	}

	start := time.Now()
	resp, err := c.client.R().SetContext(ctx).Get(c.url)
	res := Result{URL: c.url, Latency: time.Since(start)}
	if err != nil {
		return res, errors.Wrapf(err, "GET %s", c.url)
	}

	res.StatusCode = resp.StatusCode()
	body := resp.String()
	if len(body) > 512 {
		body = body[:512]
	}
	res.Body = body

	if !resp.IsSuccess() {
		return res, errors.Wrapf(ErrUnhealthy, "status %d", res.StatusCode)
	}
	return res, nil
}
