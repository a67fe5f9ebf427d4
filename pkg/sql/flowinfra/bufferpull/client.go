// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package bufferpull

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/stratumdb/stratum/pkg/sql/flowinfra/outputbuf"
	"github.com/stratumdb/stratum/pkg/util/humanizeutil"
	"github.com/stratumdb/stratum/pkg/util/retry"
)

// ClientConfig tunes a pull client. Zero values select defaults.
type ClientConfig struct {
	// HTTPClient is the underlying transport. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// MaxSize bounds the byte size of a single response.
	MaxSize int64
	// RetryOptions governs backoff on transport errors.
	RetryOptions retry.Options
}

// Client pulls the pages of one named buffer from a remote task, in order.
// Advancing to the next token acknowledges the pages already received, so a
// page the client has returned is a page the server may drop. Not safe for
// concurrent use.
type Client struct {
	baseURL    string
	taskID     outputbuf.TaskID
	bufferID   string
	httpClient *http.Client
	maxSize    int64
	retryOpts  retry.Options

	token    int64
	complete bool
}

// NewClient builds a client pulling bufferID of taskID from the pull server
// at baseURL.
func NewClient(
	baseURL string, taskID outputbuf.TaskID, bufferID string, cfg ClientConfig,
) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultMaxSize
	}
	return &Client{
		baseURL:    baseURL,
		taskID:     taskID,
		bufferID:   bufferID,
		httpClient: cfg.HTTPClient,
		maxSize:    cfg.MaxSize,
		retryOpts:  cfg.RetryOptions,
	}
}

// Token returns the next sequence token the client will request.
func (c *Client) Token() int64 {
	return c.token
}

// Complete returns true once the stream has been fully delivered.
func (c *Client) Complete() bool {
	return c.complete
}

// Next fetches the next run of pages. It returns an empty slice when the
// server-side wait budget expired without pages; callers simply call Next
// again. done is true once the final page has been delivered, after which
// Next returns no further pages. Transport errors are retried with backoff
// until the context is done or RetryOptions.MaxRetries, if set, is used up.
func (c *Client) Next(ctx context.Context) (pages []*BytesPage, done bool, err error) {
	if c.complete {
		return nil, true, nil
	}

	var lastErr error
	for r := retry.StartWithCtx(ctx, c.retryOpts); r.Next(); {
		pages, err := c.fetchOnce(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		return pages, c.complete, nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, false, errors.Wrapf(lastErr,
		"fetching results for task %s buffer %s at token %d", c.taskID, c.bufferID, c.token)
}

func (c *Client) fetchOnce(ctx context.Context) ([]*BytesPage, error) {
	url := fmt.Sprintf("%s/v1/task/%s/results/%s/%d", c.baseURL, c.taskID, c.bufferID, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(maxSizeHeader, humanizeutil.IBytes(c.maxSize))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Newf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	nextToken, err := strconv.ParseInt(resp.Header.Get(pageNextTokenHeader), 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parsing next token header")
	}
	complete, err := strconv.ParseBool(resp.Header.Get(bufferCompleteHeader))
	if err != nil {
		return nil, errors.Wrap(err, "parsing buffer complete header")
	}
	pages, err := ReadPages(resp.Body)
	if err != nil {
		return nil, err
	}

	c.token = nextToken
	c.complete = complete
	return pages, nil
}

// Close tells the server the client is done with the buffer, releasing its
// claim on undelivered pages. Safe to call at any point in the fetch loop.
func (c *Client) Close(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/task/%s/results/%s", c.baseURL, c.taskID, c.bufferID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return errors.Newf("unexpected status %d aborting buffer %s", resp.StatusCode, c.bufferID)
	}
	return nil
}
