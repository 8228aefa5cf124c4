package wpt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ladybirdbrowser/wptsync/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrUnexpectedStatus is wrapped by StatusError.
var ErrUnexpectedStatus = errors.New("unexpected status from wpt")

// StatusError reports a non-success HTTP status other than 404.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to fetch data from WPT (%d %s)", e.Code, e.Reason)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// Client is the consumed API of the remote results service.
type Client interface {
	// GetResultsForRuns returns the run records and all subtest results
	// for the given run IDs. Unknown runs yield an empty result.
	GetResultsForRuns(ctx context.Context, runIDs []int64) (*SearchResults, error)

	// GetRunsInTimeRange lists runs whose start time falls inside the
	// query window, truncated at MaxCount.
	GetRunsInTimeRange(ctx context.Context, q RunsQuery) ([]RunSummary, error)
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log        logrus.FieldLogger
	baseURL    string
	userAgent  string
	httpClient *http.Client
	retry      retryPolicy
}

// NewClient creates a client for the configured results service.
func NewClient(log logrus.FieldLogger, cfg *config.WPTConfig) Client {
	return &client{
		log:        log.WithField("component", "wpt-client"),
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.TimeoutDuration()},
		retry: retryPolicy{
			maxRetries: cfg.MaxRetries,
			backoff:    cfg.RetryBackoffDuration(),
		},
	}
}

// GetResultsForRuns posts the run IDs to the search endpoint.
func (c *client) GetResultsForRuns(
	ctx context.Context, runIDs []int64,
) (*SearchResults, error) {
	body, err := json.Marshal(map[string][]int64{"run_ids": runIDs})
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	var results SearchResults
	if err := c.execute(
		ctx, http.MethodPost, c.baseURL+"/api/search", body, &results,
	); err != nil {
		return nil, fmt.Errorf("fetching results for runs: %w", err)
	}

	return &results, nil
}

// GetRunsInTimeRange queries the runs endpoint.
func (c *client) GetRunsInTimeRange(
	ctx context.Context, q RunsQuery,
) ([]RunSummary, error) {
	params := url.Values{}
	for _, label := range q.Labels {
		params.Add("label", label)
	}

	params.Set("max-count", strconv.Itoa(q.MaxCount))
	params.Set("from", FormatTimestamp(q.From))
	params.Set("to", FormatTimestamp(q.To))

	for _, product := range q.Products {
		params.Add("product", product)
	}

	var runs []RunSummary
	if err := c.execute(
		ctx, http.MethodGet, c.baseURL+"/api/runs?"+params.Encode(), nil, &runs,
	); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// execute performs the request with retries and decodes the JSON body into
// out. A 404 leaves out untouched.
func (c *client) execute(
	ctx context.Context, method, reqURL string, body []byte, out any,
) error {
	return c.retry.do(ctx, c.log, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return permanent(fmt.Errorf("creating request: %w", err))
		}

		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		c.log.WithField("method", method).
			WithField("url", reqURL).
			Debug("Requesting wpt")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil
		case resp.StatusCode != http.StatusOK:
			statusErr := &StatusError{
				Code:   resp.StatusCode,
				Reason: http.StatusText(resp.StatusCode),
			}

			if isTransientStatus(resp.StatusCode) {
				return statusErr
			}

			return permanent(statusErr)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return permanent(fmt.Errorf("decoding response: %w", err))
		}

		return nil
	})
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
