package wpt

import (
	"encoding/json"
	"fmt"
	"time"
)

// timestampLayout matches the UTC timestamps emitted by wpt.fyi. Fractional
// seconds are optional when parsing.
const timestampLayout = "2006-01-02T15:04:05Z"

// RunSummary is one test run as reported by the results service. Raw holds
// the complete JSON object so it can be stored verbatim.
type RunSummary struct {
	ID             int64    `json:"id"`
	BrowserName    string   `json:"browser_name"`
	BrowserVersion string   `json:"browser_version"`
	OSName         string   `json:"os_name"`
	OSVersion      string   `json:"os_version"`
	Revision       string   `json:"revision"`
	FullRevision   string   `json:"full_revision_hash"`
	ResultsURL     string   `json:"results_url"`
	CreatedAt      string   `json:"created_at"`
	TimeStart      string   `json:"time_start"`
	TimeEnd        string   `json:"time_end"`
	Labels         []string `json:"labels"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps a copy of the raw object.
func (r *RunSummary) UnmarshalJSON(data []byte) error {
	type plain RunSummary

	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	*r = RunSummary(p)
	r.Raw = append(json.RawMessage(nil), data...)

	return nil
}

// Times parses the created, start and end timestamps of the run.
func (r *RunSummary) Times() (createdAt, timeStart, timeEnd time.Time, err error) {
	if createdAt, err = ParseTimestamp(r.CreatedAt); err != nil {
		return time.Time{}, time.Time{}, time.Time{}, fmt.Errorf("created_at: %w", err)
	}

	if timeStart, err = ParseTimestamp(r.TimeStart); err != nil {
		return time.Time{}, time.Time{}, time.Time{}, fmt.Errorf("time_start: %w", err)
	}

	if timeEnd, err = ParseTimestamp(r.TimeEnd); err != nil {
		return time.Time{}, time.Time{}, time.Time{}, fmt.Errorf("time_end: %w", err)
	}

	return createdAt, timeStart, timeEnd, nil
}

// LegacyStatus is the summarized outcome of a test file.
type LegacyStatus struct {
	Total  int    `json:"total"`
	Passes int    `json:"passes"`
	Status string `json:"status"`
}

// SubtestResult is one test path with its status history; the first
// entry of LegacyStatus belongs to the requested run.
type SubtestResult struct {
	Test         string         `json:"test"`
	LegacyStatus []LegacyStatus `json:"legacy_status"`
}

// SearchResults is the response of the search endpoint.
type SearchResults struct {
	Runs    []RunSummary    `json:"runs"`
	Results []SubtestResult `json:"results"`
}

// RunsQuery filters the runs listing.
type RunsQuery struct {
	Products []string
	Labels   []string
	From     time.Time
	To       time.Time
	MaxCount int
}

// ParseTimestamp parses a results-service timestamp as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}

	return t.UTC(), nil
}

// FormatTimestamp formats t the way the runs endpoint expects, truncated to
// whole seconds.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
