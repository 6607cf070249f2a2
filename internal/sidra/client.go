// Package sidra is the client for the IBGE aggregates API (v3), the service
// behind SIDRA tables. It covers the discovery endpoints the collector
// walks (aggregates by subject, metadata, periods) and the final data
// fetch.
package sidra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"sidragent/internal/config"
	"sidragent/internal/logging"
)

// DefaultBaseURL is the production endpoint.
const DefaultBaseURL = "https://servicodados.ibge.gov.br/api"

// Client talks to the aggregates API with retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// NewClient creates a client from configuration.
func NewClient(cfg config.SidraConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.GetTimeout(),
		},
		maxRetries: maxRetries,
	}
}

// AggregatesBySubject lists the aggregate tables published under a subject,
// grouped by survey. GET /v3/agregados?assunto={id}
func (c *Client) AggregatesBySubject(ctx context.Context, subjectID string) ([]ResearchGroup, error) {
	timer := logging.StartTimer(logging.CategorySidra, "AggregatesBySubject")
	defer timer.Stop()

	endpoint := fmt.Sprintf("%s/v3/agregados?assunto=%s", c.baseURL, url.QueryEscape(subjectID))

	var groups []ResearchGroup
	if err := c.getJSON(ctx, endpoint, &groups); err != nil {
		return nil, fmt.Errorf("failed to list aggregates for subject %s: %w", subjectID, err)
	}

	logging.Sidra("Subject %s has %d research groups", subjectID, len(groups))
	return groups, nil
}

// AggregateMetadata fetches an aggregate's metadata and merges in its
// period list. A failure on the periods endpoint is not fatal; the caller
// falls back to the periodicity range.
func (c *Client) AggregateMetadata(ctx context.Context, aggregateID string) (*Metadata, error) {
	timer := logging.StartTimer(logging.CategorySidra, "AggregateMetadata")
	defer timer.Stop()

	endpoint := fmt.Sprintf("%s/v3/agregados/%s/metadados", c.baseURL, url.PathEscape(aggregateID))

	var meta Metadata
	if err := c.getJSON(ctx, endpoint, &meta); err != nil {
		// Some deployments wrap the object in a single-element list.
		var metaList []Metadata
		if listErr := c.getJSON(ctx, endpoint, &metaList); listErr != nil || len(metaList) == 0 {
			return nil, fmt.Errorf("failed to fetch metadata for aggregate %s: %w", aggregateID, err)
		}
		meta = metaList[0]
	}

	periods, err := c.aggregatePeriods(ctx, aggregateID)
	if err != nil {
		logging.Get(logging.CategorySidra).Warn("Periods fetch failed for aggregate %s: %v", aggregateID, err)
	} else {
		meta.Periodos = periods
	}

	logging.Sidra("Aggregate %s: %d variables, %d classifications, %d periods",
		aggregateID, len(meta.Variaveis), len(meta.Classificacoes), len(meta.Periodos))
	return &meta, nil
}

// aggregatePeriods lists an aggregate's available periods.
// GET /v3/agregados/{id}/periodos
func (c *Client) aggregatePeriods(ctx context.Context, aggregateID string) ([]Period, error) {
	endpoint := fmt.Sprintf("%s/v3/agregados/%s/periodos", c.baseURL, url.PathEscape(aggregateID))
	var periods []Period
	if err := c.getJSON(ctx, endpoint, &periods); err != nil {
		return nil, err
	}
	return periods, nil
}

// DataRequest addresses one data fetch.
type DataRequest struct {
	AggregateID string
	PeriodID    string
	VariableID  string

	// Localities is the localidades query value, e.g. "N1[all]" or
	// "N3[33,35]".
	Localities string

	// Classifications maps classification id to selected category ids.
	// An empty slice selects all categories of that classification.
	Classifications map[string][]string
}

// FetchData retrieves the series for one aggregate, period and variable.
// GET /v3/agregados/{a}/periodos/{p}/variaveis/{v}?localidades=...
func (c *Client) FetchData(ctx context.Context, req DataRequest) ([]VariableData, error) {
	timer := logging.StartTimer(logging.CategorySidra, "FetchData")
	defer timer.Stop()

	if req.AggregateID == "" || req.PeriodID == "" || req.VariableID == "" {
		return nil, fmt.Errorf("data request needs aggregate, period and variable ids")
	}

	localities := req.Localities
	if localities == "" {
		localities = "N1[all]"
	}

	query := url.Values{}
	query.Set("localidades", localities)
	if clf := FormatClassifications(req.Classifications); clf != "" {
		query.Set("classificacao", clf)
	}

	endpoint := fmt.Sprintf("%s/v3/agregados/%s/periodos/%s/variaveis/%s?%s",
		c.baseURL,
		url.PathEscape(req.AggregateID),
		url.PathEscape(req.PeriodID),
		url.PathEscape(req.VariableID),
		query.Encode(),
	)

	var data []VariableData
	if err := c.getJSON(ctx, endpoint, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch data for aggregate %s: %w", req.AggregateID, err)
	}

	logging.Sidra("Fetched %d variable series for aggregate %s period %s", len(data), req.AggregateID, req.PeriodID)
	return data, nil
}

// FormatClassifications renders the classificacao query value: each entry
// as "id[all]" or "id[c1,c2]", joined with "|". Keys are sorted so the
// same request always builds the same URL.
func FormatClassifications(classifications map[string][]string) string {
	if len(classifications) == 0 {
		return ""
	}

	ids := make([]string, 0, len(classifications))
	for id := range classifications {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		cats := classifications[id]
		if len(cats) == 0 {
			parts = append(parts, fmt.Sprintf("%s[all]", id))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s[%s]", id, strings.Join(cats, ",")))
	}
	return strings.Join(parts, "|")
}

// getJSON fetches a URL and decodes the JSON body, retrying transient
// failures with exponential backoff.
func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			logging.SidraDebug("Retry %d for %s after %v", attempt, endpoint, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		body, err := c.doGet(ctx, endpoint)
		if err != nil {
			lastErr = err
			if !isRetryable(err) {
				return err
			}
			continue
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
		}
		return nil
	}

	return fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, lastErr)
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	if se, ok := err.(*httpStatusError); ok {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	// Transport errors are retried.
	return true
}

func (c *Client) doGet(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode, body: truncate(string(body), 300)}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
