package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PrometheusBackend is the Backend implementation for a Prometheus (or
// Prometheus-compatible) HTTP API: /api/v1/query and /api/v1/query_range.
type PrometheusBackend struct {
	Endpoint      string
	BearerToken   string
	Username      string
	Password      string
	Timeout       time.Duration
	httpClient    *http.Client
}

func NewPrometheusBackend(endpoint string, timeout time.Duration) *PrometheusBackend {
	return &PrometheusBackend{
		Endpoint: endpoint,
		Timeout:  timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *PrometheusBackend) Probe(ctx context.Context) error {
	_, err := p.InstantQuery(ctx, "up", time.Now())
	return err
}

func (p *PrometheusBackend) InstantQuery(ctx context.Context, query string, at time.Time) ([]Sample, error) {
	values := url.Values{}
	values.Set("query", query)
	values.Set("time", strconv.FormatInt(at.Unix(), 10))

	body, err := p.do(ctx, "/api/v1/query", values)
	if err != nil {
		return nil, err
	}
	return parseVectorResponse(body)
}

func (p *PrometheusBackend) RangeQuery(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error) {
	values := url.Values{}
	values.Set("query", query)
	values.Set("start", strconv.FormatInt(start.Unix(), 10))
	values.Set("end", strconv.FormatInt(end.Unix(), 10))
	values.Set("step", fmt.Sprintf("%ds", int(step.Seconds())))

	body, err := p.do(ctx, "/api/v1/query_range", values)
	if err != nil {
		return nil, err
	}
	return parseMatrixResponse(body)
}

func (p *PrometheusBackend) do(ctx context.Context, path string, values url.Values) ([]byte, error) {
	reqURL := p.Endpoint + path + "?" + values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: build request: %w", err)
	}

	switch {
	case p.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+p.BearerToken)
	case p.Username != "":
		req.SetBasicAuth(p.Username, p.Password)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metrics: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("metrics: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics: %s returned %d: %s", path, resp.StatusCode, body)
	}
	return body, nil
}

type apiResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ResultType string          `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
}

type vectorResult struct {
	Metric map[string]string `json:"metric"`
	Value  [2]json.RawMessage `json:"value"`
}

type matrixResult struct {
	Metric map[string]string    `json:"metric"`
	Values [][2]json.RawMessage `json:"values"`
}

func parseVectorResponse(body []byte) ([]Sample, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("metrics: decode response: %w", err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("metrics: query error: %s", resp.Error)
	}

	var results []vectorResult
	if err := json.Unmarshal(resp.Data.Result, &results); err != nil {
		return nil, fmt.Errorf("metrics: decode vector result: %w", err)
	}

	samples := make([]Sample, 0, len(results))
	for _, r := range results {
		s, err := toSample(r.Metric, r.Value)
		if err != nil {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func parseMatrixResponse(body []byte) ([]Sample, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("metrics: decode response: %w", err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("metrics: query error: %s", resp.Error)
	}

	var results []matrixResult
	if err := json.Unmarshal(resp.Data.Result, &results); err != nil {
		return nil, fmt.Errorf("metrics: decode matrix result: %w", err)
	}

	samples := make([]Sample, 0)
	for _, r := range results {
		for _, v := range r.Values {
			s, err := toSample(r.Metric, v)
			if err != nil {
				continue
			}
			samples = append(samples, s)
		}
	}
	return samples, nil
}

// toSample parses a Prometheus [timestamp, value] pair, where timestamp
// is a JSON number (seconds, possibly fractional) and value is a
// JSON string.
func toSample(metric map[string]string, pair [2]json.RawMessage) (Sample, error) {
	var ts float64
	if err := json.Unmarshal(pair[0], &ts); err != nil {
		return Sample{}, fmt.Errorf("metrics: parse timestamp: %w", err)
	}
	var valueStr string
	if err := json.Unmarshal(pair[1], &valueStr); err != nil {
		return Sample{}, fmt.Errorf("metrics: parse value: %w", err)
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("metrics: parse value %q: %w", valueStr, err)
	}
	return Sample{
		TS:     time.Unix(int64(ts), 0).UTC(),
		Value:  value,
		Labels: metric,
	}, nil
}
