package yieldlinesdk

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
)

// Client is a minimal Yieldline HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Counts mirrors the record counts reported by /health.
type Counts struct {
	Steps        int `json:"process_step_definitions"`
	CTQs         int `json:"ctq_definitions"`
	Units        int `json:"units"`
	Executions   int `json:"process_step_executions"`
	Measurements int `json:"measurements"`
	Lots         int `json:"component_lots"`
	Fixtures     int `json:"fixtures"`
	Episodes     int `json:"episodes"`
}

type Health struct {
	Status  string `json:"status"`
	Counts  Counts `json:"counts"`
	HasData bool   `json:"has_data"`
}

// Station is one row of the station metrics report (partial).
type Station struct {
	StepID     int64   `json:"step_id"`
	Code       string  `json:"code"`
	Name       string  `json:"name"`
	IsExcluded bool    `json:"is_excluded"`
	Throughput int     `json:"throughput"`
	FPY        float64 `json:"fpy"`
	Yield      float64 `json:"yield"`
	ReworkRate float64 `json:"rework_rate"`
	ScrapRate  float64 `json:"scrap_rate"`
}

type StationReport struct {
	Window        string    `json:"window"`
	Stations      []Station `json:"stations"`
	WorstByFPY    *Station  `json:"worst_by_fpy,omitempty"`
	WorstByRework *Station  `json:"worst_by_rework,omitempty"`
}

// Scenario is a flagged station regression.
type Scenario struct {
	ID                string  `json:"id"`
	Type              string  `json:"type"`
	Severity          string  `json:"severity"`
	Title             string  `json:"title"`
	StationCode       string  `json:"station_code"`
	Baseline          float64 `json:"baseline"`
	Current           float64 `json:"current"`
	Delta             float64 `json:"delta"`
	RecommendedAction string  `json:"recommended_action"`
}

type TrendReport struct {
	Anchor    *time.Time `json:"anchor,omitempty"`
	Scenarios []Scenario `json:"scenarios"`
}

// SimilarityQuery is the incident context episodes are ranked against.
type SimilarityQuery struct {
	StepIDs      []int64  `json:"step_ids,omitempty"`
	CTQIDs       []int64  `json:"ctq_ids,omitempty"`
	LotIDs       []int64  `json:"lot_ids,omitempty"`
	FixtureIDs   []int64  `json:"fixture_ids,omitempty"`
	FailureCodes []string `json:"failure_codes,omitempty"`
	TopN         int      `json:"top_n,omitempty"`
}

// Episode is a root-cause investigation (partial).
type Episode struct {
	ID                int64  `json:"id"`
	Title             string `json:"title"`
	Summary           string `json:"summary"`
	Status            string `json:"status"`
	RootCauseCategory string `json:"root_cause_category"`
}

type EpisodeMatch struct {
	Episode Episode `json:"episode"`
	Score   float64 `json:"score"`
	Why     string  `json:"why"`
}

// TraceStep is one execution in a unit trace (partial).
type TraceStep struct {
	ID              int64     `json:"id"`
	StepCode        string    `json:"step_code"`
	Result          string    `json:"result"`
	EffectiveAt     time.Time `json:"effective_at"`
	EffectiveResult string    `json:"effective_result"`
	ReworkLoopID    *string   `json:"rework_loop_id,omitempty"`
	LoopOrdinal     int       `json:"loop_ordinal,omitempty"`
	LoopPosition    string    `json:"loop_position,omitempty"`
}

type UnitTrace struct {
	Unit struct {
		ID     int64  `json:"id"`
		Serial string `json:"serial"`
	} `json:"unit"`
	DuplicateSerial bool           `json:"duplicate_serial"`
	FinalResult     *string        `json:"final_result,omitempty"`
	ReworkLoopCount int            `json:"rework_loop_count"`
	Executions      []TraceStep    `json:"executions"`
	Episodes        []EpisodeMatch `json:"episodes"`
}

// ImportResult counts what one snapshot import wrote.
type ImportResult struct {
	BatchID      string `json:"batch_id"`
	RequestID    string `json:"request_id"`
	Records      int    `json:"records"`
	Steps        int    `json:"steps"`
	CTQs         int    `json:"ctqs"`
	Lots         int    `json:"lots"`
	Fixtures     int    `json:"fixtures"`
	Units        int    `json:"units"`
	Executions   int    `json:"executions"`
	Measurements int    `json:"measurements"`
	Episodes     int    `json:"episodes"`
}

// Event represents an import log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	BatchID string         `json:"batch_id"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health returns record counts.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// StationMetrics returns per-station yield for last8h, last24h or last7d.
func (c *Client) StationMetrics(ctx context.Context, window string) (StationReport, error) {
	endpoint := "stations"
	if window != "" {
		endpoint += "?window=" + url.QueryEscape(window)
	}
	var resp StationReport
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Trends returns flagged station regressions.
func (c *Client) Trends(ctx context.Context) (TrendReport, error) {
	var resp TrendReport
	err := c.do(ctx, http.MethodGet, "trends", nil, &resp)
	return resp, err
}

// SimilarEpisodes ranks past episodes against q.
func (c *Client) SimilarEpisodes(ctx context.Context, q SimilarityQuery) ([]EpisodeMatch, error) {
	var resp struct {
		Matches []EpisodeMatch `json:"matches"`
	}
	err := c.do(ctx, http.MethodPost, "episodes/similar", q, &resp)
	return resp.Matches, err
}

// UnitTrace returns the execution history of a unit by serial.
func (c *Client) UnitTrace(ctx context.Context, serial string) (UnitTrace, error) {
	var resp UnitTrace
	err := c.do(ctx, http.MethodGet, "units/"+url.PathEscape(serial), nil, &resp)
	return resp, err
}

// Import uploads a YAML or JSON snapshot.
func (c *Client) Import(ctx context.Context, snapshot []byte) (ImportResult, error) {
	var resp ImportResult
	err := c.do(ctx, http.MethodPost, "imports", json.RawMessage(snapshot), &resp)
	return resp, err
}

// Events returns recent import events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
