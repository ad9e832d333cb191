// Package analysis calls the external consonant-precision analysis service.
//
// The service performs its own signal processing on a submitted recording
// and returns a finished statistics payload. Remote statistics are treated
// as opaque: callers must not assume numeric parity (e.g. the StdDevMs
// formula) with the engine's local tap classifier.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tapline/tapline/logger"
	"github.com/tapline/tapline/stats"
)

// ErrAnalysisFailed wraps every user-visible analysis failure: transport
// errors, non-2xx responses, and responses the service itself rejected.
var ErrAnalysisFailed = errors.New("consonant analysis failed")

const defaultTimeout = 30 * time.Second

// Request is the payload submitted for analysis. Audio is raw recording
// bytes, base64-encoded on the wire by the JSON marshaller.
type Request struct {
	Audio       []byte  `json:"audio"`
	BPM         int     `json:"bpm"`
	Resolution  string  `json:"gridResolution"`
	ToleranceMs float64 `json:"toleranceMs"`
	MaxEvents   int     `json:"maxEvents"`
}

// RemoteEvent is one onset the service detected and scored.
type RemoteEvent struct {
	TMs            float64 `json:"tMs"`
	DeviationMs    float64 `json:"deviationMs"`
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
}

// Result is the service's finished analysis.
type Result struct {
	OK     bool             `json:"ok"`
	Stats  stats.Statistics `json:"stats"`
	Events []RemoteEvent    `json:"events"`
}

// Client talks to one analysis service endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logrus.Logger
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        logger.GetProjectLogger(),
	}
}

// Analyze submits a recording and returns the finished Result. Any failure
// mode collapses into an ErrAnalysisFailed-wrapped error; a partial Result
// is never returned.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encoding request: %v", ErrAnalysisFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: building request: %v", ErrAnalysisFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Errorf("analysis request failed: %v", err)
		return Result{}, fmt.Errorf("%w: %v", ErrAnalysisFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Errorf("analysis service returned status %d", resp.StatusCode)
		return Result{}, fmt.Errorf("%w: unexpected status %d", ErrAnalysisFailed, resp.StatusCode)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("%w: decoding response: %v", ErrAnalysisFailed, err)
	}
	if !res.OK {
		return Result{}, fmt.Errorf("%w: service rejected the recording", ErrAnalysisFailed)
	}
	return res, nil
}
