package precompute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jia/internal/domain"
)

// HTTPClient calls the compute service's precompute endpoints.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Timeout is used only when HTTPClient is nil.
	Timeout time.Duration
}

// DefaultTimeout bounds a single compute service call.
const DefaultTimeout = 10 * time.Second

// NewHTTPClient creates a client whose underlying *http.Client is built once
// and shared by concurrent calls. A non-positive timeout uses DefaultTimeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

func (c *HTTPClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

type enableRequest struct {
	PanelID            string                     `json:"panel_id"`
	Code               string                     `json:"code"`
	Timeframe          domain.Timeframe           `json:"timeframe"`
	BucketWidthSeconds float64                    `json:"bucket_width_seconds"`
	Extra              map[string]json.RawMessage `json:"extra,omitempty"`
}

type enableResponse struct {
	TaskID string `json:"task_id"`
}

type disableRequest struct {
	TaskID string `json:"task_id"`
}

func (c *HTTPClient) Enable(ctx context.Context, panel domain.Panel) (string, error) {
	ds := panel.DataSource
	width, err := ds.Precompute.BucketWidth.Seconds()
	if err != nil {
		return "", &RemoteServiceError{Op: "enable", PanelID: panel.ID, Err: err}
	}
	body := enableRequest{
		PanelID:            panel.ID,
		Code:               ds.Code,
		Timeframe:          ds.Timeframe,
		BucketWidthSeconds: width,
		Extra:              ds.Extra,
	}
	var resp enableResponse
	if err := c.do(ctx, "1.0/precompute/enable", body, &resp); err != nil {
		return "", remoteError("enable", panel, err)
	}
	if resp.TaskID == "" {
		return "", &RemoteServiceError{Op: "enable", PanelID: panel.ID, Err: errors.New("empty task id in response")}
	}
	return resp.TaskID, nil
}

func (c *HTTPClient) Disable(ctx context.Context, panel domain.Panel) error {
	taskID := panel.TaskID()
	if taskID == "" {
		return ErrUnknownTask
	}
	if err := c.do(ctx, "1.0/precompute/disable", disableRequest{TaskID: taskID}, nil); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return fmt.Errorf("task %s: %w", taskID, ErrUnknownTask)
		}
		return remoteError("disable", panel, err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status=%d body=%s", e.code, e.body)
}

func remoteError(op string, panel domain.Panel, err error) error {
	re := &RemoteServiceError{Op: op, PanelID: panel.ID, TaskID: panel.TaskID(), Err: err}
	var se *statusError
	if errors.As(err, &se) {
		re.StatusCode = se.code
		re.Body = se.body
		re.Err = nil
	}
	return re
}

func (c *HTTPClient) do(ctx context.Context, endpoint string, body any, out any) error {
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
