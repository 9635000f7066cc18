package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/urban-vision/annoqc/internal/httputil"
	"github.com/urban-vision/annoqc/internal/monitoring"
	"github.com/urban-vision/annoqc/internal/qc"
	"github.com/urban-vision/annoqc/internal/store"
)

// Client talks to the annotation tool's REST API.
type Client struct {
	baseURL string
	token   string
	http    httputil.HTTPClient
}

// NewClient creates a tool client for the given base URL. token may be
// empty for unauthenticated deployments.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    httputil.NewStandardClient(&http.Client{Timeout: 30 * time.Second}),
	}
}

// NewClientWithHTTP is like NewClient but with an injected HTTP client.
func NewClientWithHTTP(baseURL, token string, hc httputil.HTTPClient) *Client {
	return &Client{baseURL: baseURL, token: token, http: hc}
}

// taskPayload is the tool's task representation.
type taskPayload struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	Assignee  string `json:"assignee"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// annotationsPayload is the tool's per-task export: tracks of per-frame
// box shapes with categorical attributes.
type annotationsPayload struct {
	Tracks []struct {
		TrackID int64 `json:"track_id"`
		Shapes  []struct {
			Frame      int               `json:"frame"`
			XTL        float64           `json:"xtl"`
			YTL        float64           `json:"ytl"`
			XBR        float64           `json:"xbr"`
			YBR        float64           `json:"ybr"`
			Outside    bool              `json:"outside"`
			Attributes map[string]string `json:"attributes"`
		} `json:"shapes"`
	} `json:"tracks"`
}

// FetchTask retrieves task metadata and derives the annotator identity
// and overlap-group key from the task name.
func (c *Client) FetchTask(ctx context.Context, taskID int64) (*store.ClipTask, error) {
	var payload taskPayload
	if err := c.get(ctx, fmt.Sprintf("/api/tasks/%d", taskID), &payload); err != nil {
		return nil, err
	}

	task := &store.ClipTask{
		TaskID:    payload.ID,
		ProjectID: payload.ProjectID,
		Name:      payload.Name,
		Annotator: payload.Assignee,
		Status:    payload.Status,
		CreatedAt: payload.CreatedAt,
	}
	annotator, clip, err := qc.SplitTaskName(payload.Name)
	if err != nil {
		monitoring.Logf("ingest: task %d name %q does not parse: %v", taskID, payload.Name, err)
		return task, nil
	}
	task.GroupKey = clip
	if task.Annotator == "" {
		task.Annotator = annotator
	}
	return task, nil
}

// FetchAnnotations retrieves a task's current annotation export.
func (c *Client) FetchAnnotations(ctx context.Context, taskID int64) ([]*store.RawAnnotation, error) {
	var payload annotationsPayload
	if err := c.get(ctx, fmt.Sprintf("/api/tasks/%d/annotations", taskID), &payload); err != nil {
		return nil, err
	}

	var out []*store.RawAnnotation
	for _, track := range payload.Tracks {
		for _, shape := range track.Shapes {
			out = append(out, &store.RawAnnotation{
				TaskID:     taskID,
				TrackID:    track.TrackID,
				Frame:      shape.Frame,
				XTL:        shape.XTL,
				YTL:        shape.YTL,
				XBR:        shape.XBR,
				YBR:        shape.YBR,
				Outside:    shape.Outside,
				Attributes: shape.Attributes,
			})
		}
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}
