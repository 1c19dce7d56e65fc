package annotation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JaimeStill/aperture/pkg/lifecycle"
)

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 32 << 20

// LabelStudio implements Client against the Label Studio REST API.
type LabelStudio struct {
	cfg    *Config
	base   *url.URL
	http   *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	projectID int
}

// NewLabelStudio creates a Label Studio client. A nil httpClient uses
// http.DefaultClient; request deadlines come from the caller's context.
func NewLabelStudio(cfg *Config, httpClient *http.Client, logger *slog.Logger) (*LabelStudio, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse annotation url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &LabelStudio{
		cfg:       cfg,
		base:      base,
		http:      httpClient,
		logger:    logger.With("system", "annotation"),
		projectID: cfg.ProjectID,
	}, nil
}

// Start resolves the project at startup when none is configured. Failure is
// logged rather than returned so uploads are still accepted while the
// annotation service is down; CreateTask retries the lookup.
func (c *LabelStudio) Start(lc *lifecycle.Coordinator) error {
	lc.OnStartup(func() error {
		ctx, cancel := context.WithTimeout(lc.Context(), c.cfg.TaskTimeoutDuration())
		defer cancel()

		if _, err := c.EnsureProject(ctx); err != nil {
			c.logger.Warn("project resolution deferred", "error", err)
		}
		return nil
	})
	return nil
}

// ProjectID returns the resolved project id, or 0 when unresolved.
func (c *LabelStudio) ProjectID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectID
}

type project struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

// EnsureProject returns the configured project id, resolving it by title
// or creating the project with the configured label config when unset.
func (c *LabelStudio) EnsureProject(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.projectID != 0 {
		return c.projectID, nil
	}

	q := url.Values{"title": {c.cfg.ProjectTitle}}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/projects", q, nil, &raw); err != nil {
		return 0, fmt.Errorf("list projects: %w", err)
	}

	projects, err := decodeList[project](raw, "results")
	if err != nil {
		return 0, fmt.Errorf("decode projects: %w", err)
	}

	for _, p := range projects {
		if p.Title == c.cfg.ProjectTitle {
			c.projectID = p.ID
			c.logger.Info("using existing project", "project_id", p.ID, "title", p.Title)
			return p.ID, nil
		}
	}

	body := map[string]string{
		"title":        c.cfg.ProjectTitle,
		"label_config": c.cfg.LabelConfig,
		"description":  "PCB joint image defect classification",
	}

	var created project
	if err := c.do(ctx, http.MethodPost, "/api/projects", nil, body, &created); err != nil {
		return 0, fmt.Errorf("create project: %w", err)
	}

	c.projectID = created.ID
	c.logger.Info("created project", "project_id", created.ID, "title", c.cfg.ProjectTitle)
	return created.ID, nil
}

// Health reports whether Label Studio answers its health endpoint.
func (c *LabelStudio) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// ImageURL returns the local-files URL Label Studio serves imagePath from.
func (c *LabelStudio) ImageURL(imagePath string) string {
	return "/data/local-files/?d=" + path.Join(c.cfg.DocumentPrefix, imagePath)
}

func (c *LabelStudio) CreateTask(ctx context.Context, imagePath string) (string, error) {
	projectID, err := c.EnsureProject(ctx)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"project": projectID,
		"data":    map[string]string{"image": c.ImageURL(imagePath)},
	}

	var created struct {
		ID int `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tasks", nil, body, &created); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if created.ID == 0 {
		return "", fmt.Errorf("%w: create task returned no id", ErrRejected)
	}

	taskID := strconv.Itoa(created.ID)
	c.logger.Info("task created", "task_id", taskID, "path", imagePath)
	return taskID, nil
}

type task struct {
	ID               int              `json:"id"`
	IsLabeled        bool             `json:"is_labeled"`
	TotalAnnotations int              `json:"total_annotations"`
	UpdatedAt        string           `json:"updated_at"`
	Annotations      []taskAnnotation `json:"annotations"`
}

type taskAnnotation struct {
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func (t task) completed() bool {
	return t.IsLabeled || t.TotalAnnotations > 0 || len(t.Annotations) > 0
}

// completedAt is the latest of the task and annotation timestamps.
func (t task) completedAt() time.Time {
	latest := parseTime(t.UpdatedAt)
	for _, a := range t.Annotations {
		for _, s := range []string{a.CreatedAt, a.UpdatedAt} {
			if ts := parseTime(s); ts.After(latest) {
				latest = ts
			}
		}
	}
	return latest
}

func (c *LabelStudio) ListCompletedSince(ctx context.Context, cursor time.Time) ([]CompletedTask, error) {
	projectID, err := c.EnsureProject(ctx)
	if err != nil {
		return nil, err
	}

	var (
		completed []CompletedTask
		seen      int
		prevFirst = -1
	)

	for page := 1; ; page++ {
		q := url.Values{
			"project":   {strconv.Itoa(projectID)},
			"page":      {strconv.Itoa(page)},
			"page_size": {strconv.Itoa(c.cfg.PageSize)},
		}

		var raw json.RawMessage
		err := c.do(ctx, http.MethodGet, "/api/tasks", q, nil, &raw)
		if page > 1 && errors.Is(err, errPageOutOfRange) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list tasks page %d: %w", page, err)
		}

		tasks, total, err := decodeTasks(raw)
		if err != nil {
			return nil, fmt.Errorf("decode tasks page %d: %w", page, err)
		}

		// Servers that ignore the page parameter return the same page forever.
		if len(tasks) > 0 && tasks[0].ID == prevFirst {
			break
		}
		if len(tasks) > 0 {
			prevFirst = tasks[0].ID
		}

		for _, t := range tasks {
			if !t.completed() {
				continue
			}
			at := t.completedAt()
			if !at.After(cursor) {
				continue
			}
			completed = append(completed, CompletedTask{
				TaskID:      strconv.Itoa(t.ID),
				CompletedAt: at,
			})
		}

		seen += len(tasks)
		if len(tasks) < c.cfg.PageSize || (total > 0 && seen >= total) {
			break
		}
	}

	return completed, nil
}

func (c *LabelStudio) FetchExport(ctx context.Context, taskID string) ([]byte, error) {
	if _, err := strconv.Atoi(taskID); err != nil {
		return nil, fmt.Errorf("%w: invalid task id %q", ErrRejected, taskID)
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+taskID, nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch task %s: %w", taskID, err)
	}

	var t task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: decode task %s: %w", ErrRejected, taskID, err)
	}
	if len(t.Annotations) == 0 {
		return nil, fmt.Errorf("%w: task %s has no annotations", ErrRejected, taskID)
	}

	return raw, nil
}

// errPageOutOfRange marks the 404 Label Studio returns past the last page.
// On the first page it is a plain rejection.
var errPageOutOfRange = fmt.Errorf("%w: page out of range", ErrRejected)

func (c *LabelStudio) do(
	ctx context.Context,
	method, endpoint string,
	query url.Values,
	body, out any,
) error {
	u := c.base.JoinPath(endpoint)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Token "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrUnreachable, err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s %s: %s", ErrUnreachable, method, endpoint, resp.Status)
	case resp.StatusCode == http.StatusNotFound && query.Has("page"):
		return errPageOutOfRange
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: %s %s: %s: %s", ErrRejected, method, endpoint, resp.Status, snippet(data))
	}

	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = data
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrRejected, err)
	}
	return nil
}

// decodeTasks accepts both the paged {"tasks": [...], "total": n} shape and
// the bare array returned by older servers.
func decodeTasks(raw json.RawMessage) ([]task, int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tasks []task
		if err := json.Unmarshal(trimmed, &tasks); err != nil {
			return nil, 0, err
		}
		return tasks, 0, nil
	}

	var paged struct {
		Tasks []task `json:"tasks"`
		Total int    `json:"total"`
	}
	if err := json.Unmarshal(trimmed, &paged); err != nil {
		return nil, 0, err
	}
	return paged.Tasks, paged.Total, nil
}

// decodeList accepts a bare array or an object holding the array under key.
func decodeList[T any](raw json.RawMessage, key string) ([]T, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		err := json.Unmarshal(trimmed, &items)
		return items, err
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}

	var items []T
	if list, ok := wrapped[key]; ok {
		if err := json.Unmarshal(list, &items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func snippet(data []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
