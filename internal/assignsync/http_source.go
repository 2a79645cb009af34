package assignsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type AccessTokenProvider func(ctx context.Context) (string, error)

// StaticToken wraps a fixed credential as a token provider.
func StaticToken(token string) AccessTokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type HTTPSourceOptions struct {
	Platform      string
	BaseURL       string
	PathTemplate  string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// HTTPSourceAdapter fetches assignment records from an LMS bridge endpoint
// that exposes scraped or API-sourced assignments as JSON. Rate limits and
// server errors are retried internally (bounded, honoring Retry-After);
// whatever survives the retry budget surfaces as a classified SourceError
// for the coordinator.
type HTTPSourceAdapter struct {
	platform      string
	baseURL       string
	pathTemplate  string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPSourceAdapter(opts HTTPSourceOptions) (*HTTPSourceAdapter, error) {
	platform := normalizeToken(opts.Platform)
	if platform == "" {
		return nil, fmt.Errorf("%w: platform is required", ErrInvalidInput)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidInput)
	}
	pathTemplate := strings.TrimSpace(opts.PathTemplate)
	if pathTemplate == "" {
		pathTemplate = "/api/v1/classes/%s/assignments"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPSourceAdapter{
		platform:      platform,
		baseURL:       baseURL,
		pathTemplate:  pathTemplate,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}, nil
}

func (a *HTTPSourceAdapter) Platform() string {
	return a.platform
}

// rawAssignmentPayload mirrors the upstream bridge's JSON shape.
type rawAssignmentPayload struct {
	AssignmentID   string   `json:"assignment_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	URL            string   `json:"url"`
	AssignedDate   string   `json:"assigned_date"`
	DueDate        string   `json:"due_date"`
	Status         string   `json:"status"`
	Priority       string   `json:"priority"`
	PointsPossible *float64 `json:"points_possible"`
	EstimatedHours *float64 `json:"estimated_hours"`
}

type assignmentFeedPayload struct {
	Assignments []rawAssignmentPayload `json:"assignments"`
}

func (a *HTTPSourceAdapter) Fetch(ctx context.Context, classID string) ([]RawRecord, error) {
	classID = strings.TrimSpace(classID)
	if classID == "" {
		return nil, a.sourceError(classID, SourceParseError, fmt.Errorf("empty class id"))
	}
	requestURL := a.baseURL + fmt.Sprintf(a.pathTemplate, url.PathEscape(classID))

	var token string
	if a.tokenProvider != nil {
		fetched, err := a.tokenProvider(ctx)
		if err != nil {
			return nil, a.sourceError(classID, SourceAuthError, err)
		}
		token = strings.TrimSpace(fetched)
	}

	var body []byte
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, a.sourceError(classID, SourceParseError, err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Accept", "application/json")
		if a.userAgent != "" {
			req.Header.Set("User-Agent", a.userAgent)
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			if attempt < a.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, a.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, a.sourceError(classID, SourceNetworkError, waitErr)
				}
				continue
			}
			return nil, a.sourceError(classID, SourceNetworkError, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, a.sourceError(classID, SourceNetworkError, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			body = payload
			break
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < a.maxRetries {
			if waitErr := waitWithContext(ctx, a.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, a.sourceError(classID, SourceNetworkError, waitErr)
			}
			continue
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, a.sourceError(classID, SourceAuthError, httpStatusError(resp.StatusCode, payload))
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, a.sourceError(classID, SourceRateLimited, httpStatusError(resp.StatusCode, payload))
		case resp.StatusCode >= 500:
			return nil, a.sourceError(classID, SourceNetworkError, httpStatusError(resp.StatusCode, payload))
		default:
			return nil, a.sourceError(classID, SourceParseError, httpStatusError(resp.StatusCode, payload))
		}
	}

	var feed assignmentFeedPayload
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, a.sourceError(classID, SourceParseError, err)
	}
	records := make([]RawRecord, 0, len(feed.Assignments))
	for i, item := range feed.Assignments {
		record, err := mapRawAssignment(item)
		if err != nil {
			return nil, a.sourceError(classID, SourceParseError, fmt.Errorf("assignment %d: %w", i, err))
		}
		records = append(records, record)
	}
	return records, nil
}

func mapRawAssignment(item rawAssignmentPayload) (RawRecord, error) {
	if strings.TrimSpace(item.Title) == "" {
		return RawRecord{}, fmt.Errorf("missing title")
	}
	assignedAt, err := parseFlexibleDate(item.AssignedDate)
	if err != nil {
		return RawRecord{}, fmt.Errorf("assigned_date: %w", err)
	}
	var dueAt *time.Time
	if strings.TrimSpace(item.DueDate) != "" {
		parsed, err := parseFlexibleDate(item.DueDate)
		if err != nil {
			return RawRecord{}, fmt.Errorf("due_date: %w", err)
		}
		dueAt = &parsed
	}
	return RawRecord{
		NativeID:       strings.TrimSpace(item.AssignmentID),
		Title:          item.Title,
		Description:    item.Description,
		URL:            item.URL,
		AssignedAt:     assignedAt,
		DueAt:          dueAt,
		Status:         item.Status,
		Priority:       item.Priority,
		Points:         item.PointsPossible,
		EstimatedHours: item.EstimatedHours,
	}, nil
}

func parseFlexibleDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

func (a *HTTPSourceAdapter) sourceError(classID string, kind SourceErrorKind, err error) error {
	return &SourceError{
		Platform: a.platform,
		ClassID:  classID,
		Kind:     kind,
		Err:      err,
	}
}

func (a *HTTPSourceAdapter) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > a.maxDelay {
			return a.maxDelay
		}
		return retryAfter
	}
	delay := a.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= a.maxDelay {
			return a.maxDelay
		}
	}
	if delay > a.maxDelay {
		return a.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func httpStatusError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if m, ok := parsed["message"].(string); ok && strings.TrimSpace(m) != "" {
			message = m
		}
	}
	if message == "" {
		return fmt.Errorf("http status %d", status)
	}
	if len(message) > 200 {
		message = message[:200]
	}
	return fmt.Errorf("http status %d: %s", status, message)
}
