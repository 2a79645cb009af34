package assignsync

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

type HTTPSinkOptions struct {
	SinkID        string
	BaseURL       string
	PathTemplate  string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
}

// HTTPSink writes change events to a downstream destination bridge
// (spreadsheet, note database, task list) as idempotent PUTs keyed by
// assignment key and version. It performs no internal retries; the
// Dispatcher owns the retry policy and the delivery ledger, so the sink's
// job is to classify failures accurately.
type HTTPSink struct {
	sinkID        string
	baseURL       string
	pathTemplate  string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
}

func NewHTTPSink(opts HTTPSinkOptions) (*HTTPSink, error) {
	sinkID := strings.TrimSpace(opts.SinkID)
	if sinkID == "" {
		return nil, fmt.Errorf("%w: sink id is required", ErrInvalidInput)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidInput)
	}
	pathTemplate := strings.TrimSpace(opts.PathTemplate)
	if pathTemplate == "" {
		pathTemplate = "/api/v1/assignments/%s/versions/%d"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPSink{
		sinkID:        sinkID,
		baseURL:       baseURL,
		pathTemplate:  pathTemplate,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}, nil
}

func (s *HTTPSink) ID() string {
	return s.sinkID
}

// sinkWritePayload carries the event plus enough of the canonical record
// for the destination to render a row, page, or task without a round trip.
type sinkWritePayload struct {
	EventID       string     `json:"eventId"`
	ChangeKind    ChangeKind `json:"changeKind"`
	DiffFields    []string   `json:"diffFields,omitempty"`
	CycleID       string     `json:"cycleId"`
	Assignment    Assignment `json:"assignment"`
	BeforeVersion int64      `json:"beforeVersion"`
}

func (s *HTTPSink) Write(ctx context.Context, event ChangeEvent, current Assignment) error {
	var token string
	if s.tokenProvider != nil {
		fetched, err := s.tokenProvider(ctx)
		if err != nil {
			return s.sinkError(SinkAuthError, err)
		}
		token = strings.TrimSpace(fetched)
	}

	payload := sinkWritePayload{
		EventID:       event.EventID,
		ChangeKind:    event.Kind,
		DiffFields:    event.DiffFields,
		CycleID:       event.CycleID,
		Assignment:    current,
		BeforeVersion: event.BeforeVersion,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return s.sinkError(SinkValidationError, err)
	}

	requestURL := s.baseURL + fmt.Sprintf(s.pathTemplate, url.PathEscape(event.AssignmentKey), event.AfterVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, requestURL, bytes.NewReader(body))
	if err != nil {
		return s.sinkError(SinkValidationError, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return s.sinkError(SinkTransientError, err)
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return s.sinkError(SinkTransientError, readErr)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	statusErr := httpStatusError(resp.StatusCode, respBody)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return s.sinkError(SinkAuthError, statusErr)
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusTooManyRequests:
		return s.sinkError(SinkQuotaExceeded, statusErr)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return s.sinkError(SinkValidationError, statusErr)
	default:
		return s.sinkError(SinkTransientError, statusErr)
	}
}

func (s *HTTPSink) sinkError(kind SinkErrorKind, err error) error {
	return &SinkError{
		SinkID: s.sinkID,
		Kind:   kind,
		Err:    err,
	}
}
