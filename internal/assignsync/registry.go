package assignsync

import (
	"fmt"
	"sync"
)

// SourceSpec describes one configured platform/class pair after credential
// resolution. BaseURL points at the platform's bridge endpoint.
type SourceSpec struct {
	PlatformType string
	ClassID      string
	BaseURL      string
	Token        string
}

// SinkSpec describes one configured downstream destination.
type SinkSpec struct {
	SinkType string
	SinkID   string
	BaseURL  string
	Token    string
}

type SourceAdapterFactory func(spec SourceSpec) (SourceAdapter, error)
type SinkFactory func(spec SinkSpec) (Sink, error)

var adapterRegistry = struct {
	mu              sync.RWMutex
	sourceFactories map[string]SourceAdapterFactory
	sinkFactories   map[string]SinkFactory
}{
	sourceFactories: map[string]SourceAdapterFactory{},
	sinkFactories:   map[string]SinkFactory{},
}

// RegisterSourceAdapterFactory plugs in an adapter for a platform type the
// built-in set does not cover.
func RegisterSourceAdapterFactory(platformType string, factory SourceAdapterFactory) {
	platformType = normalizeToken(platformType)
	if platformType == "" || factory == nil {
		return
	}
	adapterRegistry.mu.Lock()
	defer adapterRegistry.mu.Unlock()
	adapterRegistry.sourceFactories[platformType] = factory
}

func RegisterSinkFactory(sinkType string, factory SinkFactory) {
	sinkType = normalizeToken(sinkType)
	if sinkType == "" || factory == nil {
		return
	}
	adapterRegistry.mu.Lock()
	defer adapterRegistry.mu.Unlock()
	adapterRegistry.sinkFactories[sinkType] = factory
}

func lookupSourceAdapterFactory(platformType string) (SourceAdapterFactory, bool) {
	adapterRegistry.mu.RLock()
	defer adapterRegistry.mu.RUnlock()
	factory, ok := adapterRegistry.sourceFactories[normalizeToken(platformType)]
	return factory, ok
}

func lookupSinkFactory(sinkType string) (SinkFactory, bool) {
	adapterRegistry.mu.RLock()
	defer adapterRegistry.mu.RUnlock()
	factory, ok := adapterRegistry.sinkFactories[normalizeToken(sinkType)]
	return factory, ok
}

// BuildSourceAdapter selects an adapter by platform type. The built-in
// platforms all speak the HTTP bridge protocol but differ in their API path
// conventions; unknown types must be registered first.
func BuildSourceAdapter(spec SourceSpec) (SourceAdapter, error) {
	platformType := normalizeToken(spec.PlatformType)
	if factory, ok := lookupSourceAdapterFactory(platformType); ok {
		return factory(spec)
	}
	opts := HTTPSourceOptions{
		Platform:      platformType,
		BaseURL:       spec.BaseURL,
		TokenProvider: StaticToken(spec.Token),
	}
	switch platformType {
	case "canvas":
		opts.PathTemplate = "/api/v1/courses/%s/assignments"
	case "moodle":
		opts.PathTemplate = "/webservice/rest/courses/%s/assignments"
	case "blackboard":
		opts.PathTemplate = "/learn/api/public/v1/courses/%s/assignments"
	case "custom":
		opts.PathTemplate = "/api/v1/classes/%s/assignments"
	default:
		return nil, fmt.Errorf("%w: unknown platform type %q", ErrInvalidInput, spec.PlatformType)
	}
	return NewHTTPSourceAdapter(opts)
}

// BuildSink selects a sink by type. Each built-in destination is a bridge
// speaking the idempotent versioned-write protocol.
func BuildSink(spec SinkSpec) (Sink, error) {
	sinkType := normalizeToken(spec.SinkType)
	if factory, ok := lookupSinkFactory(sinkType); ok {
		return factory(spec)
	}
	sinkID := spec.SinkID
	if sinkID == "" {
		sinkID = sinkType
	}
	opts := HTTPSinkOptions{
		SinkID:        sinkID,
		BaseURL:       spec.BaseURL,
		TokenProvider: StaticToken(spec.Token),
	}
	switch sinkType {
	case "google_sheets", "sheets":
		opts.PathTemplate = "/api/v1/sheets/rows/%s/versions/%d"
	case "notion", "notes":
		opts.PathTemplate = "/api/v1/pages/%s/versions/%d"
	case "todo", "todoist", "tasks":
		opts.PathTemplate = "/api/v1/tasks/%s/versions/%d"
	case "webhook", "custom":
		opts.PathTemplate = "/api/v1/assignments/%s/versions/%d"
	default:
		return nil, fmt.Errorf("%w: unknown sink type %q", ErrInvalidInput, spec.SinkType)
	}
	return NewHTTPSink(opts)
}
