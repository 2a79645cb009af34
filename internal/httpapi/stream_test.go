package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/studystack/assignsync/internal/assignsync"
)

func TestEventStream(t *testing.T) {
	store := newTestStore(t)
	apiServer := NewServer(store, nil, ServerConfig{}, nil)
	httpServer := httptest.NewServer(apiServer)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(httpServer.URL, "http://", "ws://", 1) + "/v1/events/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the handler a moment to register its subscription before the
	// event fires; subscribers only see events accepted after they attach.
	time.Sleep(50 * time.Millisecond)
	created := seedAssignment(t, store, "canvas", "cs101", "hw1", "Homework 1")

	var got assignsync.ChangeEvent
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	require.Equal(t, created.EventID, got.EventID)
	require.Equal(t, assignsync.ChangeCreated, got.Kind)
}

func TestEventStreamRequiresAuth(t *testing.T) {
	store := newTestStore(t)
	apiServer := NewServer(store, nil, ServerConfig{APIToken: "hush"}, nil)
	httpServer := httptest.NewServer(apiServer)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(httpServer.URL, "http://", "ws://", 1) + "/v1/events/stream"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 401, resp.StatusCode)
	}
}
