package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"convopilot-server/internal/models"
	"convopilot-server/internal/notify"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestStreamDeliversNotifications(t *testing.T) {
	bus := notify.NewMemoryBus()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/stream", NewStreamHandler(bus).Stream)

	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the handler a moment to register its subscription.
	time.Sleep(50 * time.Millisecond)

	msg := &models.Message{ID: "m1", ConversationID: "c1", Content: "hi"}
	require.NoError(t, bus.Publish(ctx, &notify.Event{Kind: notify.EventMessageCreated, Message: msg}))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	event, err := notify.DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, notify.EventMessageCreated, event.Kind)
	require.NotNil(t, event.Message)
	assert.Equal(t, "m1", event.Message.ID)
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", Health)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
