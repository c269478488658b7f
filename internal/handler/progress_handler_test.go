package handler_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
)

func startFiberServer(t *testing.T, app *fiber.App) (string, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = app.Listener(listener)
	}()
	time.Sleep(50 * time.Millisecond)

	return "http://" + listener.Addr().String(), func() {
		_ = app.Shutdown()
	}
}

func dialStream(t *testing.T, baseURL string, evaluationID uint) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(baseURL, "http") + fmt.Sprintf("/api/v1/evaluations/%d/stream", evaluationID)
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func TestProgressStreamSendsSnapshotThenEvents(t *testing.T) {
	env := setupGradingApp(t)
	created := createEvaluation(t, env.app, 101, 102)

	baseURL, shutdown := startFiberServer(t, env.app)
	defer shutdown()

	conn := dialStream(t, baseURL, created.ID)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var snapshot dto.ProgressEvent
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.Equal(t, dto.EventSnapshot, snapshot.Type)
	require.Equal(t, created.ID, snapshot.EvaluationID)
	require.Equal(t, "pending", snapshot.Status)
	require.NotNil(t, snapshot.Progress)
	require.Equal(t, int64(2), snapshot.Progress.Total)

	env.progress.Publish(context.Background(), dto.ProgressEvent{Type: dto.EventSubmissionChange, EvaluationID: created.ID + 1})
	env.progress.Publish(context.Background(), dto.ProgressEvent{
		Type:         dto.EventJobSucceeded,
		EvaluationID: created.ID,
		SubmissionID: 7,
		Status:       "evaluated",
	})

	var event dto.ProgressEvent
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, dto.EventJobSucceeded, event.Type)
	require.Equal(t, uint(7), event.SubmissionID)
	require.False(t, event.At.IsZero())
}

func TestProgressStreamClosesForUnknownEvaluation(t *testing.T) {
	env := setupGradingApp(t)

	baseURL, shutdown := startFiberServer(t, env.app)
	defer shutdown()

	conn := dialStream(t, baseURL, 999)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	require.Equal(t, 4404, closeErr.Code)
	require.Equal(t, "evaluation not found", closeErr.Text)
}

func TestProgressStreamRequiresUpgrade(t *testing.T) {
	env := setupGradingApp(t)
	created := createEvaluation(t, env.app, 101)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/evaluations/%d/stream", created.ID), nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
