package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leofalp/chatcheckpoint/core/checkpoint"
	"github.com/leofalp/chatcheckpoint/core/cost"
	"github.com/leofalp/chatcheckpoint/core/history"
	"github.com/leofalp/chatcheckpoint/core/ledger"
	"github.com/leofalp/chatcheckpoint/core/runner"
	"github.com/leofalp/chatcheckpoint/core/session"
	"github.com/leofalp/chatcheckpoint/providers/backend/inmemory"
	"github.com/leofalp/chatcheckpoint/providers/model/scripted"
)

func newTestHandler(t *testing.T, opts ...scripted.Option) *Handler {
	t.Helper()
	b := inmemory.New()
	led, err := ledger.New(b, cost.DefaultRates())
	require.NoError(t, err)
	r, err := runner.New(checkpoint.New(b), history.New(b), led, scripted.New(opts...))
	require.NoError(t, err)
	return NewHandler(r, HealthInfo{Backend: b.Name(), BackendKind: "fallback", Model: scripted.Name})
}

func serve(h *Handler, method, target, body string) *httptest.ResponseRecorder {
	e := echo.New()
	h.RegisterRoutes(e)
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSubmitTurn_Success(t *testing.T) {
	h := newTestHandler(t, scripted.WithReplies("Welcome to CONCESA!"))

	rec := serve(h, http.MethodPost, "/v1/sessions/s1/turns", `{"user_id":"u1","text":"Hi"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result runner.TurnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "Welcome to CONCESA!", result.Assistant.Content)
	assert.Equal(t, int64(1), result.Snapshot.Sequence)
	assert.Len(t, result.Snapshot.Messages, 2)
}

func TestSubmitTurn_Validation(t *testing.T) {
	h := newTestHandler(t)

	cases := map[string]string{
		"malformed":    `{"user_id":`,
		"missing user": `{"text":"Hi"}`,
		"blank text":   `{"user_id":"u1","text":"  "}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := serve(h, http.MethodPost, "/v1/sessions/s1/turns", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitTurn_UserMismatchIsConflict(t *testing.T) {
	h := newTestHandler(t)

	require.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/v1/sessions/s1/turns", `{"user_id":"u1","text":"Hi"}`).Code)
	rec := serve(h, http.MethodPost, "/v1/sessions/s1/turns", `{"user_id":"u2","text":"Hi"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitTurn_ModelFailureIsBadGateway(t *testing.T) {
	h := newTestHandler(t, scripted.WithFailure(1, errors.New("upstream down")))

	rec := serve(h, http.MethodPost, "/v1/sessions/s1/turns", `{"user_id":"u1","text":"Hi"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream down")

	latest := serve(h, http.MethodGet, "/v1/sessions/s1/checkpoints/latest", "")
	assert.Equal(t, http.StatusNotFound, latest.Code)
}

func TestSessionReads(t *testing.T) {
	h := newTestHandler(t)
	for _, text := range []string{"Hi", "Price?"} {
		require.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/v1/sessions/s1/turns",
			fmt.Sprintf(`{"user_id":"u1","text":%q}`, text)).Code)
	}

	t.Run("messages", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/v1/sessions/s1/messages", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Messages []session.Message `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Messages, 4)
		assert.Equal(t, session.RoleUser, body.Messages[0].Role)
		assert.Equal(t, session.RoleAssistant, body.Messages[3].Role)
	})

	t.Run("checkpoints", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/v1/sessions/s1/checkpoints", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Checkpoints []session.Snapshot `json:"checkpoints"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Checkpoints, 2)
		assert.Equal(t, int64(1), body.Checkpoints[0].Sequence)
		assert.Len(t, body.Checkpoints[1].Messages, 4)
	})

	t.Run("latest", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/v1/sessions/s1/checkpoints/latest", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var snap session.Snapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, int64(2), snap.Sequence)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/v1/sessions/nope/messages", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"messages":[]`)
	})
}

func TestGetCosts(t *testing.T) {
	h := newTestHandler(t)
	require.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/v1/sessions/s1/turns", `{"user_id":"u1","text":"Hi"}`).Code)

	rec := serve(h, http.MethodGet, "/v1/costs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Days    int                     `json:"days"`
		Summary []session.CostAggregate `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 7, body.Days)
	require.Len(t, body.Summary, 1)
	assert.Equal(t, scripted.Name, body.Summary[0].ModelName)
	assert.Equal(t, 1, body.Summary[0].RequestCount)

	for _, bad := range []string{"0", "-3", "week"} {
		assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/v1/costs?days="+bad, "").Code, bad)
	}
}

func TestHealth(t *testing.T) {
	rec := serve(newTestHandler(t), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"backend":"memory"`)
}

// failingService returns err from every call.
type failingService struct{ err error }

func (f failingService) SubmitTurn(context.Context, string, string, string) (runner.TurnResult, error) {
	return runner.TurnResult{}, f.err
}

func (f failingService) GetHistory(context.Context, string) ([]session.Message, error) {
	return nil, f.err
}

func (f failingService) Latest(context.Context, string) (session.Snapshot, error) {
	return session.Snapshot{}, f.err
}

func (f failingService) Checkpoints(context.Context, string) iter.Seq2[session.Snapshot, error] {
	return func(yield func(session.Snapshot, error) bool) { yield(session.Snapshot{}, f.err) }
}

func (f failingService) GetCostSummary(context.Context, int) ([]session.CostAggregate, error) {
	return nil, f.err
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", session.ErrBackendUnavailable), http.StatusServiceUnavailable},
		{fmt.Errorf("wrap: %w", session.ErrWriteConflict), http.StatusConflict},
		{fmt.Errorf("%w: %w", session.ErrModelInvocation, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: boom", session.ErrModelInvocation), http.StatusBadGateway},
		{errors.New("surprise"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := NewHandler(failingService{err: tc.err}, HealthInfo{})
		assert.Equal(t, tc.want, serve(h, http.MethodPost, "/v1/sessions/s1/turns", `{"user_id":"u1","text":"Hi"}`).Code, tc.err.Error())
		assert.Equal(t, tc.want, serve(h, http.MethodGet, "/v1/sessions/s1/checkpoints", "").Code, tc.err.Error())
	}
}
