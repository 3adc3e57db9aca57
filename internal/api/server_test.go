package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/signalbot/core"
	"github.com/web3guy0/signalbot/internal/config"
	"github.com/web3guy0/signalbot/storage"
	"github.com/web3guy0/signalbot/types"
)

type stubPipeline struct {
	channel string
	limit   int
	err     error
}

func (p *stubPipeline) Backfill(_ context.Context, channelID string, limit int) (int, error) {
	p.channel, p.limit = channelID, limit
	return 2, p.err
}

func (p *stubPipeline) GetStats() core.Stats {
	return core.Stats{Messages: 5, Units: 4, Extractions: map[types.Outcome]int{types.OutcomeSignal: 1}, Started: time.Now()}
}

func (p *stubPipeline) QueueDepth() map[string]int { return map[string]int{"-100": 0} }

func newTestServer(t *testing.T) (*Server, *config.Store, *stubPipeline, *storage.Database) {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "api.db"), storage.Options{BusyRetries: 1, BusySleep: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	channels := config.NewStore("", config.NewSnapshot([]types.ChannelConfig{
		{ChannelID: "-100", Title: "Calls", Policy: types.PolicySingleMessage, Enabled: true},
		{ChannelID: "-200", Policy: types.PolicyWindowedMessages, WindowSize: 3},
	}, true))
	pipeline := &stubPipeline{}

	return NewServer("127.0.0.1:0", channels, pipeline, db, "paper", 3), channels, pipeline, db
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "paper", body["exchange"])
	assert.Equal(t, true, body["auto_execution"])
	assert.EqualValues(t, 2, body["channels"])
	assert.EqualValues(t, 1, body["enabled"])
}

func TestChannels(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/api/channels", "")
	require.Equal(t, http.StatusOK, w.Code)

	var channels []types.ChannelConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &channels))
	require.Len(t, channels, 2)
	assert.Equal(t, "Calls", channels[0].Title)
}

func TestExecutionToggle(t *testing.T) {
	s, channels, _, _ := newTestServer(t)

	w := do(s, http.MethodPost, "/api/execution", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"auto_execution": false}`, w.Body.String())
	assert.False(t, channels.Current().AutoExecution())

	w = do(s, http.MethodPost, "/api/execution", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, channels.Current().AutoExecution())
}

func TestSignalsAndSubmissions(t *testing.T) {
	s, _, _, db := newTestServer(t)
	ctx := context.Background()

	entry := decimal.NewFromInt(65000)
	require.NoError(t, db.UpsertSignal(ctx, &types.Signal{
		ChannelID: "-100", MessageIDs: []int64{1}, Token: "BTC", Side: types.SideLong,
		EntryPrice: &entry, Leverage: 5, Outcome: types.OutcomeSignal,
	}))
	require.NoError(t, db.UpsertSignal(ctx, &types.Signal{
		ChannelID: "-200", MessageIDs: []int64{9}, Outcome: types.OutcomeNoSignal,
	}))
	_, err := db.CreateSubmission(ctx, &types.PositionSubmission{
		Key:    types.SubmissionKey{ChannelID: "-100", MessageIDs: "1", Exchange: "paper", Token: "BTC"},
		Side:   types.SideLong,
		Status: types.StatusRecorded,
		Error:  "auto-execution disabled",
	})
	require.NoError(t, err)

	w := do(s, http.MethodGet, "/api/signals?channel=-100", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sigs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sigs))
	require.Len(t, sigs, 1)
	assert.Equal(t, "BTC", sigs[0]["token"])
	assert.Equal(t, "65000", sigs[0]["entry_price"])

	w = do(s, http.MethodGet, "/api/submissions?status=recorded&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	var subs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "recorded", subs[0]["status"])
	assert.Equal(t, "auto-execution disabled", subs[0]["error"])

	w = do(s, http.MethodGet, "/api/submissions?status=submitted", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestBackfill(t *testing.T) {
	s, _, pipeline, _ := newTestServer(t)

	w := do(s, http.MethodPost, "/api/channels/-100/backfill?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "-100", pipeline.channel)
	assert.Equal(t, 10, pipeline.limit)
	assert.JSONEq(t, `{"channel_id":"-100","messages":10,"units":2}`, w.Body.String())

	w = do(s, http.MethodPost, "/api/channels/-100/backfill", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, pipeline.limit)

	w = do(s, http.MethodPost, "/api/channels/-999/backfill", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(s, http.MethodPost, "/api/channels/-100/backfill?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	pipeline.err = errors.New("channel -200 is disabled")
	w = do(s, http.MethodPost, "/api/channels/-200/backfill", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestLimitParam(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	for _, q := range []string{"?limit=0", "?limit=-4", "?limit=x", "?limit=100000"} {
		w := do(s, http.MethodGet, "/api/submissions"+q, "")
		assert.Equal(t, http.StatusOK, w.Code, q)
	}
}
