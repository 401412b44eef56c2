package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MEI-Research/ble-beacon-module/internal/config"
	"github.com/MEI-Research/ble-beacon-module/internal/engine"
	"github.com/MEI-Research/ble-beacon-module/internal/event"
	"github.com/MEI-Research/ble-beacon-module/internal/metrics"
	"github.com/MEI-Research/ble-beacon-module/internal/queue"
	"github.com/MEI-Research/ble-beacon-module/internal/store"
	"github.com/MEI-Research/ble-beacon-module/internal/testutil"
)

type apiFixture struct {
	srv     *httptest.Server
	eng     *engine.Engine
	queue   *queue.Queue
	hub     *Hub
	clock   *testutil.FakeClock
	metrics *metrics.Metrics
}

func newAPIFixture(t *testing.T, tweak func(*Deps)) *apiFixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &apiFixture{
		hub:     NewHub(nil),
		clock:   testutil.NewFakeClockMillis(0),
		metrics: metrics.New(),
	}
	f.queue = queue.New(st, queue.WithListener(f.hub), queue.WithMetrics(f.metrics))
	f.eng = engine.New(st, f.queue, testutil.NewManualScheduler(), f.clock,
		engine.WithTimeouts(config.Timeouts{
			Transient: 120 * time.Second,
			Actual:    180 * time.Second,
			Minimum:   60 * time.Second,
		}),
		engine.WithIDGenerator(event.NewSequentialGenerator("evt")),
		engine.WithLocation(time.UTC),
		engine.WithMetrics(f.metrics),
	)

	d := Deps{
		Engine:        f.eng,
		Queue:         f.queue,
		Store:         st,
		Metrics:       f.metrics,
		Hub:           f.hub,
		Clock:         f.clock,
		Location:      time.UTC,
		MaxFetchBytes: queue.DefaultMaxFetchBytes,
	}
	if tweak != nil {
		tweak(&d)
	}

	f.srv = httptest.NewServer(NewRouter(d))
	t.Cleanup(func() {
		f.hub.Close()
		f.srv.Close()
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeError(t *testing.T, data []byte) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(data, &e), string(data))
	return e
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, nil)

	code, body := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"healthy"`)
}

func TestFriends_PutThenGet(t *testing.T) {
	f := newAPIFixture(t, nil)

	code, body := f.do(t, http.MethodPut, "/api/v1/friends", `{"friends":"alice-100-7, bob-100-8-tagb, junk"}`)
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = f.do(t, http.MethodGet, "/api/v1/friends", "")
	require.Equal(t, http.StatusOK, code)

	var resp FriendsResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Friends, 2)
	assert.Equal(t, "alice", resp.Friends[0].DisplayName)
	assert.Equal(t, "100-7", resp.Friends[0].Tag)
	assert.Equal(t, "tagb", resp.Friends[1].Tag)
}

func TestFriends_EmptyListIsArray(t *testing.T) {
	f := newAPIFixture(t, nil)

	_, body := f.do(t, http.MethodGet, "/api/v1/friends", "")
	assert.JSONEq(t, `{"friends":[]}`, string(body))
}

func TestFriends_RejectsUnknownFields(t *testing.T) {
	f := newAPIFixture(t, nil)

	code, body := f.do(t, http.MethodPut, "/api/v1/friends", `{"friend":"alice-1-2"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeBadRequest, decodeError(t, body).Error.Code)
}

func TestDetection(t *testing.T) {
	f := newAPIFixture(t, nil)
	require.NoError(t, f.eng.SetFriendList(context.Background(), "alice-100-7"))

	code, body := f.do(t, http.MethodPost, "/api/v1/detections", `{"major_id":"100","minor_id":"7","at_ms":5000}`)
	require.Equal(t, http.StatusAccepted, code, string(body))

	var resp DetectionResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Tracked)
	require.NotNil(t, resp.Encounter)
	assert.Equal(t, engine.StatusTransient, resp.Encounter.Status)
	assert.Equal(t, "1970-01-01T00:00:05+0000", resp.Encounter.StartedAt)
	assert.Equal(t, "1970-01-01T00:01:05+0000", resp.Encounter.ActualAt)
}

func TestDetection_UnknownBeacon(t *testing.T) {
	f := newAPIFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/api/v1/detections", `{"major_id":"9","minor_id":"9"}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.JSONEq(t, `{"tracked":false}`, string(body))
}

func TestDetection_MissingIDs(t *testing.T) {
	f := newAPIFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/api/v1/detections", `{"major_id":"9"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeBadRequest, decodeError(t, body).Error.Code)
}

func TestEvents_FetchDrainsQueue(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()
	f.eng.AppLog(ctx, "first", nil)
	f.eng.AppLog(ctx, "second", nil)

	code, body := f.do(t, http.MethodGet, "/api/v1/events/count", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"count":2}`, string(body))

	code, body = f.do(t, http.MethodGet, "/api/v1/events", "")
	require.Equal(t, http.StatusOK, code)
	var batch []map[string]any
	require.NoError(t, json.Unmarshal(body, &batch))
	require.Len(t, batch, 2)
	assert.Equal(t, "first", batch[0]["message"])
	assert.Equal(t, "second", batch[1]["message"])

	_, body = f.do(t, http.MethodGet, "/api/v1/events", "")
	assert.Equal(t, "[]", string(body))
}

func TestEvents_MaxBytesLimitsBatch(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()
	f.eng.AppLog(ctx, "first", nil)
	f.eng.AppLog(ctx, "second", nil)

	// Too small for even one record: the first is still returned alone.
	_, body := f.do(t, http.MethodGet, "/api/v1/events?max_bytes=10", "")
	var batch []map[string]any
	require.NoError(t, json.Unmarshal(body, &batch))
	require.Len(t, batch, 1)
	assert.Equal(t, "first", batch[0]["message"])

	n, err := f.queue.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEvents_BadMaxBytes(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, q := range []string{"abc", "0", "-5"} {
		code, body := f.do(t, http.MethodGet, "/api/v1/events?max_bytes="+q, "")
		assert.Equal(t, http.StatusBadRequest, code, q)
		assert.Equal(t, CodeBadRequest, decodeError(t, body).Error.Code)
	}
}

func TestEncounters(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.eng.SetFriendList(ctx, "alice-100-7, bob-100-8"))
	f.eng.OnBeaconDetected(ctx, "100", "8", time.UnixMilli(1000))

	code, body := f.do(t, http.MethodGet, "/api/v1/encounters", "")
	require.Equal(t, http.StatusOK, code)
	var list map[string][]EncounterView
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list["encounters"], 2)
	assert.Equal(t, engine.StatusInactive, list["encounters"][0].Status)
	assert.Empty(t, list["encounters"][0].StartedAt)
	assert.Equal(t, engine.StatusTransient, list["encounters"][1].Status)

	code, body = f.do(t, http.MethodGet, "/api/v1/encounters/100/8", "")
	require.Equal(t, http.StatusOK, code)
	var one EncounterView
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Equal(t, "bob", one.FriendName)
	assert.Equal(t, "1970-01-01T00:02:01+0000", one.ExpiresAt)

	code, body = f.do(t, http.MethodGet, "/api/v1/encounters/1/1", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeNotFound, decodeError(t, body).Error.Code)
}

func TestTimeouts(t *testing.T) {
	f := newAPIFixture(t, nil)

	_, body := f.do(t, http.MethodGet, "/api/v1/timeouts", "")
	assert.JSONEq(t, `{"transient_ms":120000,"actual_ms":180000,"minimum_ms":60000}`, string(body))

	code, body := f.do(t, http.MethodPut, "/api/v1/timeouts", `{"minimum_ms":30000}`)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.JSONEq(t, `{"transient_ms":120000,"actual_ms":180000,"minimum_ms":30000}`, string(body))
	assert.Equal(t, 30*time.Second, f.eng.Timeouts().Minimum)

	code, body = f.do(t, http.MethodPut, "/api/v1/timeouts", `{"actual_ms":0}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeBadRequest, decodeError(t, body).Error.Code)
}

func TestRateLimit(t *testing.T) {
	f := newAPIFixture(t, func(d *Deps) {
		d.RateLimitRPS = 0.001
		d.RateLimitBurst = 1
	})

	code, _ := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, CodeRateLimited, decodeError(t, body).Error.Code)
}

func TestRateLimit_ZeroDisablesLimiting(t *testing.T) {
	f := newAPIFixture(t, func(d *Deps) {
		d.RateLimitRPS = 0
		d.RateLimitBurst = 1
	})

	for i := 0; i < 5; i++ {
		code, _ := f.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(t, http.MethodGet, "/health", "")

	code, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `encounter_http_requests_total{code="200",route="/health"} 1`)
}

func TestNotFound(t *testing.T) {
	f := newAPIFixture(t, nil)

	code, body := f.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeNotFound, decodeError(t, body).Error.Code)
}

func TestStream_NotifiesOnNewData(t *testing.T) {
	f := newAPIFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	resp.Body.Close()

	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	f.eng.AppLog(context.Background(), "hello", nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, queue.DefaultEventName, n.Event)
}
