package monitor

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gauge.report/internal/calibration"
	"github.com/banshee-data/gauge.report/internal/journal"
	"github.com/banshee-data/gauge.report/internal/movement"
	"github.com/banshee-data/gauge.report/internal/pipeline"
	"github.com/banshee-data/gauge.report/internal/publisher"
	"github.com/banshee-data/gauge.report/internal/telemetry"
	"github.com/banshee-data/gauge.report/internal/testutil"
	"github.com/banshee-data/gauge.report/internal/timeutil"
	"github.com/banshee-data/gauge.report/internal/units"
)

type fakeSource struct {
	mu   sync.Mutex
	snap *pipeline.Snapshot
	next int
	subs map[int]chan *pipeline.Snapshot
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: map[int]chan *pipeline.Snapshot{}}
}

func (f *fakeSource) Snapshot() *pipeline.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) Subscribe() (int, <-chan *pipeline.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	ch := make(chan *pipeline.Snapshot, 1)
	f.subs[f.next] = ch
	return f.next, ch
}

func (f *fakeSource) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSource) publish(s *pipeline.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = s
	for _, ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

type fakeReporter struct{ st publisher.Status }

func (f fakeReporter) Status() publisher.Status { return f.st }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleSnapshot(seq uint64) *pipeline.Snapshot {
	return &pipeline.Snapshot{
		Seq:               seq,
		Timestamp:         t0.Add(time.Duration(seq) * 30 * time.Millisecond),
		Scale:             calibration.Scale{PixelsPerUnit: 10, Unit: units.Centimetre},
		CalibrationStatus: calibration.StatusFixed,
		Moving:            true,
		Outcome:           pipeline.OutcomeEnqueued,
		Streams: []pipeline.StreamView{
			{Name: "marker", Phase: movement.PhaseMoving},
		},
		Counters: map[string]int64{"pipeline.frames": int64(seq + 1)},
	}
}

func newServer(t *testing.T, cfg WebServerConfig) *WebServer {
	t.Helper()
	if cfg.Pipeline == nil {
		cfg.Pipeline = newFakeSource()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewMockClock(t0)
	}
	ws, err := NewWebServer(cfg)
	require.NoError(t, err)
	return ws
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewWebServer_RequiresPipeline(t *testing.T) {
	t.Parallel()

	_, err := NewWebServer(WebServerConfig{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ws := newServer(t, WebServerConfig{})
	rec := get(t, ws.Handler(), "/health")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var body map[string]string
	testutil.DecodeRecorder(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2026-03-01T12:00:00Z", body["timestamp"])
}

func TestSnapshotEndpoint(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	ws := newServer(t, WebServerConfig{Pipeline: src})

	rec := get(t, ws.Handler(), "/api/snapshot")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	src.publish(sampleSnapshot(7))
	rec = get(t, ws.Handler(), "/api/snapshot")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var snap pipeline.Snapshot
	testutil.DecodeRecorder(t, rec, &snap)
	assert.Equal(t, uint64(7), snap.Seq)
	assert.True(t, snap.Moving)
	require.Len(t, snap.Streams, 1)
	assert.Equal(t, movement.PhaseMoving, snap.Streams[0].Phase)

	req := httptest.NewRequest(http.MethodPost, "/api/snapshot", nil)
	rec = httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestPublisherEndpoint(t *testing.T) {
	t.Parallel()

	ws := newServer(t, WebServerConfig{})
	testutil.AssertStatusCode(t, get(t, ws.Handler(), "/api/publisher").Code, http.StatusNotFound)

	ws = newServer(t, WebServerConfig{Publisher: fakeReporter{publisher.Status{
		Transport: "mqtt", Phase: publisher.PhaseBackoff, QueueDepth: 3,
	}}})
	rec := get(t, ws.Handler(), "/api/publisher")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var st publisher.Status
	testutil.DecodeRecorder(t, rec, &st)
	assert.Equal(t, publisher.PhaseBackoff, st.Phase)
	assert.Equal(t, 3, st.QueueDepth)
}

func TestStatusPage(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	ws := newServer(t, WebServerConfig{DeviceID: "gauge-07", Pipeline: src})

	rec := get(t, ws.Handler(), "/")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "gauge-07")
	assert.Contains(t, rec.Body.String(), "No frame processed yet")

	src.publish(sampleSnapshot(3))
	rec = get(t, ws.Handler(), "/")
	assert.Contains(t, rec.Body.String(), "Frame 3")
	assert.Contains(t, rec.Body.String(), "marker")

	testutil.AssertStatusCode(t, get(t, ws.Handler(), "/nope").Code, http.StatusNotFound)
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = j.Close()
	})
	return j
}

func TestJournalEndpoints(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	j.RecordRejection(journal.Rejection{
		MessageID: "m-1",
		Reason:    telemetry.ReasonAllReadingsZero,
		Field:     "data",
		At:        t0,
	})
	j.RecordLoss(publisher.Loss{MessageID: "m-2", Reason: string(publisher.LossEvicted), At: t0})
	require.Eventually(t, func() bool { return j.Written() == 2 }, 2*time.Second, 5*time.Millisecond)

	ws := newServer(t, WebServerConfig{Journal: j, BackupDir: t.TempDir()})

	rec := get(t, ws.Handler(), "/api/journal/rejections")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var rejections []journal.Entry
	testutil.DecodeRecorder(t, rec, &rejections)
	require.Len(t, rejections, 1)
	assert.Equal(t, "m-1", rejections[0].MessageID)
	assert.Equal(t, "all_readings_zero", rejections[0].Reason)

	rec = get(t, ws.Handler(), "/api/journal/losses?limit=10")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var losses []journal.Entry
	testutil.DecodeRecorder(t, rec, &losses)
	require.Len(t, losses, 1)
	assert.Equal(t, "evicted", losses[0].Reason)

	rec = get(t, ws.Handler(), "/api/journal/summary")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var sum journal.Summary
	testutil.DecodeRecorder(t, rec, &sum)
	assert.Equal(t, int64(1), sum.Rejections["all_readings_zero"])
	assert.Equal(t, int64(1), sum.Losses["evicted"])

	rec = get(t, ws.Handler(), "/api/journal/losses?limit=abc")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestJournalEndpoints_Disabled(t *testing.T) {
	t.Parallel()

	ws := newServer(t, WebServerConfig{})
	for _, path := range []string{"/api/journal/losses", "/api/journal/rejections", "/api/journal/summary"} {
		testutil.AssertStatusCode(t, get(t, ws.Handler(), path).Code, http.StatusNotFound)
	}
}

func TestDebugBackup(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ws := newServer(t, WebServerConfig{Journal: j, BackupDir: t.TempDir()})

	rec := get(t, ws.Handler(), "/debug/backup")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "journal-backup-")

	gz, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("SQLite format 3\x00")))
}

func TestDebugRoutes_LoopbackOnly(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.publish(sampleSnapshot(4))
	ws := newServer(t, WebServerConfig{Pipeline: src})

	rec := get(t, ws.Handler(), "/debug/counters")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var counters map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counters))
	assert.Equal(t, int64(5), counters["pipeline.frames"])

	req := httptest.NewRequest(http.MethodGet, "/debug/counters", nil)
	req.RemoteAddr = "203.0.113.9:40000"
	rec = httptest.NewRecorder()
	ws.Handler().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusForbidden)
}

func TestSnapshotStream(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.publish(sampleSnapshot(1))
	ws := newServer(t, WebServerConfig{Pipeline: src})
	srv := httptest.NewServer(ws.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/snapshots"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap pipeline.Snapshot
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, uint64(1), snap.Seq, "current snapshot on connect")

	require.Eventually(t, func() bool { return src.subscribers() == 1 }, time.Second, 5*time.Millisecond)
	src.publish(sampleSnapshot(2))
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, uint64(2), snap.Seq)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return src.subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestParseLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", defaultListLimit, false},
		{"5", 5, false},
		{"99999", maxListLimit, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLimit(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
