package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/dental-xray/server/masks"
	"github.com/san-kum/dental-xray/server/ml"
	"github.com/san-kum/dental-xray/server/models"
	"github.com/san-kum/dental-xray/server/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// gatedSegmenter returns one square per image and blocks until gate is
// closed when gate is set.
type gatedSegmenter struct {
	gate chan struct{}
}

func (s *gatedSegmenter) Segment(ctx context.Context, img image.Image, kind ml.TaskKind) (*masks.MaskSet, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b := img.Bounds()
	set := masks.NewMaskSet(kind.Category(), b.Dx(), b.Dy())
	_, err := set.AddPolygon(0, []masks.Point{{X: 2, Y: 2}, {X: 12, Y: 2}, {X: 12, Y: 12}, {X: 2, Y: 12}})
	return set, err
}

type testServer struct {
	router       *gin.Engine
	orchestrator *processor.Orchestrator
	uploads      string
}

func newTestServer(t *testing.T, seg ml.Segmenter) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := processor.DefaultConfig()
	cfg.ResultsDir = t.TempDir()
	cfg.ShutdownWindow = 5 * time.Second
	orch := processor.NewOrchestrator(cfg, seg, processor.NewRegistry(), logger)
	t.Cleanup(func() { orch.Shutdown() })

	uploads := t.TempDir()
	analysis := NewAnalysisHandler(orch, uploads, logger)
	analysis.AddStatsSource("extra", func() any { return gin.H{"answer": 42} })
	ws := NewWebSocketHandler(orch, []string{"*"}, 10*time.Millisecond, logger)

	r := gin.New()
	r.GET("/ws", ws.HandleWebSocket)
	api := r.Group("/api/v1")
	api.POST("/analyses", analysis.Submit)
	api.GET("/analyses/:task_id/status", analysis.GetStatus)
	api.GET("/analyses/:task_id/result", analysis.GetResult)
	api.GET("/stats", analysis.GetStats)
	api.GET("/admin/tasks", analysis.ListTasks)
	api.DELETE("/admin/tasks/:task_id", analysis.DeleteTask)

	return &testServer{router: r, orchestrator: orch, uploads: uploads}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded), w.Body.String())
	}
	return w, decoded
}

func dataURL(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(32, 24, color.NRGBA{R: 90, G: 90, B: 90, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func (s *testServer) waitTerminal(t *testing.T, taskID string) models.TaskStatus {
	t.Helper()
	var status models.TaskStatus
	require.Eventually(t, func() bool {
		st, err := s.orchestrator.GetStatus(taskID)
		if err != nil {
			return false
		}
		status = st.Status
		return status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return status
}

func TestSubmitAndFetchResult(t *testing.T) {
	s := newTestServer(t, &gatedSegmenter{})

	w, body := s.do(t, http.MethodPost, "/api/v1/analyses", gin.H{
		"image_data":    dataURL(t),
		"analyze_teeth": true,
		"analyze_cysts": true,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	taskID, _ := body["task_id"].(string)
	require.NotEmpty(t, taskID)
	assert.Equal(t, "running", body["status"])

	require.Equal(t, models.StatusCompleted, s.waitTerminal(t, taskID))

	w, body = s.do(t, http.MethodGet, "/api/v1/analyses/"+taskID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "Analysis completed", body["message"])

	w, body = s.do(t, http.MethodGet, "/api/v1/analyses/"+taskID+"/result", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, taskID, body["task_id"])
	overlap, ok := body["root_overlap_analysis"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(100), overlap["average_overlap_percentage"])
	assert.True(t, strings.HasPrefix(body["image_path"].(string), s.uploads))
}

func TestSubmitValidation(t *testing.T) {
	s := newTestServer(t, &gatedSegmenter{})

	cases := []struct {
		name string
		body gin.H
	}{
		{"no image", gin.H{"analyze_teeth": true}},
		{"both images", gin.H{"image_path": "a.png", "image_data": dataURL(t), "analyze_teeth": true}},
		{"no analysis", gin.H{"image_data": dataURL(t)}},
		{"bad data url", gin.H{"image_data": "not a data url", "analyze_teeth": true}},
		{"not an image", gin.H{"image_data": "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("junk")), "analyze_teeth": true}},
		{"escaping path", gin.H{"image_path": "../../etc/passwd", "analyze_teeth": true}},
		{"unknown method", gin.H{"image_data": dataURL(t), "analyze_cysts": true, "replace_cyst_volume": true, "replacement_method": "telea"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, body := s.do(t, http.MethodPost, "/api/v1/analyses", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Zero(t, s.orchestrator.Registry().Len())
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	s := newTestServer(t, &gatedSegmenter{})

	w, _ := s.do(t, http.MethodGet, "/api/v1/analyses/0b7c7a52-5f43-4d0c-9a54-1b9f2a0e3c11/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = s.do(t, http.MethodGet, "/api/v1/analyses/0b7c7a52-5f43-4d0c-9a54-1b9f2a0e3c11/result", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResultConflictWhileRunningAndAdminEviction(t *testing.T) {
	gate := make(chan struct{})
	s := newTestServer(t, &gatedSegmenter{gate: gate})

	w, body := s.do(t, http.MethodPost, "/api/v1/analyses", gin.H{"image_data": dataURL(t), "analyze_teeth": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	taskID := body["task_id"].(string)

	w, _ = s.do(t, http.MethodGet, "/api/v1/analyses/"+taskID+"/result", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(t, http.MethodDelete, "/api/v1/admin/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = s.do(t, http.MethodGet, "/api/v1/admin/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])

	close(gate)
	require.Equal(t, models.StatusCompleted, s.waitTerminal(t, taskID))

	w, _ = s.do(t, http.MethodDelete, "/api/v1/admin/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, http.MethodGet, "/api/v1/analyses/"+taskID+"/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsIncludesSources(t *testing.T) {
	s := newTestServer(t, &gatedSegmenter{})

	w, body := s.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "orchestrator")
	assert.Contains(t, body, "metrics")
	assert.Equal(t, map[string]any{"answer": float64(42)}, body["extra"])
}

func TestStatusCodeMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusCode(models.InvalidRequest("x")))
	assert.Equal(t, http.StatusNotFound, statusCode(models.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusCode(models.ErrNotReady))
	assert.Equal(t, http.StatusServiceUnavailable, statusCode(processor.ErrShuttingDown))
	assert.Equal(t, http.StatusInternalServerError, statusCode(&models.ModelError{Stage: "teeth", Err: context.Canceled}))
}

func dialWS(t *testing.T, s *testServer, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWebSocketStreamsUntilTerminal(t *testing.T) {
	gate := make(chan struct{})
	s := newTestServer(t, &gatedSegmenter{gate: gate})

	w, body := s.do(t, http.MethodPost, "/api/v1/analyses", gin.H{"image_data": dataURL(t), "analyze_teeth": true})
	require.Equal(t, http.StatusAccepted, w.Code)
	taskID := body["task_id"].(string)

	conn := dialWS(t, s, "?task_id="+taskID)

	var first ServerMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first.Type)
	assert.Equal(t, "running", first.Data.(map[string]any)["status"])

	close(gate)

	var statuses []string
	for {
		var msg ServerMessage
		err := conn.ReadJSON(&msg)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		require.Equal(t, "status", msg.Type)
		statuses = append(statuses, msg.Data.(map[string]any)["status"].(string))
	}
	require.NotEmpty(t, statuses)
	assert.Equal(t, "completed", statuses[len(statuses)-1])
}

func TestWebSocketSubscribeUnknownTask(t *testing.T) {
	s := newTestServer(t, &gatedSegmenter{})
	conn := dialWS(t, s, "")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	var pong ServerMessage
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", TaskID: "missing"}))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), err.Error())
}

func TestCheckOrigin(t *testing.T) {
	assert.True(t, checkOrigin([]string{"https://clinic.example"}, ""))
	assert.True(t, checkOrigin([]string{"https://clinic.example"}, "https://clinic.example"))
	assert.False(t, checkOrigin([]string{"https://clinic.example"}, "https://evil.example"))
	assert.True(t, checkOrigin([]string{"*"}, "https://evil.example"))
}
