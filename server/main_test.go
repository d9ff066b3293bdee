package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/san-kum/dental-xray/server/config"
	"github.com/san-kum/dental-xray/server/middleware"
	"github.com/san-kum/dental-xray/server/ml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSegmentationService answers every segment call with one square mask.
func fakeSegmentationService(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/segment/") {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)

		var req ml.SegmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ml.SegmentResponse{
			Width:  req.Width,
			Height: req.Height,
			Masks: []ml.SegmentedMask{{
				ClassID:    3,
				Confidence: 0.9,
				Polygon:    [][2]float64{{4, 4}, {20, 4}, {20, 20}, {4, 20}},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, mlURL string) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.ML.BaseURL = mlURL
	cfg.ML.HealthCheckInterval = 0
	cfg.ML.RetryDelay = time.Millisecond
	cfg.Storage.UploadsDir = filepath.Join(t.TempDir(), "uploads")
	cfg.Storage.ResultsDir = filepath.Join(t.TempDir(), "results")
	cfg.Security.AdminSecret = "secret"
	cfg.Server.ShutdownTimeout = 5 * time.Second

	server, err := NewServer(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(server.Shutdown)
	return server
}

func request(t *testing.T, s *Server, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var decoded map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func pngDataURL(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(48, 40, color.NRGBA{R: 100, G: 100, B: 100, A: 255}), imaging.PNG))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestServerEndToEnd(t *testing.T) {
	var calls atomic.Int32
	s := newTestServer(t, fakeSegmentationService(t, &calls).URL)

	w, body := request(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["active_tasks"])

	w, body = request(t, s, http.MethodPost, "/api/v1/analyses", "", map[string]any{
		"image_data":          pngDataURL(t),
		"analyze_teeth":       true,
		"analyze_cysts":       true,
		"replace_cyst_volume": true,
		"replacement_method":  "color_fill",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	taskID := body["task_id"].(string)

	require.Eventually(t, func() bool {
		_, body := request(t, s, http.MethodGet, "/api/v1/analyses/"+taskID+"/status", "", nil)
		return body["status"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	w, body = request(t, s, http.MethodGet, "/api/v1/analyses/"+taskID+"/result", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	replacement := body["replacement"].(map[string]any)
	assert.Equal(t, "color", replacement["method"])
	assert.Equal(t, taskID+"/cyst_replaced_color.png", replacement["image_ref"])
	assert.Equal(t, int32(2), calls.Load())

	w, _ = request(t, s, http.MethodGet, "/results/"+taskID+"/report.txt", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = request(t, s, http.MethodGet, "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "cache")
	assert.Contains(t, body, "rate_limiter")
}

func TestAdminRoutesRequireToken(t *testing.T) {
	var calls atomic.Int32
	s := newTestServer(t, fakeSegmentationService(t, &calls).URL)

	w, _ := request(t, s, http.MethodGet, "/api/v1/admin/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := middleware.NewAuthMiddleware("secret", zaptest.NewLogger(t)).
		GenerateToken("test", middleware.RoleAdmin, time.Minute)
	require.NoError(t, err)

	w, body := request(t, s, http.MethodGet, "/api/v1/admin/tasks", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["count"])

	w, _ = request(t, s, http.MethodDelete, "/api/v1/admin/tasks/not-a-uuid", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = request(t, s, http.MethodDelete, "/api/v1/admin/tasks/"+uuid.NewString(), token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = request(t, s, http.MethodGet, "/api/v1/analyses/not-a-uuid/status", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitRequiresJSON(t *testing.T) {
	var calls atomic.Int32
	s := newTestServer(t, fakeSegmentationService(t, &calls).URL)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyses", strings.NewReader("image=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
