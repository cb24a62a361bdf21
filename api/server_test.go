package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/vehicle-detector/common"
	"github.com/nvr-ai/vehicle-detector/detection"
	"github.com/nvr-ai/vehicle-detector/media"
	"github.com/nvr-ai/vehicle-detector/pipeline"
	"github.com/nvr-ai/vehicle-detector/tasks"
)

// stubProcessor writes a marker file instead of running a model.
type stubProcessor struct {
	dir        string
	detections []common.BoundingBox
	gate       chan struct{}
}

func (s *stubProcessor) Process(ctx context.Context, path string, filter *detection.VehicleFilter, progress media.ProgressFunc) (*media.Output, error) {
	if s.gate != nil {
		<-s.gate
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	name := media.OutputFilename(path)
	out := filepath.Join(s.dir, name)
	if err := os.WriteFile(out, []byte("annotated"), 0o644); err != nil {
		return nil, err
	}
	return &media.Output{Path: out, Filename: name, Detections: detection.Filter(s.detections, filter), Frames: 1}, nil
}

func (s *stubProcessor) OutputDir() string {
	return s.dir
}

type fixture struct {
	srv       *httptest.Server
	pipeline  *pipeline.Pipeline
	hub       *Hub
	uploadDir string
	outputDir string
}

func newFixture(t *testing.T, proc *stubProcessor, maxUpload int64) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()

	if proc.dir == "" {
		proc.dir = t.TempDir()
	}
	uploadDir := t.TempDir()

	p := pipeline.New(tasks.NewRegistry(), proc, 2, logger)
	hub := NewHub([]string{"http://localhost:3000"}, logger)
	server := NewServer(context.Background(), Options{
		Prefix:        "/api/v1/",
		UploadDir:     uploadDir,
		MaxUploadSize: maxUpload,
		CORSOrigins:   []string{"http://localhost:3000"},
	}, p, hub, logger)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		p.Wait()
	})
	return &fixture{srv: srv, pipeline: p, hub: hub, uploadDir: uploadDir, outputDir: proc.dir}
}

func (f *fixture) url(path string) string {
	return f.srv.URL + "/api/v1/detection" + path
}

func (f *fixture) upload(t *testing.T, path, filename, contentType string, body []byte, fields map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.url(path), mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func sampleDetections() []common.BoundingBox {
	return []common.BoundingBox{
		{X2: 10, Y2: 10, Confidence: 0.9, ClassName: "car"},
		{X2: 10, Y2: 10, Confidence: 0.4, ClassName: "car"},
		{X2: 10, Y2: 10, Confidence: 0.95, ClassName: "bus"},
	}
}

func TestUploadImage(t *testing.T) {
	f := newFixture(t, &stubProcessor{detections: sampleDetections()}, 1<<20)

	resp := f.upload(t, "/image", "street.jpg", "image/jpeg", []byte("jpeg"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[detection.Result](t, resp)
	assert.Equal(t, "street.jpg", result.Filename)
	assert.Equal(t, "processed_street.jpg", result.ProcessedFilename)
	assert.Equal(t, detection.StatusCompleted, result.Status)
	assert.Len(t, result.Detections, 2)
	assert.NotEmpty(t, result.TaskID)

	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "upload should be removed after processing")
}

func TestUploadWithFilter(t *testing.T) {
	f := newFixture(t, &stubProcessor{detections: sampleDetections()}, 1<<20)

	resp := f.upload(t, "/image", "street.jpg", "image/jpeg", []byte("jpeg"), map[string]string{
		"target_classes": "car",
		"min_confidence": "0.6",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Detections []common.BoundingBox `json:"detections"`
		Filter     struct {
			TargetClasses []string `json:"target_classes"`
			MinConfidence float64  `json:"min_confidence"`
		} `json:"filter"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Detections, 1)
	assert.Equal(t, "car", body.Detections[0].ClassName)
	assert.Equal(t, []string{"car"}, body.Filter.TargetClasses)
	assert.InDelta(t, 0.6, body.Filter.MinConfidence, 1e-6)
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		filename    string
		contentType string
		body        []byte
		fields      map[string]string
		status      int
		detail      string
	}{
		{
			name: "image endpoint with video", path: "/image", filename: "clip.mp4", contentType: "video/mp4",
			status: http.StatusBadRequest, detail: "File must be an image",
		},
		{
			name: "video endpoint with image", path: "/video", filename: "a.jpg", contentType: "image/jpeg",
			status: http.StatusBadRequest, detail: "File must be a video",
		},
		{
			name: "missing file", path: "/image",
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "too large", path: "/image", filename: "big.jpg", contentType: "image/jpeg", body: bytes.Repeat([]byte("x"), 2048),
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name: "unknown class", path: "/image", filename: "a.jpg", contentType: "image/jpeg",
			fields: map[string]string{"target_classes": "car,airplane"},
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "bad confidence", path: "/image", filename: "a.jpg", contentType: "image/jpeg",
			fields: map[string]string{"min_confidence": "high"},
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "confidence out of range", path: "/image", filename: "a.jpg", contentType: "image/jpeg",
			fields: map[string]string{"min_confidence": "1.5"},
			status: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &stubProcessor{}, 1024)
			body := tt.body
			if body == nil {
				body = []byte("data")
			}
			resp := f.upload(t, tt.path, tt.filename, tt.contentType, body, tt.fields)
			assert.Equal(t, tt.status, resp.StatusCode)

			errBody := decode[errorBody](t, resp)
			assert.Equal(t, tt.status, errBody.StatusCode)
			if tt.detail != "" {
				assert.Equal(t, tt.detail, errBody.Detail)
			}
			assert.Equal(t, 0, f.pipeline.Registry().Len())
		})
	}
}

func TestUploadAsync(t *testing.T) {
	proc := &stubProcessor{detections: sampleDetections(), gate: make(chan struct{})}
	f := newFixture(t, proc, 1<<20)

	resp := f.upload(t, "/video?async=true", "clip.mp4", "video/mp4", []byte("mp4"), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	task := decode[tasks.Task](t, resp)
	assert.Equal(t, "clip.mp4", task.Filename)

	pending := get(t, f.url("/result/"+task.TaskID))
	assert.Equal(t, http.StatusBadRequest, pending.StatusCode)

	close(proc.gate)
	f.pipeline.Wait()

	status := decode[tasks.Task](t, get(t, f.url("/status/"+task.TaskID)))
	assert.Equal(t, detection.StatusCompleted, status.Status)

	result := get(t, f.url("/result/"+task.TaskID))
	require.Equal(t, http.StatusOK, result.StatusCode)
	assert.Len(t, decode[detection.Result](t, result).Detections, 2)

	stats := get(t, f.url("/stats/"+task.TaskID))
	require.Equal(t, http.StatusOK, stats.StatusCode)
	body := decode[detection.Stats](t, stats)
	assert.Equal(t, 2, body.TotalVehicles)
	assert.Equal(t, map[string]int{"car": 1, "bus": 1}, body.ByClass)

	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLookupsNotFound(t *testing.T) {
	f := newFixture(t, &stubProcessor{}, 1024)

	for _, path := range []string{"/status/nope", "/result/nope", "/stats/nope", "/download/nope.jpg"} {
		t.Run(path, func(t *testing.T) {
			resp := get(t, f.url(path))
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.Equal(t, http.StatusNotFound, decode[errorBody](t, resp).StatusCode)
		})
	}
}

func TestResultOfUnfinishedTask(t *testing.T) {
	f := newFixture(t, &stubProcessor{}, 1024)
	task := f.pipeline.Registry().Create("clip.mp4")

	for _, path := range []string{"/result/", "/stats/"} {
		resp := get(t, f.url(path+task.TaskID))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, decode[errorBody](t, resp).Detail, "pending")
	}
}

func TestDownload(t *testing.T) {
	f := newFixture(t, &stubProcessor{}, 1024)
	require.NoError(t, os.WriteFile(filepath.Join(f.outputDir, "processed_a.jpg"), []byte("annotated"), 0o644))

	resp := get(t, f.url("/download/processed_a.jpg"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "processed_a.jpg")
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "annotated", string(data))

	escaped := get(t, f.url("/download/..%2Fsecret"))
	assert.Equal(t, http.StatusNotFound, escaped.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, &stubProcessor{}, 1024)

	req, err := http.NewRequest(http.MethodOptions, f.url("/image"), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, f.url("/status/x"), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.test")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestRootAndHealth(t *testing.T) {
	f := newFixture(t, &stubProcessor{}, 1024)

	root := get(t, f.srv.URL+"/")
	require.Equal(t, http.StatusOK, root.StatusCode)
	assert.Equal(t, "Welcome to Vehicle Detector API", decode[map[string]string](t, root)["message"])

	health := get(t, f.srv.URL+"/api/v1/health")
	require.Equal(t, http.StatusOK, health.StatusCode)
	assert.Equal(t, "ok", decode[map[string]any](t, health)["status"])

	missing := get(t, f.srv.URL+"/nowhere")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestEvents(t *testing.T) {
	f := newFixture(t, &stubProcessor{}, 1024)

	wsURL := "ws" + strings.TrimPrefix(f.url("/events"), "http")
	header := http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	task := f.pipeline.Registry().Create("street.jpg")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event TaskEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "task.updated", event.Type)
	assert.Equal(t, task.TaskID, event.Task.TaskID)
	assert.Equal(t, detection.StatusPending, event.Task.Status)

	f.pipeline.Registry().UpdateProgress(task.TaskID, 50)
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, detection.StatusProcessing, event.Task.Status)
	require.NotNil(t, event.Task.Progress)
	assert.Equal(t, 50.0, *event.Task.Progress)
}

func TestEventsRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, &stubProcessor{}, 1024)

	wsURL := "ws" + strings.TrimPrefix(f.url("/events"), "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, f.hub.ClientCount())
}
