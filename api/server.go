// Package api exposes the detection pipeline over HTTP and websocket.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/vehicle-detector/detection"
	"github.com/nvr-ai/vehicle-detector/pipeline"
	"github.com/nvr-ai/vehicle-detector/util"
)

// multipartMemory is the part of an upload kept in memory before spilling
// to a temporary file.
const multipartMemory = 8 << 20

// Options configures the HTTP surface.
type Options struct {
	Prefix        string
	UploadDir     string
	MaxUploadSize int64
	CORSOrigins   []string
}

// Server routes requests to the pipeline.
type Server struct {
	opts     Options
	pipeline *pipeline.Pipeline
	hub      *Hub
	log      logrus.FieldLogger
	// ctx bounds queued runs; request contexts end with the response.
	ctx context.Context
}

// NewServer creates a Server and subscribes hub to the pipeline's registry.
//
// Arguments:
//   - ctx: Lifetime of asynchronous runs started through the API.
//   - opts: Routing and upload settings.
//   - p: The pipeline requests are served from.
//   - hub: Websocket fan-out; may be nil to disable the event stream.
//   - log: Logger; nil uses the logrus standard logger.
func NewServer(ctx context.Context, opts Options, p *pipeline.Pipeline, hub *Hub, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts.Prefix = strings.TrimRight(opts.Prefix, "/")
	if hub != nil {
		p.Registry().Subscribe(hub.PublishTask)
	}
	return &Server{opts: opts, pipeline: p, hub: hub, log: log, ctx: ctx}
}

// Handler returns the routed handler with CORS and request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	base := s.opts.Prefix + "/detection"

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET "+s.opts.Prefix+"/health", s.handleHealth)
	mux.HandleFunc("POST "+base+"/image", s.handleUpload("image/"))
	mux.HandleFunc("POST "+base+"/video", s.handleUpload("video/"))
	mux.HandleFunc("GET "+base+"/status/{id}", s.handleStatus)
	mux.HandleFunc("GET "+base+"/result/{id}", s.handleResult)
	mux.HandleFunc("GET "+base+"/stats/{id}", s.handleStats)
	mux.HandleFunc("GET "+base+"/download/{filename}", s.handleDownload)
	if s.hub != nil {
		mux.Handle("GET "+base+"/events", s.hub)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})

	return requestLogger(s.log, cors(originSet(s.opts.CORSOrigins), mux))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to Vehicle Detector API",
		"api":     s.opts.Prefix + "/detection",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tasks":   s.pipeline.Registry().Len(),
		"clients": clients,
	})
}

// handleUpload stores the multipart "file" field and runs it through the
// pipeline, synchronously unless ?async=true.
func (s *Server) handleUpload(contentPrefix string) http.HandlerFunc {
	kind := strings.TrimSuffix(contentPrefix, "/")
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize+multipartMemory)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			s.writeUploadError(w, err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "field required: file")
			return
		}
		defer file.Close()

		if !strings.HasPrefix(header.Header.Get("Content-Type"), contentPrefix) {
			writeError(w, http.StatusBadRequest, "File must be a"+article(kind)+" "+kind)
			return
		}
		if header.Size > s.opts.MaxUploadSize {
			writeError(w, http.StatusRequestEntityTooLarge, "File exceeds the maximum upload size of "+strconv.FormatInt(s.opts.MaxUploadSize, 10)+" bytes")
			return
		}

		filter, err := parseFilter(r)
		if err != nil {
			s.writeErr(w, err)
			return
		}

		path, cleanup, err := s.saveUpload(file, header.Filename)
		if err != nil {
			s.writeErr(w, err)
			return
		}

		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
			task, err := s.pipeline.Submit(s.ctx, path, filter, cleanup)
			if err != nil {
				cleanup()
				s.writeErr(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, task)
			return
		}

		defer cleanup()
		result, err := s.pipeline.Process(r.Context(), path, filter)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// saveUpload copies an upload into its own directory under UploadDir so
// concurrent uploads with the same name do not collide.
func (s *Server) saveUpload(src io.Reader, name string) (string, func(), error) {
	base, err := util.CleanFilename(name)
	if err != nil {
		return "", nil, errors.Wrap(detection.ErrValidation, err.Error())
	}

	dir := filepath.Join(s.opts.UploadDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, errors.Wrap(err, "error creating upload directory")
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			s.log.WithError(err).WithField("dir", dir).Warn("error removing upload")
		}
	}

	path := filepath.Join(dir, base)
	dst, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, "error creating upload file")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		cleanup()
		return "", nil, errors.Wrap(err, "error saving upload")
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, "error saving upload")
	}
	return path, cleanup, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.pipeline.Task(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.pipeline.Result(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Stats(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	path, err := s.pipeline.OutputFile(name)
	if err != nil {
		if errors.Is(err, detection.ErrValidation) {
			err = errors.Wrap(detection.ErrNotFound, "File not found")
		}
		s.writeErr(w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.writeErr(w, errors.Wrap(detection.ErrNotFound, "File not found"))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func parseFilter(r *http.Request) (*detection.VehicleFilter, error) {
	rawClasses := strings.TrimSpace(r.FormValue("target_classes"))
	rawConfidence := strings.TrimSpace(r.FormValue("min_confidence"))
	if rawClasses == "" && rawConfidence == "" {
		return nil, nil
	}

	minConfidence := detection.DefaultMinConfidence
	if rawConfidence != "" {
		v, err := strconv.ParseFloat(rawConfidence, 64)
		if err != nil {
			return nil, errors.Wrapf(detection.ErrValidation, "min_confidence %q is not a number", rawConfidence)
		}
		minConfidence = v
	}

	var labels []string
	if rawClasses != "" {
		labels = strings.Split(rawClasses, ",")
	}
	return detection.ParseVehicleFilter(labels, minConfidence)
}

// errorBody mirrors the error document of the original service.
type errorBody struct {
	Detail     string `json:"detail"`
	StatusCode int    `json:"status_code"`
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, detection.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, detection.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, detection.ErrNotCompleted):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeError(w, status, err.Error())
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "File exceeds the maximum upload size")
		return
	}
	writeError(w, http.StatusUnprocessableEntity, "invalid multipart form: "+err.Error())
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail, StatusCode: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("error encoding response")
	}
}

func article(word string) string {
	if word != "" && strings.ContainsRune("aeiou", rune(word[0])) {
		return "n"
	}
	return ""
}
