package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/TyrellHaywood/echo-sub001/core/mixdown"
	"github.com/TyrellHaywood/echo-sub001/logger"
	"github.com/TyrellHaywood/echo-sub001/model"
)

// RenderStatus 混音任务状态
type RenderStatus string

const (
	RenderRunning  RenderStatus = "running"
	RenderDone     RenderStatus = "done"
	RenderFailed   RenderStatus = "failed"
	RenderCanceled RenderStatus = "canceled"
)

// RenderJob 一次混音导出任务
type RenderJob struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"projectId"`
	Status    RenderStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	ErrorKind string       `json:"errorKind,omitempty"`
	Duration  float64      `json:"durationSeconds,omitempty"`
	Peak      float64      `json:"peak,omitempty"`
	ObjectRef string       `json:"objectRef,omitempty"`
	StartedAt time.Time    `json:"startedAt"`

	cancel context.CancelFunc
}

type renderRegistry struct {
	mu   sync.Mutex
	jobs map[string]*RenderJob
}

func newRenderRegistry() *renderRegistry {
	return &renderRegistry{jobs: make(map[string]*RenderJob)}
}

func (r *renderRegistry) add(job *RenderJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
}

// get returns a snapshot copy; the live struct is mutated by the render
// goroutine and must only be touched under the lock.
func (r *renderRegistry) get(id string) (RenderJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return RenderJob{}, false
	}
	return *job, true
}

func (r *renderRegistry) update(id string, fn func(*RenderJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		fn(job)
	}
}

// MixdownRequestBody 混音请求体
type MixdownRequestBody struct {
	SampleRate int `json:"sampleRate,omitempty"`
	BitDepth   int `json:"bitDepth,omitempty"`
}

// StartMixdownHandler kicks off an asynchronous mixdown of the project's
// current track table and returns a render id for polling.
// URL: POST /api/projects/{project_id}/mixdown
func (h *APIHandler) StartMixdownHandler(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	if projectID == "" {
		http.Error(w, "Missing project id", http.StatusBadRequest)
		return
	}

	var body MixdownRequestBody
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body) // 空请求体使用默认参数
	}
	if body.SampleRate <= 0 {
		body.SampleRate = h.cfg.MixSampleRate
	}

	// 本实例托管活跃会话时直接用内存轨道表,否则回落到存储
	tracks, live := h.manager.LiveTracks(projectID)
	if !live {
		var err error
		tracks, err = h.trackRepo.ListTracks(r.Context(), projectID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to load tracks: %v", err), http.StatusInternalServerError)
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &RenderJob{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    RenderRunning,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	h.renders.add(job)

	req := &model.MixdownRequest{
		ProjectID:  projectID,
		Tracks:     tracks,
		SampleRate: body.SampleRate,
		BitDepth:   body.BitDepth,
	}
	go h.runMixdown(ctx, job, req)

	logger.Info("混音任务启动",
		logger.String("project", projectID),
		logger.String("render", job.ID),
		logger.Int("tracks", len(tracks)))
	view, _ := h.renders.get(job.ID)
	writeJSON(w, http.StatusAccepted, view)
}

// runMixdown renders the request off the request goroutine and spools the
// WAV for the exporter to upload.
func (h *APIHandler) runMixdown(ctx context.Context, job *RenderJob, req *model.MixdownRequest) {
	defer job.cancel()

	result, err := h.engine.Mix(ctx, req)
	if err != nil {
		var mixErr *mixdown.Error
		status := RenderFailed
		kind := ""
		if errors.As(err, &mixErr) {
			kind = string(mixErr.Kind)
			if mixErr.Kind == mixdown.KindCanceled {
				status = RenderCanceled
			}
		}
		h.renders.update(job.ID, func(j *RenderJob) {
			j.Status = status
			j.Error = err.Error()
			j.ErrorKind = kind
		})
		logger.Warn("混音任务失败",
			logger.ErrorField(err),
			logger.String("project", job.ProjectID),
			logger.String("render", job.ID))
		return
	}

	spoolPath := h.exporter.SpoolPath(job.ProjectID, job.ID)
	file, err := os.Create(spoolPath)
	if err == nil {
		err = mixdown.EncodeWAV(file, result, req.BitDepth)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		h.renders.update(job.ID, func(j *RenderJob) {
			j.Status = RenderFailed
			j.Error = err.Error()
		})
		logger.Error("混音导出写入失败",
			logger.ErrorField(err),
			logger.String("render", job.ID))
		return
	}

	h.renders.update(job.ID, func(j *RenderJob) {
		j.Status = RenderDone
		j.Duration = result.DurationSeconds
		j.Peak = result.Peak
	})
	logger.Info("混音任务完成",
		logger.String("project", job.ProjectID),
		logger.String("render", job.ID),
		logger.Float64("duration", result.DurationSeconds))
}

// GetMixdownHandler reports a render's status. The object ref appears once
// the exporter has uploaded the spooled file.
// URL: GET /api/projects/{project_id}/mixdown/{render_id}
func (h *APIHandler) GetMixdownHandler(w http.ResponseWriter, r *http.Request) {
	renderID := mux.Vars(r)["render_id"]
	job, ok := h.renders.get(renderID)
	if !ok {
		http.Error(w, "Render not found", http.StatusNotFound)
		return
	}

	if job.Status == RenderDone && job.ObjectRef == "" {
		if ref, ok := h.exporter.Ref(h.exporter.SpoolPath(job.ProjectID, job.ID)); ok {
			h.renders.update(job.ID, func(j *RenderJob) { j.ObjectRef = ref })
			job.ObjectRef = ref
		}
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelMixdownHandler aborts a running render. The job never produces a
// partial file.
// URL: DELETE /api/projects/{project_id}/mixdown/{render_id}
func (h *APIHandler) CancelMixdownHandler(w http.ResponseWriter, r *http.Request) {
	renderID := mux.Vars(r)["render_id"]
	job, ok := h.renders.get(renderID)
	if !ok {
		http.Error(w, "Render not found", http.StatusNotFound)
		return
	}

	job.cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}
