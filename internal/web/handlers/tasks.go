package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/andresmejia3/facefinder/internal/recognition"
	"github.com/andresmejia3/facefinder/internal/store"
)

const (
	maxFormMemory      = 32 << 20
	downloadFilename   = "recognition_result.txt"
	defaultMaxUploadMB = 512
)

// Dispatcher starts a recognition run off the request path.
type Dispatcher interface {
	Dispatch(taskID, videoPath string, imagePaths []string)
}

// TaskHandler serves task submission, status polling and report download.
type TaskHandler struct {
	store      store.TaskStore
	dispatcher Dispatcher
	uploadDir  string
	maxUpload  int64
	logger     *slog.Logger
}

// NewTaskHandler creates the handler. maxUploadMB <= 0 uses the default limit.
func NewTaskHandler(tasks store.TaskStore, dispatcher Dispatcher, uploadDir string, maxUploadMB int, logger *slog.Logger) *TaskHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = defaultMaxUploadMB
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		store:      tasks,
		dispatcher: dispatcher,
		uploadDir:  uploadDir,
		maxUpload:  int64(maxUploadMB) << 20,
		logger:     logger,
	}
}

// TaskResponse is returned when a task is accepted.
type TaskResponse struct {
	TaskID string `json:"task_id"`
}

// StatusResponse is returned by the status endpoint.
type StatusResponse struct {
	Status store.Status `json:"status"`
}

// TaskSummary is one row of the task listing.
type TaskSummary struct {
	TaskID    string       `json:"task_id"`
	Status    store.Status `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Recognize accepts a video plus reference images and schedules a run.
//
// Form fields: "video" (one file), "images" (one or more files) and optional "image_names",
// a JSON object mapping the image index ("0", "1", ...) to a display name.
func (h *TaskHandler) Recognize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	videos := r.MultipartForm.File["video"]
	if len(videos) == 0 {
		respondError(w, http.StatusBadRequest, "video file is required")
		return
	}
	images := r.MultipartForm.File["images"]
	if len(images) == 0 {
		respondError(w, http.StatusBadRequest, "at least one reference image is required")
		return
	}

	// Malformed names are ignored; every image then gets its default name
	names := map[string]string{}
	if raw := r.FormValue("image_names"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			h.logger.Warn("ignoring malformed image_names", "value", sanitizeForLog(raw), "error", err)
			names = map[string]string{}
		}
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		h.logger.Error("failed to create upload directory", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	ctx := r.Context()
	taskID, err := h.store.CreateTask(ctx, "")
	if err != nil {
		h.logger.Error("failed to create task", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	log := h.logger.With("task_id", taskID)

	saved := make([]string, 0, len(images)+1)
	abort := func(msg string, err error) {
		log.Error(msg, "error", err)
		for _, p := range saved {
			os.Remove(p)
		}
		if err := h.store.SetTerminalStatus(ctx, taskID, store.StatusError, ""); err != nil {
			log.Error("failed to mark task as failed", "error", err)
		}
		respondError(w, http.StatusInternalServerError, "failed to store upload")
	}

	videoPath := filepath.Join(h.uploadDir, fmt.Sprintf("%s_%s", taskID, safeFilename(videos[0].Filename)))
	if err := saveUpload(videos[0], videoPath); err != nil {
		abort("failed to save video", err)
		return
	}
	saved = append(saved, videoPath)

	imagePaths := make([]string, 0, len(images))
	for i, fh := range images {
		path := filepath.Join(h.uploadDir, fmt.Sprintf("%s_%d_%s", taskID, i, safeFilename(fh.Filename)))
		if err := saveUpload(fh, path); err != nil {
			abort("failed to save reference image", err)
			return
		}
		saved = append(saved, path)
		imagePaths = append(imagePaths, path)

		name := recognition.DisplayName(names[strconv.Itoa(i)], strconv.Itoa(i+1))
		if _, err := h.store.RecordReferenceImage(ctx, taskID, path, name); err != nil {
			abort("failed to record reference image", err)
			return
		}
		log.Info("reference image stored", "image", path, "name", name)
	}

	h.dispatcher.Dispatch(taskID, videoPath, imagePaths)
	log.Info("recognition task accepted", "images", len(images))
	respondJSON(w, http.StatusAccepted, TaskResponse{TaskID: taskID})
}

// Status reports the task state.
func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	task, ok := h.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: task.Status})
}

// Download streams the finished report.
func (h *TaskHandler) Download(w http.ResponseWriter, r *http.Request) {
	task, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if task.Status != store.StatusDone || task.ResultPath == "" {
		respondError(w, http.StatusConflict, "result not available")
		return
	}

	f, err := os.Open(task.ResultPath)
	if err != nil {
		h.logger.Error("report missing", "task_id", task.ID, "path", task.ResultPath, "error", err)
		respondError(w, http.StatusNotFound, "result not available")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadFilename))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

// List returns the most recent tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	tasks, err := h.store.ListTasks(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list tasks", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskSummary{TaskID: t.ID, Status: t.Status, CreatedAt: t.CreatedAt})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *TaskHandler) lookup(w http.ResponseWriter, r *http.Request) (*store.Task, bool) {
	taskID := chi.URLParam(r, "taskId")
	task, err := h.store.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load task", "task_id", sanitizeForLog(taskID), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load task")
		return nil, false
	}
	return task, true
}

// safeFilename keeps only the base name of a client supplied filename.
func safeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "upload"
	}
	return name
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
