package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"memfetch/config"
	"memfetch/task"

	"github.com/gin-gonic/gin"
)

// RunControl is the part of a running download the API may see and steer.
type RunControl interface {
	Tasks() []task.Task
	Task(number int) (task.Task, bool)
	Progress() (task.Event, bool)
	Summary() (task.Summary, bool)
	Jobs() int
	SetJobs(n int) error
	Cancel()
	Cancelled() bool
}

type Handler struct {
	ctrl RunControl
	cfg  *config.Config
}

func NewHandler(ctrl RunControl, cfg *config.Config) *Handler {
	return &Handler{
		ctrl: ctrl,
		cfg:  cfg,
	}
}

// taskView is a task plus links to its files.
type taskView struct {
	task.Task
	DownloadURLs []string `json:"download_urls,omitempty"`
}

// buildDownloadURLs links every file the task actually wrote.
func buildDownloadURLs(c *gin.Context, t task.Task) []string {
	if t.State != task.StateSuccess {
		return nil
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	var urls []string
	for _, f := range t.Files {
		if f.Kind == task.FileDuplicate || f.JoinedInto != "" {
			continue
		}
		urls = append(urls, fmt.Sprintf("%s://%s/api/v1/files/%s", scheme, c.Request.Host, filepath.Base(f.Path)))
	}
	return urls
}

// handleListTasks lists the ledger, optionally narrowed with ?status=.
func (h *Handler) handleListTasks(c *gin.Context) {
	status := task.State(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", status)})
		return
	}

	tasks := h.ctrl.Tasks()
	out := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		if status == "" || t.State == status {
			out = append(out, t)
		}
	}
	c.JSON(http.StatusOK, out)
}

// handleGetTask returns one task by its sequence number.
func (h *Handler) handleGetTask(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Task number must be an integer"})
		return
	}
	t, found := h.ctrl.Task(number)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, taskView{Task: t, DownloadURLs: buildDownloadURLs(c, t)})
}

func (h *Handler) handleProgress(c *gin.Context) {
	resp := gin.H{
		"jobs":      h.ctrl.Jobs(),
		"cancelled": h.ctrl.Cancelled(),
	}
	if p, ok := h.ctrl.Progress(); ok {
		resp["progress"] = p
	}
	if s, ok := h.ctrl.Summary(); ok {
		resp["summary"] = s
	}
	c.JSON(http.StatusOK, resp)
}

// handleCancelRun stops dispatching new tasks. Running ones finish.
func (h *Handler) handleCancelRun(c *gin.Context) {
	h.ctrl.Cancel()
	c.JSON(http.StatusOK, gin.H{"message": "Run cancellation requested"})
}

type jobsRequest struct {
	Jobs *int `json:"jobs" binding:"required"`
}

// handleSetJobs overrides the concurrency ceiling; 0 restores the default.
func (h *Handler) handleSetJobs(c *gin.Context) {
	var req jobsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.ctrl.SetJobs(*req.Jobs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.ctrl.Jobs()})
}

// handleGetFile serves a downloaded file from the output directory.
func (h *Handler) handleGetFile(c *gin.Context) {
	filename := filepath.Base(c.Param("filename"))
	if filename == "." || filename == string(filepath.Separator) || task.IsBookkeepingFile(filename) {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	filePath := filepath.Join(h.cfg.OutputDir, filename)
	info, err := os.Stat(filePath)
	if err != nil || !info.Mode().IsRegular() {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	c.File(filePath)
}
