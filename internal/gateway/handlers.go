package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vedanthundare/Gurukul-sub002/internal/errkind"
	"github.com/vedanthundare/Gurukul-sub002/internal/lesson"
	"github.com/vedanthundare/Gurukul-sub002/internal/registry"
)

// taskView is the task representation handed to clients. Inputs and the
// fingerprint stay internal; the result has its own endpoint.
type taskView struct {
	TaskID          string              `json:"task_id"`
	Kind            registry.Kind       `json:"kind"`
	UserID          string              `json:"user_id"`
	CorrelationID   string              `json:"correlation_id"`
	State           registry.State      `json:"state"`
	ProgressPercent int                 `json:"progress_percent"`
	SubmittedAt     time.Time           `json:"submitted_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	AttemptCount    int                 `json:"attempt_count"`
	PartialResult   json.RawMessage     `json:"partial_result,omitempty"`
	Error           *registry.TaskError `json:"error,omitempty"`
}

func viewOf(task *registry.Task) taskView {
	return taskView{
		TaskID:          task.TaskID,
		Kind:            task.Kind,
		UserID:          task.UserID,
		CorrelationID:   task.CorrelationID,
		State:           task.State,
		ProgressPercent: task.ProgressPercent,
		SubmittedAt:     task.SubmittedAt,
		StartedAt:       task.StartedAt,
		CompletedAt:     task.CompletedAt,
		AttemptCount:    task.AttemptCount,
		PartialResult:   task.PartialResult,
		Error:           task.Error,
	}
}

type submitTaskRequest struct {
	Kind   string          `json:"kind"`
	UserID string          `json:"user_id"`
	Inputs json.RawMessage `json:"inputs"`
	Force  bool            `json:"force"`
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errkind.Validation("decode request body: %v", err), nil)
		return
	}
	kind, err := registry.ParseKind(req.Kind)
	if err != nil {
		writeError(c, err, nil)
		return
	}

	task, err := s.orch.SubmitTask(c.Request.Context(), kind, req.UserID, req.Inputs, req.Force)
	if err != nil {
		if errkind.IsKind(err, errkind.DuplicateInflight) && task != nil {
			writeError(c, err, gin.H{"task_id": task.TaskID})
			return
		}
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusAccepted, viewOf(task))
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.orch.Registry().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, viewOf(task))
}

func (s *Server) handleTaskEvents(c *gin.Context) {
	var since int64
	if raw := c.Query("since_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(c, errkind.Validation("since_seq must be a non-negative integer"), nil)
			return
		}
		since = parsed
	}
	events, err := s.orch.Registry().EventsSince(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": c.Param("id"), "events": events})
}

// handleTaskResult serves only settled outcomes: 200 for a completed
// result, 410 for failed or cancelled, 409 while still in flight.
func (s *Server) handleTaskResult(c *gin.Context) {
	task, err := s.orch.Registry().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	switch task.State {
	case registry.StateCompleted:
		c.JSON(http.StatusOK, gin.H{"task_id": task.TaskID, "result": task.FinalResult})
	case registry.StateFailed:
		c.JSON(http.StatusGone, gin.H{
			"task_id":    task.TaskID,
			"state":      task.State,
			"error_kind": task.Error.Kind,
			"message":    task.Error.Message,
		})
	case registry.StateCancelled:
		c.JSON(http.StatusGone, gin.H{
			"task_id":    task.TaskID,
			"state":      task.State,
			"error_kind": errkind.Cancelled,
			"message":    "task was cancelled",
		})
	default:
		c.JSON(http.StatusConflict, gin.H{
			"task_id":          task.TaskID,
			"state":            task.State,
			"progress_percent": task.ProgressPercent,
			"error_kind":       errkind.StateConflict,
			"message":          "task has not finished",
		})
	}
}

func (s *Server) handleCancelTask(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.orch.Cancel(ctx, c.Param("id")); err != nil {
		writeError(c, err, nil)
		return
	}
	task, err := s.orch.Registry().Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, viewOf(task))
}

func (s *Server) handleTaskStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tasks":  s.orch.Registry().GetStats(),
		"queues": s.orch.Pool().QueueDepths(),
	})
}

func (s *Server) handleCreateLesson(c *gin.Context) {
	var req lesson.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errkind.Validation("decode request body: %v", err), nil)
		return
	}
	task, err := s.orch.SubmitLesson(c.Request.Context(), req)
	if err != nil {
		if errkind.IsKind(err, errkind.DuplicateInflight) && task != nil {
			writeError(c, err, gin.H{"task_id": task.TaskID})
			return
		}
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusAccepted, viewOf(task))
}

func (s *Server) handleGetLesson(c *gin.Context) {
	subject, topic := c.Query("subject"), c.Query("topic")
	if subject == "" || topic == "" {
		writeError(c, errkind.Validation("subject and topic query parameters are required"), nil)
		return
	}
	l, err := s.orch.Lessons().Get(c.Request.Context(), subject, topic)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, l)
}

type quizRequest struct {
	UserID    string     `json:"user_id"`
	Subject   string     `json:"subject"`
	Topic     string     `json:"topic"`
	Score     float64    `json:"score"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (s *Server) handleRecordQuiz(c *gin.Context) {
	var req quizRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errkind.Validation("decode request body: %v", err), nil)
		return
	}
	var at time.Time
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	if err := s.orch.RecordQuiz(c.Request.Context(), req.UserID, req.Subject, req.Topic, req.Score, at); err != nil {
		writeError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

type lessonCompleteRequest struct {
	UserID    string     `json:"user_id"`
	Subject   string     `json:"subject"`
	Topic     string     `json:"topic"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (s *Server) handleLessonComplete(c *gin.Context) {
	var req lessonCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errkind.Validation("decode request body: %v", err), nil)
		return
	}
	var at time.Time
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	if err := s.orch.RecordLessonCompletion(c.Request.Context(), req.UserID, req.Subject, req.Topic, at); err != nil {
		writeError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetProgress(c *gin.Context) {
	u, err := s.orch.Tracker().Get(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleInterventionScan(c *gin.Context) {
	ids, err := s.orch.RunInterventionScan(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusAccepted, gin.H{"task_ids": ids})
}

func (s *Server) handleIntegrationStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Status())
}
