package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"donna/internal/store"
)

// apiResponse is the envelope every JSON endpoint answers with.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respond(c *gin.Context, code int, data any) {
	c.JSON(code, apiResponse{Success: true, Data: data})
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, apiResponse{Success: false, Error: msg})
}

// caller returns the identity header value, trimmed.
func caller(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(identityHeader))
}

// taskView is the JSON shape tasks are served in. List responses trim
// the heavy fields; detail responses carry everything.
type taskView struct {
	ID                int64      `json:"id"`
	UserID            string     `json:"user_id"`
	Status            string     `json:"status"`
	SourceType        string     `json:"source_type"`
	SourceRef         string     `json:"source_ref,omitempty"`
	ConversationToken string     `json:"conversation_token,omitempty"`
	OutputTarget      string     `json:"output_target"`
	Prompt            string     `json:"prompt,omitempty"`
	Command           string     `json:"command,omitempty"`
	Priority          int        `json:"priority,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	AttemptCount      int        `json:"attempt_count"`
	LastError         string     `json:"last_error,omitempty"`
	CancelRequested   bool       `json:"cancel_requested,omitempty"`
	Result            string     `json:"result,omitempty"`
	ActionsTaken      []string   `json:"actions_taken,omitempty"`
}

const listPromptLimit = 140

func taskSummary(t *store.Task) taskView {
	v := taskDetail(t)
	v.Result = ""
	v.ActionsTaken = nil
	if runes := []rune(v.Prompt); len(runes) > listPromptLimit {
		v.Prompt = string(runes[:listPromptLimit]) + "…"
	}
	return v
}

func taskDetail(t *store.Task) taskView {
	return taskView{
		ID:                t.ID,
		UserID:            t.UserID,
		Status:            string(t.Status),
		SourceType:        string(t.SourceType),
		SourceRef:         t.SourceRef,
		ConversationToken: t.ConversationToken,
		OutputTarget:      string(t.OutputTarget),
		Prompt:            t.Prompt,
		Command:           t.Command,
		Priority:          t.Priority,
		CreatedAt:         t.CreatedAt,
		StartedAt:         t.StartedAt,
		CompletedAt:       t.CompletedAt,
		AttemptCount:      t.AttemptCount,
		LastError:         t.LastError,
		CancelRequested:   t.CancelRequested,
		Result:            t.Result,
		ActionsTaken:      t.ActionsTaken,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
		"uptime":  s.now().Sub(s.started).String(),
	})
}

// handleListTasks serves GET /api/tasks with status/user/source/limit
// query filters.
func (s *Server) handleListTasks(c *gin.Context) {
	filter := store.TaskFilter{Limit: 50}

	if v := c.Query("status"); v != "" {
		st := store.Status(v)
		if !st.Valid() {
			fail(c, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
		filter.Status = st
	}
	if v := c.Query("source"); v != "" {
		src := store.SourceType(v)
		if !src.Valid() {
			fail(c, http.StatusBadRequest, "unknown source type "+strconv.Quote(v))
			return
		}
		filter.SourceType = src
	}
	filter.UserID = c.Query("user")
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			fail(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		filter.Limit = n
	}

	tasks, err := s.store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]taskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, taskSummary(&tasks[i]))
	}
	respond(c, http.StatusOK, gin.H{"tasks": views, "count": len(views)})
}

// createTaskRequest is the POST /api/tasks body. Output target
// defaults to none so results stay readable on the task row instead
// of chasing a channel the API caller cannot see.
type createTaskRequest struct {
	UserID            string `json:"user_id"`
	Prompt            string `json:"prompt"`
	Command           string `json:"command"`
	SourceType        string `json:"source_type"`
	OutputTarget      string `json:"output_target"`
	ConversationToken string `json:"conversation_token"`
	Priority          int    `json:"priority"`
}

// handleCreateTask injects a task. Admin only: the queue is shared
// state and the API cannot tell users apart beyond a header.
func (s *Server) handleCreateTask(c *gin.Context) {
	who := caller(c)
	if who == "" || !s.users.IsAdmin(who) {
		fail(c, http.StatusForbidden, "task creation requires an admin "+identityHeader+" header")
		return
	}

	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = who
	}
	if req.SourceType == "" {
		req.SourceType = string(store.SourceCLI)
	}
	if req.OutputTarget == "" {
		req.OutputTarget = string(store.TargetNone)
	}

	id, err := s.store.CreateTask(c.Request.Context(), store.NewTask{
		UserID:            req.UserID,
		Prompt:            req.Prompt,
		Command:           req.Command,
		SourceType:        store.SourceType(req.SourceType),
		ConversationToken: req.ConversationToken,
		OutputTarget:      store.OutputTarget(req.OutputTarget),
		Priority:          req.Priority,
	})
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("task created over api", "task_id", id, "user_id", req.UserID, "by", who)

	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respond(c, http.StatusCreated, taskDetail(task))
}

func (s *Server) taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		fail(c, http.StatusBadRequest, "task id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "no task "+strconv.FormatInt(id, 10))
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respond(c, http.StatusOK, taskDetail(task))
}

// handleCancelTask flags a task for cooperative cancellation. Owners
// may cancel their own tasks; admins may cancel anyone's.
func (s *Server) handleCancelTask(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "no task "+strconv.FormatInt(id, 10))
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	who := caller(c)
	if who == "" || (who != task.UserID && !s.users.IsAdmin(who)) {
		fail(c, http.StatusForbidden, "only the task owner or an admin may cancel")
		return
	}

	if err := s.store.RequestCancel(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, http.StatusConflict, "task already finished")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("cancel requested over api", "task_id", id, "by", who)
	respond(c, http.StatusOK, gin.H{"id": id, "cancel_requested": true})
}

// queueView summarises one queue for GET /api/queue.
type queueView struct {
	Active  int `json:"active"`
	Pending int `json:"pending"`
}

type slotView struct {
	UserID string    `json:"user_id"`
	Queue  string    `json:"queue"`
	Slot   int       `json:"slot"`
	RunID  string    `json:"run_id"`
	Since  time.Time `json:"since"`
}

func (s *Server) handleQueue(c *gin.Context) {
	ctx := c.Request.Context()

	queues := make(map[string]queueView, 2)
	for _, q := range []store.QueueType{store.QueueForeground, store.QueueBackground} {
		view := queueView{Active: s.pool.Active(q)}
		userIDs, err := s.store.UsersWithPending(ctx, q)
		if err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		for _, uid := range userIDs {
			n, err := s.store.CountPendingForUserQueue(ctx, uid, q)
			if err != nil {
				fail(c, http.StatusInternalServerError, err.Error())
				return
			}
			view.Pending += n
		}
		queues[string(q)] = view
	}

	snapshot := s.pool.Snapshot()
	workers := make([]slotView, 0, len(snapshot))
	for _, slot := range snapshot {
		workers = append(workers, slotView{
			UserID: slot.UserID,
			Queue:  string(slot.Queue),
			Slot:   slot.Slot,
			RunID:  slot.RunID,
			Since:  slot.Since,
		})
	}

	respond(c, http.StatusOK, gin.H{
		"queues":    queues,
		"workers":   workers,
		"processed": s.pool.Processed(),
	})
}

// handleTaskEvents upgrades to a websocket and streams the task's
// progress feed. The stream closes after reporting a terminal status;
// a task already finished gets that single status frame.
func (s *Server) handleTaskEvents(c *gin.Context) {
	id, ok := s.taskID(c)
	if !ok {
		return
	}
	task, err := s.store.GetTask(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "no task "+strconv.FormatInt(id, 10))
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.logger.Debug("websocket upgrade failed", "task_id", id, "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.feed.Subscribe(id)
	defer cancel()

	// Reader goroutine: we never expect client frames, but reading is
	// what detects a closed peer.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeEvent := func(ev Event) bool {
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("websocket write failed", "task_id", id, "error", err)
			return false
		}
		return true
	}

	if task.Status.IsTerminal() {
		_ = writeEvent(Event{TaskID: id, Type: "status", Status: string(task.Status), Time: s.now()})
		return
	}

	// Lifecycle changes are discovered by polling the row; the feed
	// itself only carries executor progress.
	ticker := time.NewTicker(s.statusPoll)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-c.Request.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if !writeEvent(ev) {
				return
			}
		case <-ticker.C:
			current, err := s.store.GetTask(c.Request.Context(), id)
			if err != nil {
				return
			}
			if current.Status.IsTerminal() {
				_ = writeEvent(Event{TaskID: id, Type: "status", Status: string(current.Status), Time: s.now()})
				return
			}
		}
	}
}
