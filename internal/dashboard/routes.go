package dashboard

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/engine"
	"github.com/zulandar/switchboard/internal/gate"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/registry"
	"github.com/zulandar/switchboard/internal/terminal"
)

type handlers struct {
	reg       *registry.Registry
	db        *gorm.DB
	terms     Terminals
	heartbeat time.Duration
	log       zerolog.Logger
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := router.Group("/api")
	api.GET("/events", h.handleSSE)
	api.GET("/workspaces", h.listWorkspaces)
	api.POST("/requests/:req/approval", h.resolveApproval)
	api.POST("/requests/:req/input", h.resolveUserInput)

	ws := api.Group("/workspaces/:ws")
	ws.GET("", h.workspace)
	ws.POST("/connect", h.connect)
	ws.POST("/disconnect", h.disconnect)
	ws.POST("/account/refresh", h.refreshAccount)
	ws.GET("/debug", h.debugEntries)
	ws.GET("/debug/summary", h.debugSummary)
	ws.GET("/terminals", h.listTerminals)
	ws.DELETE("/terminals/:term", h.closeTerminal)

	ws.GET("/threads", h.listThreads)
	ws.POST("/threads", h.startThread)
	ws.POST("/threads/more", h.loadOlderThreads)

	th := ws.Group("/threads/:thread")
	th.GET("", h.thread)
	th.PATCH("", h.updateThread)
	th.DELETE("", h.archiveThread)
	th.POST("/refresh", h.refreshThread)
	th.POST("/fork", h.forkThread)
	th.POST("/resume", h.resumeThread)
	th.POST("/review", h.startReview)
	th.POST("/messages", h.sendMessage)
	th.POST("/interrupt", h.interrupt)
	th.POST("/queue/resume", h.resumeQueue)
	th.PUT("/queue/:msg", h.editQueued)
	th.DELETE("/queue/:msg", h.deleteQueued)
	th.POST("/images", h.attachImages)
	th.DELETE("/images", h.clearImages)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrWorkspaceNotFound), errors.Is(err, registry.ErrThreadNotFound),
		errors.Is(err, terminal.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNotConnected), errors.Is(err, registry.ErrThreadIDReused):
		return http.StatusConflict
	case errors.Is(err, queue.ErrEmptyText), errors.Is(err, registry.ErrEmptyName),
		errors.Is(err, registry.ErrInvalidDecision), errors.Is(err, gate.ErrIncompleteAnswers):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *handlers) lookup(c *gin.Context) (*registry.Workspace, bool) {
	ws, err := h.reg.Workspace(c.Param("ws"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return ws, true
}

// --- workspaces ---

func (h *handlers) listWorkspaces(c *gin.Context) {
	c.JSON(http.StatusOK, h.reg.Snapshots())
}

func (h *handlers) workspace(c *gin.Context) {
	if ws, ok := h.lookup(c); ok {
		c.JSON(http.StatusOK, ws.Snapshot())
	}
}

func (h *handlers) connect(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := ws.Connect(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ws.Snapshot())
}

func (h *handlers) disconnect(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := ws.Disconnect(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ws.Snapshot())
}

func (h *handlers) refreshAccount(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := ws.RefreshAccount(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	snap := ws.Snapshot()
	c.JSON(http.StatusOK, gin.H{"account": snap.Account, "rate_limits": snap.RateLimits})
}

// --- threads ---

func (h *handlers) listThreads(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	list, err := ws.ListThreads(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": list, "has_more": ws.HasMore()})
}

func (h *handlers) loadOlderThreads(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	list, err := ws.LoadOlderThreads(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": list, "has_more": ws.HasMore()})
}

type startRequest struct {
	Kind string `json:"kind"` // "" (plain), "status", "mcp"
}

func (h *handlers) startThread(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	var (
		th  registry.ThreadSummary
		err error
	)
	switch req.Kind {
	case "":
		th, err = ws.StartThread(ctx)
	case "status":
		th, err = ws.StartStatus(ctx)
	case "mcp":
		th, err = ws.StartMCP(ctx)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be empty, status or mcp"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, th)
}

func (h *handlers) thread(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	snap, err := ws.Thread(c.Param("thread"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type updateRequest struct {
	Name   *string `json:"name"`
	Pinned *bool   `json:"pinned"`
}

func (h *handlers) updateThread(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, id := c.Request.Context(), c.Param("thread")
	if req.Name != nil {
		if err := ws.RenameThread(ctx, id, *req.Name); err != nil {
			h.fail(c, err)
			return
		}
	}
	if req.Pinned != nil {
		var err error
		if *req.Pinned {
			err = ws.PinThread(ctx, id)
		} else {
			err = ws.UnpinThread(ctx, id)
		}
		if err != nil {
			h.fail(c, err)
			return
		}
	}
	snap, err := ws.Thread(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap.ThreadSummary)
}

func (h *handlers) archiveThread(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := ws.ArchiveThread(c.Request.Context(), c.Param("thread")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) refreshThread(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	snap, err := ws.RefreshThread(c.Request.Context(), c.Param("thread"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) forkThread(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	th, err := ws.ForkThread(c.Request.Context(), c.Param("thread"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, th)
}

func (h *handlers) resumeThread(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	th, err := ws.ResumeThread(c.Request.Context(), c.Param("thread"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, th)
}

type reviewRequest struct {
	Target string `json:"target"`
}

func (h *handlers) startReview(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	var req reviewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	th, err := ws.StartReview(c.Request.Context(), c.Param("thread"), req.Target)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, th)
}

// --- turns ---

type sendRequest struct {
	Text   string         `json:"text"`
	Images []engine.Image `json:"images"`
	engine.SendOptions
}

func (h *handlers) sendMessage(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := ws.SendUserMessage(c.Request.Context(), c.Param("thread"), req.Text, req.Images, req.SendOptions)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *handlers) interrupt(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := ws.InterruptTurn(c.Request.Context(), c.Param("thread")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) resumeQueue(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	started, err := ws.ResumeQueue(c.Request.Context(), c.Param("thread"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": started})
}

type editRequest struct {
	Text string `json:"text"`
}

func (h *handlers) editQueued(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	found, err := ws.EditQueued(c.Param("thread"), c.Param("msg"), req.Text)
	h.queueResult(c, found, err)
}

func (h *handlers) deleteQueued(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	found, err := ws.DeleteQueued(c.Param("thread"), c.Param("msg"))
	h.queueResult(c, found, err)
}

func (h *handlers) queueResult(c *gin.Context, found bool, err error) {
	switch {
	case err != nil:
		h.fail(c, err)
	case !found:
		c.JSON(http.StatusNotFound, gin.H{"error": "queued message not found"})
	default:
		c.Status(http.StatusNoContent)
	}
}

type imagesRequest struct {
	Images []engine.Image `json:"images" binding:"required,min=1"`
}

func (h *handlers) attachImages(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	var req imagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := ws.AttachImages(c.Param("thread"), req.Images...); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) clearImages(c *gin.Context) {
	ws, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := ws.ClearImages(c.Param("thread")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- requests ---

type approvalRequest struct {
	Decision engine.Decision `json:"decision" binding:"required"`
	Remember bool            `json:"remember"`
}

func (h *handlers) resolveApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	found, err := h.reg.ResolveApproval(c.Request.Context(), c.Param("req"), req.Decision, req.Remember)
	h.requestResult(c, found, err)
}

type userInputRequest struct {
	Answers map[string][]string `json:"answers" binding:"required"`
}

func (h *handlers) resolveUserInput(c *gin.Context) {
	var req userInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	found, err := h.reg.ResolveUserInput(c.Request.Context(), c.Param("req"), req.Answers)
	h.requestResult(c, found, err)
}

// requestResult reports a resolve. A request that is no longer pending was
// already answered or discarded; that is a no-op, not an error.
func (h *handlers) requestResult(c *gin.Context, found bool, err error) {
	switch {
	case !found:
		c.JSON(http.StatusOK, gin.H{"stale": true})
	case err != nil:
		h.fail(c, err)
	default:
		c.Status(http.StatusNoContent)
	}
}

// --- debug log ---

func (h *handlers) debugEntries(c *gin.Context) {
	f := DebugFilter{
		WorkspaceID: c.Param("ws"),
		Source:      c.Query("source"),
		Label:       c.Query("label"),
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			badRequest(c, err)
			return
		}
		f.Limit = n
	}
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			badRequest(c, err)
			return
		}
		f.Since = t
	}
	rows, err := DebugEntries(h.db, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *handlers) debugSummary(c *gin.Context) {
	rows, err := DebugSummary(h.db, c.Param("ws"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// --- terminals ---

func (h *handlers) listTerminals(c *gin.Context) {
	keys := []terminal.Key{}
	if h.terms != nil {
		keys = append(keys, h.terms.List(c.Param("ws"))...)
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.TerminalID
	}
	c.JSON(http.StatusOK, gin.H{"terminals": ids})
}

func (h *handlers) closeTerminal(c *gin.Context) {
	if h.terms == nil {
		h.fail(c, terminal.ErrNotFound)
		return
	}
	if err := h.terms.Close(terminal.Key{WorkspaceID: c.Param("ws"), TerminalID: c.Param("term")}); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
