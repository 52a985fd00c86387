package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Martian-dev/mail-harvester/internal/classify"
	"github.com/Martian-dev/mail-harvester/internal/config"
	"github.com/Martian-dev/mail-harvester/internal/store"
	"github.com/Martian-dev/mail-harvester/internal/sync"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

type handler struct {
	store    Store
	syncer   Syncer
	accounts []config.Account
	log      *zap.Logger
}

type responseRequest struct {
	Content string `json:"content" binding:"required"`
	Notes   string `json:"notes"`
}

type updateRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, sync.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// startSync handles POST /sync
func (h *handler) startSync(c *gin.Context) {
	if len(h.accounts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no accounts configured"})
		return
	}
	h.start(c, h.accounts)
}

// startAccountSync handles POST /sync/:account
func (h *handler) startAccountSync(c *gin.Context) {
	name := c.Param("account")
	for _, a := range h.accounts {
		if strings.EqualFold(a.Name, name) {
			h.start(c, []config.Account{a})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown account " + name})
}

func (h *handler) start(c *gin.Context, accounts []config.Account) {
	runID, err := h.syncer.StartPass(c.Request.Context(), accounts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

// syncStatus handles GET /sync/status
func (h *handler) syncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.syncer.Status())
}

// stats handles GET /stats
func (h *handler) stats(c *gin.Context) {
	st, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	ids := make([]string, 0, len(st.ByPlatform))
	for id := range st.ByPlatform {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	platforms := make([]classify.PlatformInfo, 0, len(ids))
	for _, id := range ids {
		platforms = append(platforms, classify.Info(id))
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":     st,
		"platforms": platforms,
	})
}

// unresponded handles GET /messages/unresponded
func (h *handler) unresponded(c *gin.Context) {
	limit, ok := limitParam(c)
	if !ok {
		return
	}

	msgs, err := h.store.Unresponded(c.Request.Context(), c.Query("account"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// message handles GET /messages/:id
func (h *handler) message(c *gin.Context) {
	msg, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// createResponse handles POST /messages/:id/responses
func (h *handler) createResponse(c *gin.Context) {
	var req responseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.store.CreateResponse(c.Request.Context(), c.Param("id"), req.Content, req.Notes)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// responses handles GET /responses
func (h *handler) responses(c *gin.Context) {
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	unused, _ := strconv.ParseBool(c.DefaultQuery("unused", "false"))

	list, err := h.store.ListResponses(c.Request.Context(), unused, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"responses": list})
}

// response handles GET /responses/:id
func (h *handler) response(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	resp, err := h.store.GetResponse(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// updateResponse handles PUT /responses/:id
func (h *handler) updateResponse(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.UpdateResponse(c.Request.Context(), id, req.Content); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// markUsed handles POST /responses/:id/used
func (h *handler) markUsed(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.store.MarkResponseUsed(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
