package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/lotdesk/internal/dialog"
	"github.com/zulandar/lotdesk/internal/models"
)

const (
	defaultListLimit    = 50
	defaultHistoryLimit = 100
	maxLimit            = 1000
)

// registerRoutes sets up all HTTP routes.
func registerRoutes(router *gin.Engine, opts Opts) {
	router.GET("/healthz", handleHealth(opts))

	api := router.Group("/api")
	api.GET("/dialogs", handleDialogList(opts.Dialogs))
	api.GET("/dialogs/:user/messages", handleDialogMessages(opts.Dialogs))

	if opts.Webhook != nil {
		router.POST(opts.WebhookPath, gin.WrapH(opts.Webhook))
	}
}

// dialogView is the JSON shape of a dialog.
type dialogView struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Handle      string    `json:"handle,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Status      string    `json:"status"`
	SubjectRef  *uint     `json:"subject_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// messageView is the JSON shape of a history entry.
type messageView struct {
	ID        uint      `json:"id"`
	Direction string    `json:"direction"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func toDialogView(d models.Dialog) dialogView {
	v := dialogView{
		UserID:      d.ExternalUserID,
		DisplayName: d.DisplayName,
		Handle:      d.Handle,
		Status:      d.Status,
		SubjectRef:  d.SubjectRef,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.HasThread() {
		v.ThreadID = *d.ThreadID
	}
	return v
}

func handleHealth(opts Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Ping != nil {
			if err := opts.Ping(c.Request.Context()); err != nil {
				log.Warn().Err(err).Msg("server: health check")
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleDialogList(dialogs DialogReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.Query("status")
		if status != "" && status != models.DialogOpen && status != models.DialogClosed {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be open or closed"})
			return
		}
		limit, ok := parseLimit(c, defaultListLimit)
		if !ok {
			return
		}

		list, err := dialogs.List(c.Request.Context(), dialog.ListOpts{Status: status, Limit: limit})
		if err != nil {
			log.Error().Err(err).Msg("server: list dialogs")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		views := make([]dialogView, 0, len(list))
		for _, d := range list {
			views = append(views, toDialogView(d))
		}
		c.JSON(http.StatusOK, gin.H{"dialogs": views})
	}
}

func handleDialogMessages(dialogs DialogReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := parseLimit(c, defaultHistoryLimit)
		if !ok {
			return
		}
		ctx := c.Request.Context()

		d, err := dialogs.FindByExternalID(ctx, c.Param("user"))
		if errors.Is(err, dialog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "dialog not found"})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("user", c.Param("user")).Msg("server: find dialog")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		msgs, err := dialogs.History(ctx, d.ID, limit)
		if err != nil {
			log.Error().Err(err).Str("user", d.ExternalUserID).Msg("server: history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		views := make([]messageView, 0, len(msgs))
		for _, m := range msgs {
			views = append(views, messageView{ID: m.ID, Direction: string(m.Direction), Text: m.Text, CreatedAt: m.CreatedAt})
		}
		c.JSON(http.StatusOK, gin.H{"dialog": toDialogView(*d), "messages": views})
	}
}

// parseLimit reads the optional limit query parameter. It writes a 400 and
// returns false when the value is malformed.
func parseLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}
