package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/MediaSwitch/internal/app"
	"github.com/dkeye/MediaSwitch/internal/app/orch"
	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const watchGatherTimeout = 10 * time.Second

type handlers struct {
	orch *orch.Orchestrator
}

type WatchRequest struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type WatchResponse struct {
	Viewer string `json:"viewer"`
	Type   string `json:"type"`
	SDP    string `json:"sdp"`
}

func (h *handlers) listSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": h.orch.Sources()})
}

func (h *handlers) selectSource(c *gin.Context) {
	id := domain.SourceID(c.Param("id"))
	err := h.orch.Select(id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"sources": h.orch.Sources()})
	case errors.Is(err, app.ErrUnknownSource):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source"})
	case errors.Is(err, orch.ErrPipeNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": "pipe not connected"})
	case errors.Is(err, orch.ErrCodecMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "codec mismatch"})
	default:
		log.Error().Err(err).Str("module", "adapters.http").Str("source", string(id)).Msg("select")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "select failed"})
	}
}

func (h *handlers) pipeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Status())
}

// watch answers a complete offer in one request, for clients that do not
// trickle candidates.
func (h *handlers) watch(c *gin.Context) {
	var req WatchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SDP == "" || (req.Type != "" && req.Type != "offer") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid offer"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), watchGatherTimeout)
	defer cancel()
	vid, answer, err := h.orch.Watch(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP})
	if err != nil {
		if errors.Is(err, orch.ErrPipeNotConnected) {
			c.JSON(http.StatusConflict, gin.H{"error": "pipe not connected"})
			return
		}
		log.Error().Err(err).Str("module", "adapters.http").Msg("watch")
		c.JSON(http.StatusBadRequest, gin.H{"error": "offer rejected"})
		return
	}

	c.JSON(http.StatusOK, WatchResponse{
		Viewer: string(vid),
		Type:   answer.Type.String(),
		SDP:    answer.SDP,
	})
}
