package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/MediaSwitch/internal/app"
	"github.com/dkeye/MediaSwitch/internal/app/orch"
	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/dkeye/MediaSwitch/internal/domain"
	"github.com/rs/zerolog/log"
)

type sourcesMessage struct {
	Type    string                `json:"type"`
	Sources []domain.SourceStatus `json:"sources"`
}

type stateMessage struct {
	Type string `json:"type"`
	orch.Status
}

func (ctl *SignalWSController) handlePing(conn core.SignalConnection) {
	ctl.sendJSON(conn, map[string]string{"type": "pong"})
}

func (ctl *SignalWSController) handleWhoAmI(vid core.ViewerID, conn core.SignalConnection) {
	ctl.sendJSON(conn, map[string]string{
		"type":   "whoami",
		"viewer": string(vid),
	})
}

func (ctl *SignalWSController) handleSources(conn core.SignalConnection) {
	ctl.sendJSON(conn, sourcesMessage{Type: "sources", Sources: ctl.Orch.Sources()})
}

func (ctl *SignalWSController) handleState(conn core.SignalConnection) {
	ctl.sendJSON(conn, stateMessage{Type: "state", Status: ctl.Orch.Status()})
}

func (ctl *SignalWSController) handleSelect(vid core.ViewerID, conn core.SignalConnection, data []byte) {
	var p struct {
		Type   string          `json:"type"`
		Source domain.SourceID `json:"source"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Source == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad select payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(vid) {
		log.Warn().Str("module", "signal").Str("viewer", string(vid)).Msg("select rate limited")
		ctl.sendError(conn, "rate_limited")
		return
	}

	if err := ctl.Orch.Select(p.Source); err != nil {
		switch {
		case errors.Is(err, app.ErrUnknownSource):
			ctl.sendError(conn, "unknown_source")
		case errors.Is(err, orch.ErrPipeNotConnected):
			ctl.sendError(conn, "pipe_not_connected")
		case errors.Is(err, orch.ErrCodecMismatch):
			ctl.sendError(conn, "codec_mismatch")
		default:
			log.Error().Err(err).Str("module", "signal").Msg("select")
			ctl.sendError(conn, "select_failed")
		}
		return
	}
	log.Info().Str("module", "signal").Str("viewer", string(vid)).Str("source", string(p.Source)).Msg("select")
	ctl.broadcast(sourcesMessage{Type: "sources", Sources: ctl.Orch.Sources()})
}

func (ctl *SignalWSController) handleMute(vid core.ViewerID, conn core.SignalConnection, data []byte) {
	var p struct {
		Type  string `json:"type"`
		Kind  string `json:"kind"`
		Muted bool   `json:"muted"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(conn, "bad_payload")
		return
	}
	kind, err := domain.ParseKind(p.Kind)
	if err != nil {
		ctl.sendError(conn, "unknown_kind")
		return
	}
	if err := ctl.Orch.SetMuted(vid, kind, p.Muted); err != nil {
		ctl.sendError(conn, "no_media")
		return
	}
	ctl.sendJSON(conn, map[string]any{
		"type":  "muted",
		"kind":  kind,
		"muted": p.Muted,
	})
}
