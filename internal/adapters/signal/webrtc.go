package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/MediaSwitch/internal/app/orch"
	"github.com/dkeye/MediaSwitch/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type candidateMessage struct {
	Type string `json:"type"`
	webrtc.ICECandidateInit
}

func (ctl *SignalWSController) sendCandidate(c core.SignalConnection, ci webrtc.ICECandidateInit) {
	ctl.sendJSON(c, candidateMessage{Type: "candidate", ICECandidateInit: ci})
}

func (ctl *SignalWSController) handleOffer(
	ctx context.Context,
	vid core.ViewerID,
	conn *WsSignalConn,
	data []byte,
) {
	type offerPayload struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	var p offerPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SDP == "" {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	}
	answer, err := ctl.Orch.AttachViewer(ctx, vid, offer, func(ci webrtc.ICECandidateInit) {
		ctl.sendCandidate(conn, ci)
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("viewer", string(vid)).Msg("attach viewer")
		if errors.Is(err, orch.ErrPipeNotConnected) {
			ctl.sendError(conn, "pipe_not_connected")
			return
		}
		ctl.sendError(conn, "offer_failed")
		return
	}

	ctl.sendJSON(conn, map[string]string{
		"type": "answer",
		"sdp":  answer.SDP,
	})
}

func (ctl *SignalWSController) handleCandidate(vid core.ViewerID, data []byte) {
	var p candidateMessage
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		return
	}
	if err := ctl.Orch.AddViewerCandidate(vid, p.ICECandidateInit); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("viewer", string(vid)).Msg("add ice candidate")
	}
}
