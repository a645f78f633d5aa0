package sfu

import (
	"time"

	"github.com/pion/rtp"
)

const (
	// maxSeqGap is the widest sequence jump still read as loss or
	// reordering within one source.
	maxSeqGap = 3000
	// maxTimestampGap is the widest timestamp jump, in seconds, still read
	// as the same source.
	maxTimestampGap = 10
)

// rewriter keeps the sequence numbers and timestamps a relay emits
// continuous when the pipe switches the source behind its output track.
// Each source packetizes from its own random origin, so a switch shows up
// as a jump; the rewriter rebases the new origin onto the last packet it
// emitted.
type rewriter struct {
	clockRate uint32

	started   bool
	lastIn    uint16
	lastInTS  uint32
	lastOut   uint16
	lastOutTS uint32
	lastAt    time.Time

	seqOffset uint16
	tsOffset  uint32
}

func newRewriter(clockRate uint32) *rewriter {
	return &rewriter{clockRate: clockRate}
}

// rewrite renumbers pkt in place and reports whether it started a new
// source.
func (w *rewriter) rewrite(pkt *rtp.Packet, now time.Time) bool {
	if !w.started {
		w.started = true
		w.remember(pkt, now)
		return false
	}

	rebased := false
	if w.discontinuous(pkt) {
		w.seqOffset = w.lastOut + 1 - pkt.SequenceNumber
		w.tsOffset = w.lastOutTS + w.elapsedTicks(now) - pkt.Timestamp
		rebased = true
	}

	newer := pkt.SequenceNumber-w.lastIn < 0x8000
	inSeq, inTS := pkt.SequenceNumber, pkt.Timestamp
	pkt.SequenceNumber += w.seqOffset
	pkt.Timestamp += w.tsOffset
	if newer || rebased {
		w.lastIn, w.lastInTS = inSeq, inTS
		w.lastOut, w.lastOutTS = pkt.SequenceNumber, pkt.Timestamp
		w.lastAt = now
	}
	return rebased
}

func (w *rewriter) remember(pkt *rtp.Packet, now time.Time) {
	w.lastIn, w.lastInTS = pkt.SequenceNumber, pkt.Timestamp
	w.lastOut, w.lastOutTS = pkt.SequenceNumber, pkt.Timestamp
	w.lastAt = now
}

func (w *rewriter) discontinuous(pkt *rtp.Packet) bool {
	delta := pkt.SequenceNumber - w.lastIn
	if delta > maxSeqGap && delta < 0xFFFF-maxSeqGap {
		return true
	}
	if w.clockRate == 0 {
		return false
	}
	tsDelta := int32(pkt.Timestamp - w.lastInTS)
	if tsDelta < 0 {
		tsDelta = -tsDelta
	}
	return uint32(tsDelta) > w.clockRate*maxTimestampGap
}

// elapsedTicks is the wall time since the last emitted packet in clock
// ticks, at least one.
func (w *rewriter) elapsedTicks(now time.Time) uint32 {
	if w.clockRate == 0 {
		return 1
	}
	elapsed := now.Sub(w.lastAt)
	if elapsed <= 0 {
		return 1
	}
	ticks := uint32(elapsed.Seconds() * float64(w.clockRate))
	if ticks == 0 {
		return 1
	}
	return ticks
}
