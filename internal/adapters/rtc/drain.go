package rtc

import (
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Stats summarizes what arrived on one remote track.
type Stats struct {
	SSRC    uint32
	Packets int
	Bytes   int
	Lost    int

	lastSeq  uint16
	observed bool
}

// Observe accounts one packet. Forward gaps in the sequence count as lost;
// reordered packets are not.
func (s *Stats) Observe(p *rtp.Packet) {
	if s.observed {
		if gap := p.SequenceNumber - s.lastSeq; gap > 1 && gap < 1<<15 {
			s.Lost += int(gap) - 1
		}
	}
	if !s.observed || p.SequenceNumber-s.lastSeq < 1<<15 {
		s.lastSeq = p.SequenceNumber
	}
	s.SSRC = p.SSRC
	s.observed = true
	s.Packets++
	s.Bytes += len(p.Payload)
}

// Drain reads a remote track until it ends. Headless members have no
// renderer, and unread tracks back up pion's receive buffers.
func Drain(track *webrtc.TrackRemote, peer string) Stats {
	var st Stats
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "rtc").Str("peer", peer).Msg("read rtp")
			}
			break
		}
		st.Observe(pkt)
	}
	log.Info().
		Str("module", "rtc").
		Str("peer", peer).
		Str("track_id", track.ID()).
		Uint32("ssrc", st.SSRC).
		Int("packets", st.Packets).
		Int("bytes", st.Bytes).
		Int("lost", st.Lost).
		Msg("remote track ended")
	return st
}
