package rtc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is one 20ms opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// Track is a core.LocalTrack backed by a pion sample track. A disabled audio
// track keeps sending silence frames; a disabled video track drops frames so
// remote peers see the last picture.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	kind    domain.TrackKind
	label   string
	enabled atomic.Bool

	done chan struct{}
	once sync.Once
}

func NewTrack(kind domain.TrackKind, id, streamID, label string) (*Track, error) {
	mime := webrtc.MimeTypeVP8
	if kind == domain.TrackKindAudio {
		mime = webrtc.MimeTypeOpus
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{local: local, kind: kind, label: label, done: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string             { return t.local.ID() }
func (t *Track) Kind() domain.TrackKind { return t.kind }
func (t *Track) StreamID() string       { return t.local.StreamID() }
func (t *Track) Label() string          { return t.label }
func (t *Track) SetEnabled(on bool)     { t.enabled.Store(on) }
func (t *Track) Enabled() bool          { return t.enabled.Load() }
func (t *Track) Done() <-chan struct{}  { return t.done }

func (t *Track) Stop() {
	t.once.Do(func() { close(t.done) })
}

func (t *Track) Ended() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// WriteSample sends one encoded frame, honoring the enabled flag.
func (t *Track) WriteSample(s media.Sample) error {
	if t.Ended() {
		return nil
	}
	if !t.Enabled() {
		if t.kind != domain.TrackKindAudio {
			return nil
		}
		s = media.Sample{Data: opusSilence, Duration: s.Duration}
	}
	return t.local.WriteSample(s)
}
