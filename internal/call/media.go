package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// An Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const syntheticStream = "tagarela"

// SyntheticSource provides a silent audio track and an idle video track.
// It stands in for capture devices where none can be opened.
type SyntheticSource struct{}

func (SyntheticSource) Acquire(ctx context.Context) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", syntheticStream)
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", syntheticStream)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m := &syntheticMedia{tracks: []webrtc.TrackLocal{video, audio}, cancel: cancel}
	m.wg.Go(func() { writeSilence(runCtx, audio) })
	return m, nil
}

type syntheticMedia struct {
	tracks []webrtc.TrackLocal
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (m *syntheticMedia) Tracks() []webrtc.TrackLocal {
	return m.tracks
}

func (m *syntheticMedia) Stop() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

func writeSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	const frame = 20 * time.Millisecond
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frame})
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			if err != nil {
				slog.Debug("failed to write silence", "error", err)
			}
		}
	}
}
