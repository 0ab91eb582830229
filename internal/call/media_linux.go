//go:build linux && cgo

package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures the camera as VP8 and the microphone as Opus.
type DeviceSource struct {
	codecs *mediadevices.CodecSelector
	log    *slog.Logger
}

func DefaultMediaSource() (MediaSource, error) {
	return NewDeviceSource()
}

func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: slog.With("component", "media"),
	}, nil
}

// Acquire opens camera and microphone together, then each alone, so a
// missing microphone does not cost the camera. It fails with
// ErrMediaAccess when nothing could be opened.
func (d *DeviceSource) Acquire(ctx context.Context) (LocalMedia, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		d.log.Warn("no media devices found")
	}
	for _, dev := range devices {
		d.log.Debug("media device", "kind", dev.Kind, "label", dev.Label)
	}

	attempts := []struct {
		video, audio bool
		label        string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only. Some cameras expose MJPEG nodes whose
				// frames break the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			d.log.Warn("failed to open media", "attempt", a.label, "error", err)
			lastErr = err
			continue
		}
		tracks := stream.GetTracks()
		d.log.Info("local media captured", "attempt", a.label, "tracks", len(tracks))
		return &deviceMedia{tracks: tracks}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaAccess, lastErr)
}

type deviceMedia struct {
	tracks []mediadevices.Track
	once   sync.Once
}

func (m *deviceMedia) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, len(m.tracks))
	for i, t := range m.tracks {
		out[i] = t
	}
	return out
}

func (m *deviceMedia) Stop() {
	m.once.Do(func() {
		for _, t := range m.tracks {
			t.Close()
		}
	})
}
