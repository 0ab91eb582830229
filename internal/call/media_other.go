//go:build !linux || !cgo

package call

import "log/slog"

// DefaultMediaSource returns the synthetic source. Device capture needs the
// V4L2 and malgo drivers, which are only built on linux with cgo.
func DefaultMediaSource() (MediaSource, error) {
	slog.Info("no capture drivers in this build, using synthetic media")
	return SyntheticSource{}, nil
}
