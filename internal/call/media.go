package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MediaSource is the host platform's local capture: the tracks a call
// publishes plus a release hook that stops them. The session owns its source
// exclusively and closes it on every exit path.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// CaptureFunc acquires local audio/video capture from the host platform.
// Failure maps to ErrMediaUnavailable in the call flow.
type CaptureFunc func(ctx context.Context) (MediaSource, error)

// SilentCapture is a device-free CaptureFunc producing an Opus audio track
// and a VP8 video track that never carry samples. It keeps headless clients
// (and the CLI demo) negotiating real media sections without touching
// capture hardware, which belongs to the embedding host.
func SilentCapture(_ context.Context) (MediaSource, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "pairlink")
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "pairlink")
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	return &silentSource{tracks: []webrtc.TrackLocal{audio, video}}, nil
}

type silentSource struct {
	tracks []webrtc.TrackLocal
}

func (s *silentSource) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *silentSource) Close() error { return nil }
