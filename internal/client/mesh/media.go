package mesh

import "github.com/pion/webrtc/v4"

// MediaSource abstracts local capture devices. Implementations wrap
// whatever the host environment provides (camera/microphone/display
// capture) as pion local tracks.
type MediaSource interface {
	// AudioTrack and VideoTrack acquire the capture tracks. Failure is a
	// soft error: the participant stays in the session without that
	// capability.
	AudioTrack() (webrtc.TrackLocal, error)
	VideoTrack() (webrtc.TrackLocal, error)

	// ScreenTrack acquires a display capture track. onEnded fires when
	// the capture is terminated outside our control (OS-level stop), so
	// the mesh can revert to the camera instead of staying stale.
	ScreenTrack(onEnded func()) (webrtc.TrackLocal, error)

	// Enablement toggles pause capture without renegotiation.
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)

	// Close stops all capture. Must be safe to call repeatedly.
	Close()
}
