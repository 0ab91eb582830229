// Package call runs the WebRTC side of a video call: it acquires local
// media, negotiates a Pion peer connection with the remote party through
// the signaling relay and tears everything down when the call ends.
package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"tagarela/internal/models"
)

var (
	// ErrMediaAccess wraps failures to open the camera or the microphone.
	ErrMediaAccess = errors.New("media access failed")
	// ErrBusy is returned when a call is already in progress.
	ErrBusy   = errors.New("another call is in progress")
	ErrNoCall = errors.New("no call in progress")
	// ErrStopped is returned by commands once the manager stopped running.
	ErrStopped = errors.New("call manager stopped")
)

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseRequestingMedia Phase = "requesting-media"
	PhaseAwaitingPeer    Phase = "awaiting-peer"
	PhaseAwaitingOffer   Phase = "awaiting-offer"
	PhaseNegotiating     Phase = "negotiating"
	PhaseConnected       Phase = "connected"
	PhaseEnded           Phase = "ended"
)

// Live reports whether the phase belongs to a call in progress.
func (p Phase) Live() bool {
	return p != PhaseIdle && p != PhaseEnded
}

type EventType string

const (
	EventIncomingInvite  EventType = "incoming-invite"
	EventInviteUpdated   EventType = "invite-updated"
	EventPhaseChanged    EventType = "phase-changed"
	EventConnectionState EventType = "connection-state"
	EventAutoDeclined    EventType = "auto-declined"
	EventRemoteTrack     EventType = "remote-track"
	EventError           EventType = "error"
)

// Event is something the UI should know about. Only the fields relevant to
// Type are set.
type Event struct {
	Type            EventType
	Invite          models.Invite
	Phase           Phase
	Reason          string
	ConnectionState webrtc.PeerConnectionState
	Track           *webrtc.TrackRemote
	Err             error
}

// PeerConnection is the part of *webrtc.PeerConnection a call uses.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// MediaSource opens the local capture devices. Acquire may block until the
// devices are ready; it must give up when ctx is done.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// LocalMedia is a set of captured tracks. Stop releases the devices and is
// safe to call more than once.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

type inviteCoordinator interface {
	Create(ctx context.Context, recipientID string) (models.Invite, error)
	Accept(ctx context.Context, inviteID string) (models.Invite, error)
	Reject(ctx context.Context, inviteID string) (models.Invite, error)
	Cancel(ctx context.Context, inviteID string) (models.Invite, error)
	Get(inviteID string) (models.Invite, bool)
	Subscribe() (<-chan models.Invite, func())
}

type signalRelay interface {
	Send(ctx context.Context, inviteID, toUserID string, typ models.SignalType, payload any) (models.Signal, error)
	Subscribe(ctx context.Context) (<-chan models.Signal, func(), error)
}
