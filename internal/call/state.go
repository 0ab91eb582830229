package call

import (
	"github.com/pion/webrtc/v4"

	"tagarela/internal/models"
)

// state is one phase of the session together with exactly the resources
// that phase owns.
type state interface {
	phase() Phase
}

// session identifies the call a live state belongs to.
type session struct {
	invite models.Invite
	caller bool
	peerID string
}

type idle struct{}

type requestingMedia struct {
	session
	cancelAcquire func()
	// accepted is set when the callee accepted before media was ready.
	accepted bool
	// offer is an offer received before media was ready.
	offer      *models.Signal
	candidates []webrtc.ICECandidateInit
}

// awaitingPeer is the caller with media, waiting for the invite to be accepted.
type awaitingPeer struct {
	session
	media      LocalMedia
	candidates []webrtc.ICECandidateInit
}

// awaitingOffer is the callee with media, waiting for the caller's offer.
type awaitingOffer struct {
	session
	media      LocalMedia
	candidates []webrtc.ICECandidateInit
}

type negotiating struct {
	session
	media   LocalMedia
	pc      PeerConnection
	senders []sender
	// Candidates wait here until the remote description is set.
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
}

type connected struct {
	session
	media   LocalMedia
	pc      PeerConnection
	senders []sender
}

type ended struct {
	reason string
}

func (idle) phase() Phase             { return PhaseIdle }
func (*requestingMedia) phase() Phase { return PhaseRequestingMedia }
func (*awaitingPeer) phase() Phase    { return PhaseAwaitingPeer }
func (*awaitingOffer) phase() Phase   { return PhaseAwaitingOffer }
func (*negotiating) phase() Phase     { return PhaseNegotiating }
func (*connected) phase() Phase       { return PhaseConnected }
func (ended) phase() Phase            { return PhaseEnded }

// sessionOf returns the call identity of a live state.
func sessionOf(s state) (session, bool) {
	switch st := s.(type) {
	case *requestingMedia:
		return st.session, true
	case *awaitingPeer:
		return st.session, true
	case *awaitingOffer:
		return st.session, true
	case *negotiating:
		return st.session, true
	case *connected:
		return st.session, true
	default:
		return session{}, false
	}
}

// sender is a local track attached to the peer connection. rtp is nil when
// the connection does not expose senders.
type sender struct {
	track webrtc.TrackLocal
	rtp   *webrtc.RTPSender
}
