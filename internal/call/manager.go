package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"tagarela/internal/models"
)

const (
	eventBuffer   = 128
	resubscribe   = 5 * time.Second
	hangupTimeout = 5 * time.Second
)

// Manager owns at most one call session. A single goroutine, Run, applies
// commands, invite changes, inbound signals, media results and peer
// connection callbacks in order, so the session state has one writer.
type Manager struct {
	self    string
	invites inviteCoordinator
	signals signalRelay
	media   MediaSource
	peers   PeerFactory
	log     *slog.Logger

	inbox  chan func(context.Context)
	events chan Event
	done   chan struct{}

	// Acquisitions hand their result over here. Once mediaStopped is set
	// the loop is gone and the acquiring goroutine stops its media itself.
	mediaMu      sync.Mutex
	mediaStopped bool
	mediaQueue   []mediaResult
	mediaReady   chan struct{}

	// Owned by the Run goroutine. gen changes whenever a session starts or
	// ends, so callbacks of an earlier session are recognised as stale.
	state state
	gen   int

	mu       sync.Mutex
	phase    Phase
	current  models.Invite
	audioOff bool
	videoOff bool
}

func NewManager(self string, invites inviteCoordinator, signals signalRelay, media MediaSource, peers PeerFactory) *Manager {
	return &Manager{
		self:       self,
		invites:    invites,
		signals:    signals,
		media:      media,
		peers:      peers,
		log:        slog.With("component", "call", "user_id", self),
		inbox:      make(chan func(context.Context), 64),
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
		mediaReady: make(chan struct{}, 1),
		state:      idle{},
		phase:      PhaseIdle,
	}
}

// Run processes events until ctx is done. A call still in progress is hung
// up on the way out. Run must be called once.
func (m *Manager) Run(ctx context.Context) error {
	invites, stopInvites := m.invites.Subscribe()
	defer stopInvites()
	signals, stopSignals, err := m.signals.Subscribe(ctx)
	if err != nil {
		close(m.done)
		return fmt.Errorf("failed to subscribe to signals: %w", err)
	}
	defer func() { stopSignals() }()
	defer close(m.done)
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hangupTimeout)
		defer cancel()
		m.end(ctx, "shutdown", true)
		m.stopMedia()
	}()

	ticker := time.NewTicker(resubscribe)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-m.inbox:
			fn(ctx)
		case <-m.mediaReady:
			for _, r := range m.takeMedia() {
				m.onMedia(ctx, r.gen, r.media, r.err)
			}
		case inv, ok := <-invites:
			if !ok {
				invites = nil
				continue
			}
			m.onInvite(ctx, inv)
		case sig, ok := <-signals:
			if !ok {
				m.log.Warn("signal subscription closed")
				signals = nil
				continue
			}
			m.onSignal(ctx, sig)
		case <-ticker.C:
			if signals == nil {
				if s, stop, err := m.signals.Subscribe(ctx); err == nil {
					signals, stopSignals = s, stop
				}
			}
		}
	}
}

// do runs fn on the loop and waits for its result. fn receives the loop
// context for work that outlives the command, such as media acquisition.
func (m *Manager) do(ctx context.Context, fn func(loop context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case m.inbox <- func(loop context.Context) { reply <- fn(loop) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// post queues fn without blocking the caller, which may be a Pion callback
// running inside a loop call.
func (m *Manager) post(fn func(context.Context)) {
	select {
	case m.inbox <- fn:
	case <-m.done:
	default:
		go func() {
			select {
			case m.inbox <- fn:
			case <-m.done:
			}
		}()
	}
}

// StartCall invites recipientID and starts acquiring local media.
func (m *Manager) StartCall(ctx context.Context, recipientID string) (models.Invite, error) {
	var inv models.Invite
	err := m.do(ctx, func(loop context.Context) error {
		if m.state.phase().Live() {
			return ErrBusy
		}
		created, err := m.invites.Create(ctx, recipientID)
		if err != nil {
			return err
		}
		inv = created
		m.begin(loop, session{invite: created, caller: true, peerID: recipientID})
		return nil
	})
	return inv, err
}

// Accept answers a pending invite and starts acquiring local media.
// Accepting an invite that was already resolved returns it unchanged and
// starts nothing.
func (m *Manager) Accept(ctx context.Context, inviteID string) (models.Invite, error) {
	var res models.Invite
	err := m.do(ctx, func(loop context.Context) error {
		before, ok := m.invites.Get(inviteID)
		wasPending := ok && before.Status == models.InviteStatusPending
		if wasPending && m.state.phase().Live() {
			return ErrBusy
		}
		inv, err := m.invites.Accept(ctx, inviteID)
		if err != nil {
			return err
		}
		res = inv
		if !wasPending || inv.Status != models.InviteStatusAccepted {
			return nil
		}
		m.begin(loop, session{invite: inv, caller: false, peerID: inv.CallerID})
		return nil
	})
	return res, err
}

func (m *Manager) Decline(ctx context.Context, inviteID string) (models.Invite, error) {
	return m.invites.Reject(ctx, inviteID)
}

// Hangup ends the current call. It is safe to call at any time, any number
// of times.
func (m *Manager) Hangup(ctx context.Context) error {
	err := m.do(ctx, func(context.Context) error {
		m.end(ctx, "hangup", true)
		return nil
	})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// ToggleAudio mutes or unmutes the microphone and reports whether it is
// now muted.
func (m *Manager) ToggleAudio() bool {
	return m.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo reports whether the camera is now disabled.
func (m *Manager) ToggleVideo() bool {
	return m.toggle(webrtc.RTPCodecTypeVideo)
}

func (m *Manager) toggle(kind webrtc.RTPCodecType) bool {
	m.mu.Lock()
	var off bool
	if kind == webrtc.RTPCodecTypeAudio {
		m.audioOff = !m.audioOff
		off = m.audioOff
	} else {
		m.videoOff = !m.videoOff
		off = m.videoOff
	}
	m.mu.Unlock()
	m.post(func(context.Context) { m.applyToggles() })
	return off
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Current returns the invite of the call in progress.
func (m *Manager) Current() (models.Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.phase.Live() {
		return models.Invite{}, ErrNoCall
	}
	return m.current, nil
}

// Events delivers what happened to the UI. Events are dropped if nobody
// reads them.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(e Event) {
	select {
	case m.events <- e:
	default:
		m.log.Warn("dropping call event, consumer is slow", "type", e.Type)
	}
}

func (m *Manager) setState(s state) {
	prev := m.state.phase()
	sess, live := sessionOf(s)
	if !live {
		// The ended event still names the call that ended.
		sess, _ = sessionOf(m.state)
	}
	m.state = s

	m.mu.Lock()
	m.phase = s.phase()
	if live {
		m.current = sess.invite
	} else {
		m.current = models.Invite{}
	}
	m.mu.Unlock()

	if prev == s.phase() {
		return
	}
	e := Event{Type: EventPhaseChanged, Phase: s.phase(), Invite: sess.invite}
	if st, ok := s.(ended); ok {
		e.Reason = st.reason
	}
	m.log.Debug("phase changed", "from", prev, "to", s.phase(), "invite_id", sess.invite.ID)
	m.emit(e)
}

// begin moves to requesting-media and acquires media off the loop. The
// result comes back through the inbox tagged with the session generation.
func (m *Manager) begin(loop context.Context, sess session) {
	m.gen++
	gen := m.gen
	actx, cancel := context.WithCancel(loop)
	m.setState(&requestingMedia{session: sess, cancelAcquire: cancel})

	go func() {
		media, err := m.media.Acquire(actx)
		m.deliverMedia(mediaResult{gen: gen, media: media, err: err})
	}()
}

type mediaResult struct {
	gen   int
	media LocalMedia
	err   error
}

// deliverMedia queues an acquisition result for the loop, or stops the
// media right away when the loop has already exited.
func (m *Manager) deliverMedia(r mediaResult) {
	m.mediaMu.Lock()
	if m.mediaStopped {
		m.mediaMu.Unlock()
		if r.media != nil {
			r.media.Stop()
			m.log.Info("released media acquired after shutdown")
		}
		return
	}
	m.mediaQueue = append(m.mediaQueue, r)
	m.mediaMu.Unlock()

	select {
	case m.mediaReady <- struct{}{}:
	default:
	}
}

func (m *Manager) takeMedia() []mediaResult {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()
	q := m.mediaQueue
	m.mediaQueue = nil
	return q
}

// stopMedia closes the handoff and stops whatever is still queued. It runs
// once, after the loop has ended the session.
func (m *Manager) stopMedia() {
	m.mediaMu.Lock()
	m.mediaStopped = true
	q := m.mediaQueue
	m.mediaQueue = nil
	m.mediaMu.Unlock()

	for _, r := range q {
		if r.media != nil {
			r.media.Stop()
		}
	}
}

func (m *Manager) onMedia(ctx context.Context, gen int, media LocalMedia, err error) {
	st, ok := m.state.(*requestingMedia)
	if gen != m.gen || !ok {
		if media != nil {
			media.Stop()
			m.log.Info("released media acquired after the call ended")
		}
		return
	}
	st.cancelAcquire()

	if err != nil {
		if !errors.Is(err, ErrMediaAccess) {
			err = fmt.Errorf("%w: %v", ErrMediaAccess, err)
		}
		m.log.Error("failed to acquire media", "invite_id", st.invite.ID, "error", err)
		m.emit(Event{Type: EventError, Invite: st.invite, Err: err})
		m.end(ctx, "media access failed", true)
		return
	}

	if st.caller {
		next := &awaitingPeer{session: st.session, media: media, candidates: st.candidates}
		m.setState(next)
		if st.accepted {
			m.startOffer(ctx, next)
		}
		return
	}
	next := &awaitingOffer{session: st.session, media: media, candidates: st.candidates}
	m.setState(next)
	if st.offer != nil {
		m.startAnswer(ctx, next, *st.offer)
	}
}

// newPeer creates a peer connection for the current session with the local
// tracks attached. Its callbacks post back to the loop.
func (m *Manager) newPeer(sess session, media LocalMedia) (PeerConnection, []sender, error) {
	pc, err := m.peers.NewPeerConnection()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	gen := m.gen
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		m.post(func(ctx context.Context) { m.onLocalCandidate(ctx, gen, cand) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.post(func(context.Context) { m.onConnectionState(gen, s) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.post(func(context.Context) {
			if gen == m.gen {
				m.emit(Event{Type: EventRemoteTrack, Invite: sess.invite, Track: track})
			}
		})
	})

	var senders []sender
	for _, track := range media.Tracks() {
		rtp, err := pc.AddTrack(track)
		if err != nil {
			m.closePeer(pc)
			return nil, nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		senders = append(senders, sender{track: track, rtp: rtp})
	}
	return pc, senders, nil
}

func (m *Manager) startOffer(ctx context.Context, st *awaitingPeer) {
	pc, senders, err := m.newPeer(st.session, st.media)
	if err != nil {
		m.fail(ctx, st.invite, err)
		return
	}
	m.setState(&negotiating{session: st.session, media: st.media, pc: pc, senders: senders, candidates: st.candidates})
	m.applyToggles()

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err == nil {
		_, err = m.signals.Send(ctx, st.invite.ID, st.peerID, models.SignalOffer, offer)
	}
	if err != nil {
		m.fail(ctx, st.invite, fmt.Errorf("failed to offer: %w", err))
	}
}

func (m *Manager) startAnswer(ctx context.Context, st *awaitingOffer, sig models.Signal) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Payload, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		m.log.Debug("ignoring malformed offer", "signal_id", sig.ID)
		return
	}

	pc, senders, err := m.newPeer(st.session, st.media)
	if err != nil {
		m.fail(ctx, st.invite, err)
		return
	}
	neg := &negotiating{session: st.session, media: st.media, pc: pc, senders: senders, candidates: st.candidates}
	m.setState(neg)
	m.applyToggles()

	if err := pc.SetRemoteDescription(offer); err != nil {
		m.fail(ctx, st.invite, fmt.Errorf("failed to apply offer: %w", err))
		return
	}
	neg.remoteSet = true

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err == nil {
		_, err = m.signals.Send(ctx, st.invite.ID, st.peerID, models.SignalAnswer, answer)
	}
	if err != nil {
		m.fail(ctx, st.invite, fmt.Errorf("failed to answer: %w", err))
		return
	}
	m.flushCandidates(neg)
}

func (m *Manager) onInvite(ctx context.Context, inv models.Invite) {
	sess, live := sessionOf(m.state)

	if inv.RecipientID == m.self && inv.Status == models.InviteStatusPending {
		if live && inv.ID != sess.invite.ID {
			if _, err := m.invites.Reject(ctx, inv.ID); err != nil {
				m.log.Warn("failed to decline invite while busy", "invite_id", inv.ID, "error", err)
			}
			m.emit(Event{Type: EventAutoDeclined, Invite: inv})
			return
		}
		m.emit(Event{Type: EventIncomingInvite, Invite: inv})
		return
	}

	m.emit(Event{Type: EventInviteUpdated, Invite: inv})
	if !live || inv.ID != sess.invite.ID {
		return
	}
	switch inv.Status {
	case models.InviteStatusAccepted:
		if !sess.caller {
			return
		}
		switch st := m.state.(type) {
		case *requestingMedia:
			st.accepted = true
		case *awaitingPeer:
			m.startOffer(ctx, st)
		}
	case models.InviteStatusRejected, models.InviteStatusCancelled:
		m.end(ctx, "invite "+string(inv.Status), false)
	}
}

func (m *Manager) onSignal(ctx context.Context, sig models.Signal) {
	sess, live := sessionOf(m.state)
	if !live || sig.InviteID != sess.invite.ID || sig.FromUserID != sess.peerID {
		m.log.Debug("ignoring signal for another call", "signal_id", sig.ID, "type", sig.Type, "invite_id", sig.InviteID)
		return
	}

	switch sig.Type {
	case models.SignalHangup:
		m.end(ctx, "remote hangup", false)
	case models.SignalOffer:
		m.onOffer(ctx, sig)
	case models.SignalAnswer:
		m.onAnswer(ctx, sig)
	case models.SignalICECandidate:
		m.onRemoteCandidate(sig)
	default:
		m.log.Debug("ignoring unknown signal", "signal_id", sig.ID, "type", sig.Type)
	}
}

func (m *Manager) onOffer(ctx context.Context, sig models.Signal) {
	switch st := m.state.(type) {
	case *requestingMedia:
		if !st.caller && st.offer == nil {
			st.offer = &sig
			return
		}
	case *awaitingOffer:
		m.startAnswer(ctx, st, sig)
		return
	}
	m.log.Debug("ignoring stale offer", "signal_id", sig.ID, "phase", m.state.phase())
}

func (m *Manager) onAnswer(ctx context.Context, sig models.Signal) {
	st, ok := m.state.(*negotiating)
	if !ok || !st.caller || st.remoteSet {
		m.log.Debug("ignoring stale answer", "signal_id", sig.ID, "phase", m.state.phase())
		return
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Payload, &answer); err != nil || answer.Type != webrtc.SDPTypeAnswer {
		m.log.Debug("ignoring malformed answer", "signal_id", sig.ID)
		return
	}
	if err := st.pc.SetRemoteDescription(answer); err != nil {
		m.fail(ctx, st.invite, fmt.Errorf("failed to apply answer: %w", err))
		return
	}
	st.remoteSet = true
	m.flushCandidates(st)
}

// onRemoteCandidate applies a candidate once the remote description is set
// and buffers it until then.
func (m *Manager) onRemoteCandidate(sig models.Signal) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(sig.Payload, &c); err != nil {
		m.log.Debug("ignoring malformed candidate", "signal_id", sig.ID)
		return
	}
	switch st := m.state.(type) {
	case *requestingMedia:
		st.candidates = append(st.candidates, c)
	case *awaitingPeer:
		st.candidates = append(st.candidates, c)
	case *awaitingOffer:
		st.candidates = append(st.candidates, c)
	case *negotiating:
		if !st.remoteSet {
			st.candidates = append(st.candidates, c)
			return
		}
		m.addCandidate(st.pc, c)
	case *connected:
		m.addCandidate(st.pc, c)
	default:
		m.log.Debug("ignoring early candidate", "signal_id", sig.ID, "phase", m.state.phase())
	}
}

func (m *Manager) flushCandidates(st *negotiating) {
	for _, c := range st.candidates {
		m.addCandidate(st.pc, c)
	}
	st.candidates = nil
}

func (m *Manager) addCandidate(pc PeerConnection, c webrtc.ICECandidateInit) {
	if err := pc.AddICECandidate(c); err != nil {
		m.log.Warn("failed to add ICE candidate", "error", err)
	}
}

func (m *Manager) onLocalCandidate(ctx context.Context, gen int, c webrtc.ICECandidateInit) {
	sess, live := sessionOf(m.state)
	if gen != m.gen || !live {
		return
	}
	if _, err := m.signals.Send(ctx, sess.invite.ID, sess.peerID, models.SignalICECandidate, c); err != nil {
		m.log.Warn("failed to send ICE candidate", "invite_id", sess.invite.ID, "error", err)
	}
}

// onConnectionState reports every change. Only "connected" moves the
// session; failures are left to the user or the remote side to end.
func (m *Manager) onConnectionState(gen int, s webrtc.PeerConnectionState) {
	if gen != m.gen {
		return
	}
	sess, _ := sessionOf(m.state)
	m.emit(Event{Type: EventConnectionState, Invite: sess.invite, ConnectionState: s})
	if s != webrtc.PeerConnectionStateConnected {
		return
	}
	if st, ok := m.state.(*negotiating); ok {
		m.setState(&connected{session: st.session, media: st.media, pc: st.pc, senders: st.senders})
	}
}

func (m *Manager) applyToggles() {
	var senders []sender
	switch st := m.state.(type) {
	case *negotiating:
		senders = st.senders
	case *connected:
		senders = st.senders
	}
	m.mu.Lock()
	audioOff, videoOff := m.audioOff, m.videoOff
	m.mu.Unlock()

	for _, s := range senders {
		if s.rtp == nil {
			continue
		}
		off := audioOff
		if s.track.Kind() == webrtc.RTPCodecTypeVideo {
			off = videoOff
		}
		var track webrtc.TrackLocal
		if !off {
			track = s.track
		}
		if err := s.rtp.ReplaceTrack(track); err != nil {
			m.log.Warn("failed to toggle track", "kind", s.track.Kind(), "error", err)
		}
	}
}

func (m *Manager) fail(ctx context.Context, inv models.Invite, err error) {
	m.log.Error("call failed", "invite_id", inv.ID, "error", err)
	m.emit(Event{Type: EventError, Invite: inv, Err: err})
	m.end(ctx, "negotiation failed", true)
}

// end releases everything the session owns and moves to ended. Local media
// is stopped before any network call. With notifyPeer set, a pending
// outgoing invite is cancelled and an answered call gets a hangup signal.
func (m *Manager) end(ctx context.Context, reason string, notifyPeer bool) {
	sess, live := sessionOf(m.state)
	if !live {
		return
	}

	hasPeer := false
	switch st := m.state.(type) {
	case *requestingMedia:
		st.cancelAcquire()
		hasPeer = !st.caller || st.accepted
	case *awaitingPeer:
		st.media.Stop()
	case *awaitingOffer:
		st.media.Stop()
		hasPeer = true
	case *negotiating:
		st.media.Stop()
		m.closePeer(st.pc)
		hasPeer = true
	case *connected:
		st.media.Stop()
		m.closePeer(st.pc)
		hasPeer = true
	}
	m.gen++
	m.setState(ended{reason: reason})
	m.log.Info("call ended", "invite_id", sess.invite.ID, "reason", reason)

	if !notifyPeer {
		return
	}
	if sess.caller {
		if inv, ok := m.invites.Get(sess.invite.ID); ok && inv.Status == models.InviteStatusPending {
			if _, err := m.invites.Cancel(ctx, inv.ID); err != nil {
				m.log.Warn("failed to cancel invite", "invite_id", inv.ID, "error", err)
			}
			hasPeer = false
		}
	}
	if hasPeer {
		if _, err := m.signals.Send(ctx, sess.invite.ID, sess.peerID, models.SignalHangup, models.HangupPayload{Reason: reason}); err != nil {
			m.log.Warn("failed to send hangup", "invite_id", sess.invite.ID, "error", err)
		}
	}
}

func (m *Manager) closePeer(pc PeerConnection) {
	if err := pc.Close(); err != nil {
		m.log.Warn("failed to close peer connection", "error", err)
	}
}
