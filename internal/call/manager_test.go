package call_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"tagarela/internal/backend"
	"tagarela/internal/backend/backendtest"
	"tagarela/internal/blocklist"
	"tagarela/internal/call"
	"tagarela/internal/invite"
	"tagarela/internal/models"
	"tagarela/internal/signaling"
)

type fakePC struct {
	mu         sync.Mutex
	tracks     int
	offers     int
	answers    int
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	early      int
	closed     bool
	onState    func(webrtc.PeerConnectionState)
}

func (p *fakePC) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return nil, nil
}

func (p *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake offer"}, nil
}

func (p *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake answer"}, nil
}

func (p *fakePC) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (p *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.early++
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePC) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) setState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(s)
}

type pcStats struct {
	offers     int
	answers    int
	early      int
	candidates int
	remote     webrtc.SDPType
	closed     bool
}

func (p *fakePC) stats() pcStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := pcStats{offers: p.offers, answers: p.answers, early: p.early, candidates: len(p.candidates), closed: p.closed}
	if p.remote != nil {
		s.remote = p.remote.Type
	}
	return s
}

type fakePeers struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakePeers) NewPeerConnection() (call.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakePeers) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

type fakeMedia struct {
	mu      sync.Mutex
	stopped int
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
}

func (m *fakeMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped > 0
}

// fakeSource hands out media immediately, or once gate is closed. Like a
// slow camera it ignores cancellation.
type fakeSource struct {
	gate chan struct{}
	err  error

	mu       sync.Mutex
	acquired []*fakeMedia
}

func (s *fakeSource) Acquire(context.Context) (call.LocalMedia, error) {
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	m := &fakeMedia{}
	s.mu.Lock()
	s.acquired = append(s.acquired, m)
	s.mu.Unlock()
	return m, nil
}

func (s *fakeSource) allStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acquired) == 0 {
		return false
	}
	for _, m := range s.acquired {
		if !m.isStopped() {
			return false
		}
	}
	return true
}

type party struct {
	user    *backend.Local
	invites *invite.Coordinator
	relay   *signaling.Relay
	mgr     *call.Manager
	media   *fakeSource
	peers   *fakePeers
}

func (p *party) id() string { return p.user.UserID() }

func newParty(t *testing.T, ctx context.Context, env *backendtest.Env, nickname string, media *fakeSource) *party {
	t.Helper()
	u := env.User(t, nickname)
	p := &party{
		user:    u,
		invites: invite.NewCoordinator(u, blocklist.New(u)),
		relay:   signaling.NewRelay(u),
		media:   media,
		peers:   &fakePeers{},
	}
	p.mgr = call.NewManager(u.UserID(), p.invites, p.relay, media, p.peers)

	invitesBefore := env.Hub.Subscribers(models.TopicInvites)
	signalsBefore := env.Hub.Subscribers(models.TopicSignals)
	go func() { _ = p.invites.Run(ctx) }()
	go func() { _ = p.mgr.Run(ctx) }()
	waitFor(t, "subscriptions", func() bool {
		return env.Hub.Subscribers(models.TopicInvites) > invitesBefore &&
			env.Hub.Subscribers(models.TopicSignals) > signalsBefore
	})
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitPhase(t *testing.T, p *party, want call.Phase) {
	t.Helper()
	waitFor(t, "phase "+string(want), func() bool { return p.mgr.Phase() == want })
}

func waitEvent(t *testing.T, p *party, typ call.EventType) call.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-p.mgr.Events():
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return call.Event{}
		}
	}
}

func lastPC(t *testing.T, p *party) *fakePC {
	t.Helper()
	waitFor(t, "peer connection", func() bool { return p.peers.last() != nil })
	return p.peers.last()
}

func TestManager_Call(t *testing.T) {
	env := backendtest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newParty(t, ctx, env, "alice", &fakeSource{})
	bob := newParty(t, ctx, env, "bob", &fakeSource{})

	inv, err := alice.mgr.StartCall(ctx, bob.id())
	if err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	waitPhase(t, alice, call.PhaseAwaitingPeer)
	if e := waitEvent(t, bob, call.EventIncomingInvite); e.Invite.ID != inv.ID {
		t.Fatalf("unexpected incoming invite %+v", e.Invite)
	}

	if _, err := bob.mgr.Accept(ctx, inv.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	a, b := lastPC(t, alice), lastPC(t, bob)
	waitFor(t, "answer applied", func() bool { return a.stats().remote == webrtc.SDPTypeAnswer })

	if s := a.stats(); s.offers != 1 || s.answers != 0 {
		t.Errorf("caller: expected one offer, got %+v", s)
	}
	if s := b.stats(); s.offers != 0 || s.answers != 1 || s.remote != webrtc.SDPTypeOffer {
		t.Errorf("callee: expected one answer, got %+v", s)
	}

	a.setState(webrtc.PeerConnectionStateConnected)
	b.setState(webrtc.PeerConnectionStateConnected)
	waitPhase(t, alice, call.PhaseConnected)
	waitPhase(t, bob, call.PhaseConnected)
	if cur, err := bob.mgr.Current(); err != nil || cur.ID != inv.ID {
		t.Errorf("unexpected current call %+v, %v", cur, err)
	}

	// A dropped connection is reported but does not end the call.
	a.setState(webrtc.PeerConnectionStateDisconnected)
	for e := waitEvent(t, alice, call.EventConnectionState); e.ConnectionState != webrtc.PeerConnectionStateDisconnected; {
		e = waitEvent(t, alice, call.EventConnectionState)
	}
	if alice.mgr.Phase() != call.PhaseConnected {
		t.Errorf("connection failure ended the call")
	}

	if err := alice.mgr.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := alice.mgr.Hangup(ctx); err != nil {
		t.Errorf("second hangup failed: %v", err)
	}
	waitPhase(t, alice, call.PhaseEnded)
	waitPhase(t, bob, call.PhaseEnded)
	if !a.stats().closed || !b.stats().closed {
		t.Error("peer connections left open")
	}
	if !alice.media.allStopped() || !bob.media.allStopped() {
		t.Error("local media left running")
	}
	if _, err := alice.mgr.Current(); !errors.Is(err, call.ErrNoCall) {
		t.Errorf("expected ErrNoCall, got %v", err)
	}
}

func TestManager_BusyAndAutoDecline(t *testing.T) {
	env := backendtest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newParty(t, ctx, env, "alice", &fakeSource{})
	bob := newParty(t, ctx, env, "bob", &fakeSource{})
	carol := newParty(t, ctx, env, "carol", &fakeSource{})

	inv, err := alice.mgr.StartCall(ctx, bob.id())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.mgr.StartCall(ctx, carol.id()); !errors.Is(err, call.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	waitFor(t, "invite delivered", func() bool { return len(bob.invites.Pending()) == 1 })
	if _, err := bob.mgr.Accept(ctx, inv.ID); err != nil {
		t.Fatal(err)
	}
	waitPhase(t, bob, call.PhaseNegotiating)

	second, err := carol.mgr.StartCall(ctx, bob.id())
	if err != nil {
		t.Fatal(err)
	}
	if e := waitEvent(t, bob, call.EventAutoDeclined); e.Invite.ID != second.ID {
		t.Errorf("auto-declined the wrong invite %+v", e.Invite)
	}
	waitPhase(t, carol, call.PhaseEnded)
	if got, _ := carol.invites.Get(second.ID); got.Status != models.InviteStatusRejected {
		t.Errorf("expected the second invite rejected, got %s", got.Status)
	}
	if bob.mgr.Phase() != call.PhaseNegotiating {
		t.Errorf("second invite disturbed the call: %s", bob.mgr.Phase())
	}
	if cur, _ := bob.mgr.Current(); cur.ID != inv.ID {
		t.Errorf("current call changed to %s", cur.ID)
	}
}

func TestManager_MediaAfterHangupIsReleased(t *testing.T) {
	env := backendtest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow := &fakeSource{gate: make(chan struct{})}
	alice := newParty(t, ctx, env, "alice", slow)
	bob := newParty(t, ctx, env, "bob", &fakeSource{})

	inv, err := alice.mgr.StartCall(ctx, bob.id())
	if err != nil {
		t.Fatal(err)
	}
	waitPhase(t, alice, call.PhaseRequestingMedia)
	waitFor(t, "invite delivered", func() bool { return len(bob.invites.Pending()) == 1 })

	if err := alice.mgr.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	waitPhase(t, alice, call.PhaseEnded)

	// The pending invite was cancelled, so accepting it now does nothing.
	waitFor(t, "invite cancelled", func() bool { return len(bob.invites.Pending()) == 0 })
	res, err := bob.mgr.Accept(ctx, inv.ID)
	if err != nil || res.Status != models.InviteStatusCancelled {
		t.Errorf("accepting a cancelled invite: %+v, %v", res, err)
	}
	if bob.mgr.Phase() != call.PhaseIdle {
		t.Errorf("callee started a call: %s", bob.mgr.Phase())
	}

	close(slow.gate)
	waitFor(t, "late media stopped", slow.allStopped)
	if alice.peers.last() != nil {
		t.Error("peer connection created after hangup")
	}
}

func TestManager_ShutdownReleasesPendingMedia(t *testing.T) {
	env := backendtest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bob := env.User(t, "bob")

	for i := range 20 {
		runCtx, stop := context.WithCancel(ctx)
		slow := &fakeSource{gate: make(chan struct{})}
		alice := newParty(t, runCtx, env, fmt.Sprintf("alice%d", i), slow)

		if _, err := alice.mgr.StartCall(ctx, bob.UserID()); err != nil {
			t.Fatal(err)
		}
		waitPhase(t, alice, call.PhaseRequestingMedia)

		// The camera answers while or after the manager shuts down.
		stop()
		if i%2 == 0 {
			waitPhase(t, alice, call.PhaseEnded)
		}
		close(slow.gate)
		waitFor(t, fmt.Sprintf("media of run %d stopped", i), slow.allStopped)

		waitFor(t, "subscriptions released", func() bool {
			return env.Hub.Subscribers(models.TopicInvites) == 0 && env.Hub.Subscribers(models.TopicSignals) == 0
		})
	}
}

func TestManager_CallerKeepsCandidatesBeforeAnswer(t *testing.T) {
	env := backendtest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newParty(t, ctx, env, "alice", &fakeSource{})
	bob := newParty(t, ctx, env, "bob", &fakeSource{})

	inv, err := alice.mgr.StartCall(ctx, bob.id())
	if err != nil {
		t.Fatal(err)
	}
	waitPhase(t, alice, call.PhaseAwaitingPeer)
	waitFor(t, "invite delivered", func() bool { return len(bob.invites.Pending()) == 1 })

	// A candidate from the callee reaches the caller before the accept.
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.2 5000 typ host"}
	if _, err := bob.relay.Send(ctx, inv.ID, alice.id(), models.SignalICECandidate, cand); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := bob.mgr.Accept(ctx, inv.ID); err != nil {
		t.Fatal(err)
	}
	a := lastPC(t, alice)
	waitFor(t, "answer applied", func() bool { return a.stats().remote == webrtc.SDPTypeAnswer })
	waitFor(t, "candidate applied", func() bool { return a.stats().candidates == 1 })
	if s := a.stats(); s.early != 0 {
		t.Errorf("%d candidates applied before the remote description", s.early)
	}
}

func TestManager_OfferDuringMediaAcquisition(t *testing.T) {
	env := backendtest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow := &fakeSource{gate: make(chan struct{})}
	alice := newParty(t, ctx, env, "alice", &fakeSource{})
	bob := newParty(t, ctx, env, "bob", slow)

	inv, err := alice.mgr.StartCall(ctx, bob.id())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite delivered", func() bool { return len(bob.invites.Pending()) == 1 })
	if _, err := bob.mgr.Accept(ctx, inv.ID); err != nil {
		t.Fatal(err)
	}
	a := lastPC(t, alice)
	waitFor(t, "offer sent", func() bool { return a.stats().offers == 1 })
	// Let the offer reach bob while his camera is still opening.
	time.Sleep(50 * time.Millisecond)
	if bob.mgr.Phase() != call.PhaseRequestingMedia {
		t.Fatalf("expected bob to still be requesting media, got %s", bob.mgr.Phase())
	}

	close(slow.gate)
	waitPhase(t, bob, call.PhaseNegotiating)
	b := lastPC(t, bob)
	waitFor(t, "answer applied", func() bool { return a.stats().remote == webrtc.SDPTypeAnswer })
	if s := b.stats(); s.answers != 1 || s.remote != webrtc.SDPTypeOffer {
		t.Errorf("held offer not answered: %+v", s)
	}
}

func TestManager_CandidatesWaitForRemoteDescription(t *testing.T) {
	env := backendtest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow := &fakeSource{gate: make(chan struct{})}
	alice := newParty(t, ctx, env, "alice", slow)
	bob := newParty(t, ctx, env, "bob", &fakeSource{})

	inv, err := alice.mgr.StartCall(ctx, bob.id())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite delivered", func() bool { return len(bob.invites.Pending()) == 1 })
	if _, err := bob.mgr.Accept(ctx, inv.ID); err != nil {
		t.Fatal(err)
	}
	waitPhase(t, bob, call.PhaseAwaitingOffer)

	// Candidates overtake the offer, one of them twice.
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host"}
	for range 2 {
		if _, err := alice.relay.Send(ctx, inv.ID, bob.id(), models.SignalICECandidate, cand); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	close(slow.gate)
	waitPhase(t, bob, call.PhaseNegotiating)
	b := lastPC(t, bob)
	waitFor(t, "candidates applied", func() bool { return b.stats().candidates == 2 })
	if s := b.stats(); s.early != 0 {
		t.Errorf("%d candidates applied before the remote description", s.early)
	}
}

func TestManager_MediaFailureEndsCall(t *testing.T) {
	env := backendtest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newParty(t, ctx, env, "alice", &fakeSource{err: errors.New("camera busy")})
	bob := newParty(t, ctx, env, "bob", &fakeSource{})

	inv, err := alice.mgr.StartCall(ctx, bob.id())
	if err != nil {
		t.Fatal(err)
	}
	e := waitEvent(t, alice, call.EventError)
	if !errors.Is(e.Err, call.ErrMediaAccess) {
		t.Errorf("expected ErrMediaAccess, got %v", e.Err)
	}
	waitPhase(t, alice, call.PhaseEnded)
	waitFor(t, "invite cancelled", func() bool {
		got, ok := bob.invites.Get(inv.ID)
		return ok && got.Status == models.InviteStatusCancelled
	})

	// The manager is free for the next call.
	alice.media.err = nil
	if _, err := alice.mgr.StartCall(ctx, bob.id()); err != nil {
		t.Errorf("could not call again after a failure: %v", err)
	}
}

func TestManager_RemoteRejectEndsCall(t *testing.T) {
	env := backendtest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := newParty(t, ctx, env, "alice", &fakeSource{})
	bob := newParty(t, ctx, env, "bob", &fakeSource{})

	inv, err := alice.mgr.StartCall(ctx, bob.id())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite delivered", func() bool { return len(bob.invites.Pending()) == 1 })
	if _, err := bob.mgr.Decline(ctx, inv.ID); err != nil {
		t.Fatal(err)
	}
	e := waitEvent(t, alice, call.EventPhaseChanged)
	for e.Phase != call.PhaseEnded {
		e = waitEvent(t, alice, call.EventPhaseChanged)
	}
	if e.Reason != "invite rejected" || e.Invite.ID != inv.ID {
		t.Errorf("unexpected end event %+v", e)
	}
	waitFor(t, "media released", alice.media.allStopped)
}

func TestPhase_Live(t *testing.T) {
	tests := []struct {
		phase call.Phase
		live  bool
	}{
		{call.PhaseIdle, false},
		{call.PhaseRequestingMedia, true},
		{call.PhaseAwaitingPeer, true},
		{call.PhaseAwaitingOffer, true},
		{call.PhaseNegotiating, true},
		{call.PhaseConnected, true},
		{call.PhaseEnded, false},
	}
	for _, tt := range tests {
		if got := tt.phase.Live(); got != tt.live {
			t.Errorf("%s.Live() = %v, want %v", tt.phase, got, tt.live)
		}
	}
}
