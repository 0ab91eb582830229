// Command callagent is a headless chat client. It signs in, follows the
// public feed and the roster, and places or answers video calls with the
// local camera and microphone, or with synthetic media where there are none.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"tagarela/internal/backend"
	"tagarela/internal/blocklist"
	"tagarela/internal/call"
	"tagarela/internal/config"
	"tagarela/internal/content"
	"tagarela/internal/invite"
	"tagarela/internal/message"
	"tagarela/internal/presence"
	"tagarela/internal/signaling"
)

var errSignedOut = errors.New("signed out")

type options struct {
	email      string
	password   string
	callee     string
	say        string
	autoAccept bool
	verbose    bool
}

func parseFlags(args []string) (options, error) {
	var o options
	flags := flag.NewFlagSet("callagent", flag.ContinueOnError)
	flags.StringVar(&o.email, "email", os.Getenv("TAGARELA_EMAIL"), "Account email (default $TAGARELA_EMAIL)")
	flags.StringVar(&o.password, "password", os.Getenv("TAGARELA_PASSWORD"), "Account password (default $TAGARELA_PASSWORD)")
	flags.StringVar(&o.callee, "call", "", "User id to call once signed in")
	flags.StringVar(&o.say, "say", "", "Public message to send once signed in")
	flags.BoolVar(&o.autoAccept, "auto-accept", false, "Accept incoming calls")
	flags.BoolVar(&o.verbose, "v", false, "Debug logging")
	if err := flags.Parse(args); err != nil {
		return o, err
	}
	if o.email == "" || o.password == "" {
		return o, fmt.Errorf("email and password are required")
	}
	return o, nil
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg, err := config.Load(true)
	if err != nil {
		return err
	}

	client := backend.NewRemote(cfg.BaseURL)
	defer client.Close()
	profile, err := client.SignIn(ctx, opts.email, opts.password)
	if err != nil {
		return fmt.Errorf("failed to sign in: %w", err)
	}
	slog.Info("signed in", "user_id", profile.ID, "nickname", profile.Nickname, "base_url", cfg.BaseURL)

	blocks := blocklist.New(client)
	if err := blocks.Load(ctx); err != nil {
		slog.Warn("failed to load block list", "error", err)
	}

	media, err := call.DefaultMediaSource()
	if err != nil {
		return fmt.Errorf("failed to set up media: %w", err)
	}
	peers, err := call.NewPionFactory(call.DefaultPeerConfig(cfg.STUNURLs))
	if err != nil {
		return fmt.Errorf("failed to set up webrtc: %w", err)
	}

	invites := invite.NewCoordinator(client, blocks)
	calls := call.NewManager(profile.ID, invites, signaling.NewRelay(client), media, peers)

	tracker := presence.NewTracker(client, presence.Config{
		InactivityTimeout: cfg.InactivityTimeout,
		Debounce:          cfg.ActivityDebounce,
	})
	tracker.OnLogout(func(ctx context.Context) {
		if err := calls.Hangup(ctx); err != nil && !errors.Is(err, call.ErrStopped) {
			slog.Warn("failed to hang up on logout", "error", err)
		}
	})

	roster := presence.NewRoster(client, blocks, cfg.OnlineWindow)
	feed := message.NewFeed(ctx, client, blocks, message.FeedConfig{
		Persisted:    cfg.PersistMessages,
		PushGrace:    cfg.PushGrace,
		PollInterval: cfg.PollInterval,
	})
	if err := feed.Open(ctx, message.View{}); err != nil {
		return fmt.Errorf("failed to open the public feed: %w", err)
	}
	channel := message.NewChannel(client, blocks, message.ChannelConfig{
		Persisted: cfg.PersistMessages,
		Limits:    content.Limits{MaxImageBytes: cfg.MaxImageBytes, MaxVideoBytes: cfg.MaxVideoBytes},
	})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := tracker.Run(gCtx); err != nil {
			return err
		}
		if tracker.LoggedOut() {
			return errSignedOut
		}
		return nil
	})
	g.Go(func() error { return invites.Run(gCtx) })
	g.Go(func() error { return calls.Run(gCtx) })
	g.Go(func() error { return feed.Run(gCtx) })
	g.Go(func() error { return roster.Run(gCtx) })
	g.Go(func() error {
		watch(gCtx, calls, feed, roster, opts.autoAccept, tracker)
		return nil
	})

	g.Go(func() error {
		tracker.Touch(gCtx, "focus")
		if opts.say != "" {
			if _, err := channel.Send(gCtx, message.Draft{Body: opts.say}); err != nil {
				slog.Error("failed to send message", "error", err)
			}
			tracker.Touch(gCtx, "send")
		}
		if opts.callee != "" {
			inv, err := calls.StartCall(gCtx, opts.callee)
			if err != nil {
				slog.Error("failed to start call", "recipient_id", opts.callee, "error", err)
			} else {
				slog.Info("calling", "invite_id", inv.ID, "recipient_id", inv.RecipientID)
			}
		}
		return nil
	})

	err = g.Wait()
	if !tracker.LoggedOut() {
		unloadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracker.Unload(unloadCtx)
	}
	if errors.Is(err, errSignedOut) {
		return nil
	}
	return err
}

// watch logs what happens on the feed, the roster and the call until ctx
// is done. Incoming calls are answered when autoAccept is set.
func watch(ctx context.Context, calls *call.Manager, feed *message.Feed, roster *presence.Roster, autoAccept bool, tracker *presence.Tracker) {
	var lastSeq message.Seq
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-calls.Events():
			switch e.Type {
			case call.EventIncomingInvite:
				slog.Info("incoming call", "invite_id", e.Invite.ID, "caller_id", e.Invite.CallerID)
				if !autoAccept {
					continue
				}
				tracker.Touch(ctx, "click")
				if _, err := calls.Accept(ctx, e.Invite.ID); err != nil {
					slog.Error("failed to accept call", "invite_id", e.Invite.ID, "error", err)
				}
			case call.EventRemoteTrack:
				slog.Info("remote track", "kind", e.Track.Kind().String(), "codec", e.Track.Codec().MimeType)
				go drain(e.Track)
			case call.EventConnectionState:
				slog.Info("connection state", "state", e.ConnectionState.String())
			case call.EventError:
				slog.Error("call error", "invite_id", e.Invite.ID, "error", e.Err)
			default:
				slog.Info("call event", "type", e.Type, "phase", e.Phase, "invite_id", e.Invite.ID, "reason", e.Reason)
			}
		case <-feed.Updates():
			items := feed.Items()
			if n := len(items); n > 0 && items[n-1].Seq < lastSeq {
				// The view was reopened and numbering restarted.
				lastSeq = 0
			}
			for _, it := range items {
				if it.Seq <= lastSeq {
					continue
				}
				lastSeq = it.Seq
				slog.Info("message", "from", it.Message.Nickname, "city", it.Message.City, "body", it.Message.Body)
			}
		case <-roster.Updates():
			online, err := roster.Online(ctx)
			if err != nil {
				slog.Warn("failed to refresh roster", "error", err)
				continue
			}
			names := make([]string, len(online))
			for i, p := range online {
				names[i] = p.Nickname
			}
			slog.Info("online", "count", len(online), "users", names)
		}
	}
}

// drain reads the remote track so its buffers do not fill up.
func drain(track *webrtc.TrackRemote) {
	packets := 0
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			slog.Debug("remote track ended", "kind", track.Kind().String(), "packets", packets, "error", err)
			return
		}
		packets++
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("callagent: %v", err)
	}
}
