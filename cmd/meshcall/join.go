package main

import (
	"context"
	"errors"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meshcall/internal/api"
	"meshcall/internal/config"
	"meshcall/internal/domain"
	"meshcall/internal/mesh"
	"meshcall/internal/session"
	sigclient "meshcall/internal/signal"
	"meshcall/internal/webrtc"
)

var (
	joinOpts  config.ClientOptions
	joinAudio bool
	joinVideo bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room as a headless participant",
	Long: `Join a room as a headless participant.

The participant connects to every other member of the room, sends a silent
audio track (and an idle video track with --video) and drains the media it
receives. It leaves the room on SIGINT/SIGTERM.

Examples:
  meshcall join --room standup
  meshcall join --server http://relay:3001 --room standup --id bot-1 --video`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(joinOpts, joinAudio, joinVideo)
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&joinOpts.ServerURL, "server", "", "relay base URL (MESHCALL_SERVER_URL, default "+config.DefaultServerURL+")")
	f.StringVar(&joinOpts.Room, "room", "", "room to join (MESHCALL_ROOM)")
	f.StringVar(&joinOpts.ParticipantID, "id", "", "participant ID, generated if empty (MESHCALL_PARTICIPANT_ID)")
	f.StringVar(&joinOpts.NegotiationTimeout, "negotiation-timeout", "", "close links not connected in time, 0 disables (MESHCALL_NEGOTIATION_TIMEOUT, default 30s)")
	f.BoolVar(&joinAudio, "audio", true, "send a local audio track")
	f.BoolVar(&joinVideo, "video", false, "send a local video track")
	addICEFlags(joinCmd, &joinOpts.ICE)
}

func addICEFlags(cmd *cobra.Command, opts *config.ICEOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.ICEServersJSON, "ice-servers-json", "", "ICE server JSON config (MESHCALL_ICE_SERVERS_JSON)")
	f.StringVar(&opts.STUNURLs, "stun-urls", "", "comma-separated STUN URLs (MESHCALL_STUN_URLS)")
	f.StringVar(&opts.TURNURLs, "turn-urls", "", "comma-separated TURN URLs (MESHCALL_TURN_URLS)")
	f.StringVar(&opts.TURNUsername, "turn-username", "", "TURN username (MESHCALL_TURN_USERNAME)")
	f.StringVar(&opts.TURNCredential, "turn-credential", "", "TURN credential (MESHCALL_TURN_CREDENTIAL)")
}

func runJoin(opts config.ClientOptions, audio, video bool) error {
	cfg, err := config.LoadClient(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("[main] received %s, leaving", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Step 1: ICE servers, from config or the relay
	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = fetchICEServers(ctx, cfg.ServerURL)
	}

	// Step 2: Peer transport factory
	factory, err := webrtc.NewFactory(iceServers)
	if err != nil {
		return err
	}

	// Step 3: Session (implements domain.Handler)
	sess := session.New(cfg.Room, cancel)

	// Step 4: Signal client with the session as handler
	sc := sigclient.NewClient(cfg.ServerURL, cfg.ParticipantID, sess)

	// Step 5: Mesh manager sending through the signal client
	manager := mesh.NewManager(mesh.Config{
		LocalID:            cfg.ParticipantID,
		NegotiationTimeout: cfg.NegotiationTimeout,
	}, factory, sc, mesh.Hooks{
		OnTrack: func(remoteID string, track domain.RemoteTrack) {
			go webrtc.Drain(track)
		},
		OnStateChange: func(remoteID string, state mesh.State) {
			log.Printf("[main] %s: %s", remoteID, state)
		},
		OnError: func(remoteID string, err error) {
			if errors.Is(err, domain.ErrRaceAbandoned) {
				return
			}
			log.Printf("[main] %s: %v", remoteID, err)
		},
	})

	// Step 6: Complete the circular dependency
	sess.SetMesh(manager)
	sess.SetSignaler(sc)

	// Step 7: Local media, bound to every link before and after it exists
	if audio || video {
		src := &webrtc.StaticSource{StreamID: cfg.ParticipantID, Audio: audio, Video: video}
		if _, err := manager.StartLocalMedia(ctx, src); err != nil {
			log.Printf("[main] %v, joining receive-only", err)
		} else {
			go src.Pump(ctx)
		}
	}

	// Step 8: Connect signaling (welcome → join-room → room-users → offers)
	if err := sc.Connect(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-sc.Done():
		log.Printf("[main] relay connection closed")
	}

	sess.Leave()
	sc.Close()
	log.Printf("[main] done")
	return nil
}

func fetchICEServers(ctx context.Context, serverURL string) []domain.ICEServer {
	fallback := []domain.ICEServer{{URLs: []string{config.DefaultSTUN}}}

	apiClient, err := api.NewClient(serverURL)
	if err != nil {
		log.Printf("[main] %v, using %s", err, config.DefaultSTUN)
		return fallback
	}
	servers, err := apiClient.FetchICEServers(ctx)
	if err != nil {
		log.Printf("[main] fetch ice servers: %v, using %s", err, config.DefaultSTUN)
		return fallback
	}
	log.Printf("[main] %d ICE servers from relay", len(servers))
	return servers
}
