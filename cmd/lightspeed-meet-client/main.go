package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/globals"
	"github.com/tcriess/lightspeed-meet/meeting"
	"github.com/tcriess/lightspeed-meet/peer"
	"github.com/tcriess/lightspeed-meet/types"
)

// A headless participant: it joins a meeting, answers and places offers for every other participant and
// prints the roster and the chat. Lines typed on stdin are sent as chat messages.

var (
	configPath string
	serverURL  string
	identity   meeting.Identity
	useMsgpack bool
)

func drainTrack(logger hclog.Logger, remoteId string, track *webrtc.TrackRemote) {
	logger.Info("receiving track", "from", remoteId, "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	var packets int
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			logger.Info("track ended", "from", remoteId, "kind", track.Kind().String(), "packets", packets)
			return
		}
		packets++
	}
}

func run(cfg *config.Config) error {
	logger := globals.AppLogger.Named("client")
	if identity.UserId == "" {
		identity.UserId = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := meeting.Dial(ctx, serverURL, useMsgpack)
	if err != nil {
		return err
	}
	logger.Info("connected", "url", serverURL, "codec", client.Codec().Name())

	adapter := peer.NewAdapter(cfg.ICEConfig)
	controller := meeting.NewController(client, meeting.AdapterFactory(adapter), identity, meeting.Callbacks{
		OnRosterChange: func(roster []types.Participant) {
			names := make([]string, 0, len(roster))
			for _, p := range roster {
				names = append(names, fmt.Sprintf("%s (%s)", p.UserName, p.Role))
			}
			logger.Info("roster changed", "participants", strings.Join(names, ", "))
		},
		OnTrack: func(remoteId string, track *webrtc.TrackRemote) {
			go drainTrack(logger, remoteId, track)
		},
		OnPeerStateChange: func(remoteId string, state webrtc.PeerConnectionState) {
			logger.Info("peer connection state changed", "remote", remoteId, "state", state.String())
		},
		OnForceMute: func() {
			logger.Warn("muted by a teacher")
		},
		OnChatMessage: func(message map[string]interface{}) {
			fmt.Printf("[%v] %v: %v\n", message["timestamp"], message["sender"], message["text"])
		},
		OnMeetingEnded: func() {
			logger.Info("meeting ended")
			cancel()
		},
	})

	done := make(chan error, 1)
	go func() {
		done <- client.Run(func(msg types.WebsocketMessage) {
			if err := controller.HandleEvent(msg); err != nil {
				logger.Warn("could not handle event", "event", msg.Event, "error", err)
			}
		})
	}()

	if err := controller.Join(); err != nil {
		_ = client.Close()
		return err
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if err := controller.SendChat(text); err != nil {
				logger.Warn("could not send chat message", "error", err)
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		if !controller.Ended() {
			if err := controller.Leave(); err != nil {
				logger.Warn("could not leave meeting", "error", err)
			}
		}
		_ = client.Close()
		<-done
		return nil
	case err := <-done:
		return err
	}
}

func main() {
	log.SetFlags(0)

	var rootCmd = &cobra.Command{
		Use:           "lightspeed-meet-client [meeting id]",
		Short:         "Join a meeting as a headless participant",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flagSet := config.GetFlagSet()
	rootCmd.Flags().AddFlagSet(flagSet)
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file or directory (for the ice servers)")
	rootCmd.Flags().StringVar(&serverURL, "server", "ws://localhost:8000/meet", "websocket url of the relay")
	rootCmd.Flags().StringVar(&identity.UserId, "user", "", "user id (random if empty)")
	rootCmd.Flags().StringVar(&identity.UserName, "name", "", "display name (generated by the relay if empty)")
	rootCmd.Flags().StringVar(&identity.Role, "role", types.RoleStudent, "role, teacher or student")
	rootCmd.Flags().StringVar(&identity.Token, "token", "", "oidc id token")
	rootCmd.Flags().StringVar(&identity.Provider, "provider", "", "oidc provider name of the token")
	rootCmd.Flags().BoolVar(&useMsgpack, "msgpack", false, "offer the msgpack subprotocol")
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadConfiguration(configPath, flagSet)
		if err != nil {
			return err
		}
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
		if !types.ValidRole(identity.Role) {
			return fmt.Errorf("invalid role %q", identity.Role)
		}
		identity.MeetingId = args[0]
		return run(cfg)
	}
	if err := rootCmd.Execute(); err != nil {
		globals.AppLogger.Error("client stopped", "error", err)
		os.Exit(1)
	}
}
