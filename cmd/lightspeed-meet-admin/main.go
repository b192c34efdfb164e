package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/tcriess/lightspeed-meet/config"
	"github.com/tcriess/lightspeed-meet/globals"
	"github.com/tcriess/lightspeed-meet/persistence"
	"github.com/tcriess/lightspeed-meet/types"
)

// A very simple CLI tool for inspecting live rooms and the attendance journal of lightspeed-meet.

var (
	configPath string
	serverURL  string
	fromTs     string
	toTs       string
	olderThan  time.Duration

	globalConfig *config.Config
	persister    persistence.Persister
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

func openPersister(cmd *cobra.Command, args []string) error {
	var err error
	persister, err = persistence.NewPersister(globalConfig)
	if err != nil {
		return err
	}
	if persister == nil {
		return fmt.Errorf("no persistence configured")
	}
	return nil
}

func closePersister(cmd *cobra.Command, args []string) error {
	if persister == nil {
		return nil
	}
	return persister.Close()
}

func getJSON(path string, v interface{}) error {
	base, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	client := http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(base.ResolveReference(ref).String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func parseTime(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, value)
}

func renderParticipants(participants []types.Participant) {
	t := newTable()
	t.AppendHeader(table.Row{"User", "Name", "Role", "Socket", "Joined", "Audio", "Video", "Screen", "Hand", "Breakout"})
	for _, p := range participants {
		t.AppendRow(table.Row{p.UserId, p.UserName, p.Role, p.ConnectionId, formatTime(p.JoinedAt), p.AudioEnabled, p.VideoEnabled, p.IsScreenSharing, p.IsHandRaised, p.BreakoutRoomId})
	}
	t.Render()
}

func main() {
	log.SetFlags(0)

	var cmdRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show live rooms",
		Long:  `rooms lists the meetings that currently have participants, as reported by the running server.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rooms := make([]types.Room, 0)
			if err := getJSON("api/rooms", &rooms); err != nil {
				return err
			}
			t := newTable()
			t.AppendHeader(table.Row{"Meeting", "Participants", "Locked", "Recording", "Breakout rooms", "Created"})
			for _, room := range rooms {
				t.AppendRow(table.Row{room.Id, len(room.Participants), room.Locked, room.Recording, len(room.BreakoutRooms), formatTime(room.CreatedAt)})
			}
			t.AppendFooter(table.Row{"", fmt.Sprintf("%d rooms", len(rooms))})
			t.Render()
			return nil
		},
	}
	var cmdRoom = &cobra.Command{
		Use:   "room [meeting id]",
		Short: "Show one live room",
		Long:  `room prints the participants of the live meeting with the given id.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room := types.Room{}
			if err := getJSON("api/rooms/"+url.PathEscape(args[0]), &room); err != nil {
				return err
			}
			fmt.Printf("meeting %s, locked: %t, recording: %t\n", room.Id, room.Locked, room.Recording)
			renderParticipants(room.Participants)
			for _, b := range room.BreakoutRooms {
				fmt.Printf("breakout %s (%s): participants %s, teachers %s\n", b.Id, b.Name, strings.Join(b.Participants, ", "), strings.Join(b.Teachers, ", "))
			}
			return nil
		},
	}
	var cmdMeetings = &cobra.Command{
		Use:               "meetings",
		Short:             "Show journaled meetings",
		Long:              `meetings lists the ids of all meetings found in the attendance journal.`,
		Args:              cobra.NoArgs,
		PreRunE:           openPersister,
		PostRunE:          closePersister,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := persister.GetMeetingIds()
			if err != nil {
				return err
			}
			t := newTable()
			t.AppendHeader(table.Row{"Meeting"})
			for _, id := range ids {
				t.AppendRow(table.Row{id})
			}
			t.Render()
			return nil
		},
	}
	var cmdAttendance = &cobra.Command{
		Use:               "attendance [meeting id]",
		Short:             "Show attendance",
		Long:              `attendance folds the journal of one meeting into per-user attendance (first join, last leave, time present).`,
		Args:              cobra.ExactArgs(1),
		PreRunE:           openPersister,
		PostRunE:          closePersister,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseTime(fromTs, time.Unix(0, 0))
			if err != nil {
				return err
			}
			to, err := parseTime(toTs, time.Now())
			if err != nil {
				return err
			}
			events, err := persister.GetSessionEvents(args[0], from, to)
			if err != nil {
				return err
			}
			t := newTable()
			t.AppendHeader(table.Row{"User", "Name", "Role", "First join", "Last leave", "Duration", "Sessions", "Present"})
			for _, entry := range persistence.Summarize(events) {
				t.AppendRow(table.Row{entry.UserId, entry.UserName, entry.Role, formatTime(entry.FirstJoin), formatTime(entry.LastLeave), entry.Duration.Round(time.Second), entry.Sessions, entry.Present})
			}
			t.Render()
			return nil
		},
	}
	cmdAttendance.Flags().StringVar(&fromTs, "from", "", "only events at or after this time (RFC 3339)")
	cmdAttendance.Flags().StringVar(&toTs, "to", "", "only events at or before this time (RFC 3339)")
	var cmdEvents = &cobra.Command{
		Use:               "events [meeting id]",
		Short:             "Show the raw journal",
		Long:              `events prints the journal entries of one meeting, oldest first.`,
		Args:              cobra.ExactArgs(1),
		PreRunE:           openPersister,
		PostRunE:          closePersister,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := persister.GetSessionEvents(args[0], time.Unix(0, 0), time.Now())
			if err != nil {
				return err
			}
			t := newTable()
			t.AppendHeader(table.Row{"Time", "Action", "User", "Name", "Socket"})
			for _, event := range events {
				t.AppendRow(table.Row{formatTime(event.Created), event.Action, event.UserId, event.UserName, event.ConnectionId})
			}
			t.Render()
			return nil
		},
	}
	var cmdPrune = &cobra.Command{
		Use:               "prune",
		Short:             "Prune the journal",
		Long:              `prune deletes all journal entries older than the given duration.`,
		Args:              cobra.NoArgs,
		PreRunE:           openPersister,
		PostRunE:          closePersister,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			n, err := persister.PruneSessionEvents(time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d journal entries\n", n)
			return nil
		},
	}
	cmdPrune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete entries older than this")

	var rootCmd = &cobra.Command{
		Use:           "lightspeed-meet-admin",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flagSet := config.GetFlagSet()
	rootCmd.PersistentFlags().AddFlagSet(flagSet)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8000/", "base url of the running server")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		globalConfig, err = config.ReadConfiguration(configPath, flagSet)
		if err != nil {
			return err
		}
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
		return nil
	}
	rootCmd.AddCommand(cmdRooms, cmdRoom, cmdMeetings, cmdAttendance, cmdEvents, cmdPrune)
	if err := rootCmd.Execute(); err != nil {
		globals.AppLogger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
