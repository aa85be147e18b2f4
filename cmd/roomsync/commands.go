package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/roomsync/internal/domain"
)

func buildTokenCmd() *cobra.Command {
	var (
		secret      string
		participant string
		alias       string
		role        string
		expiry      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed participant token",
		Example: `  roomsync token --secret dev-secret --participant alice --role host
  roomsync token --secret dev-secret --participant bob --expiry 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, secret, participant, alias, role, expiry)
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret shared with the relay (env ROOMSYNC_SECRET)")
	cmd.Flags().StringVar(&participant, "participant", "", "Participant id (token subject)")
	cmd.Flags().StringVar(&alias, "alias", "", "Display name claim")
	cmd.Flags().StringVar(&role, "role", "", "Role claim: host, moderator or host+moderator")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "Token lifetime (0 = never expires)")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}

func buildSessionsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions on the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd, g)
		},
	}
}

func buildJoinCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "join <session>",
		Short: "Join a session interactively",
		Long: `Join a session and stay attached. Lines read from stdin are sent as
chat messages; lines starting with / are commands:

  /hand up|down          raise or lower your hand
  /mic on|off            unmute or mute yourself
  /mute <participant>    /unmute <participant>    /kick <participant>
  /room create <name> [capacity]
  /room join <room>      /room leave <room>
  /who                   print participants
  /quit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd, g, domain.SessionID(args[0]))
		},
	}
}

func buildWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session>",
		Short: "Join a session and print its events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, g, domain.SessionID(args[0]))
		},
	}
}

func buildSayCmd(g *globalFlags) *cobra.Command {
	var replyTo string
	cmd := &cobra.Command{
		Use:   "say <session> <text>",
		Short: "Send one chat message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSay(cmd, g, domain.SessionID(args[0]), args[1], replyTo)
		},
	}
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "Message id this replies to")
	return cmd
}

func buildRoomCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Manage breakout rooms",
	}

	var capacity int
	create := &cobra.Command{
		Use:   "create <session> <name>",
		Short: "Open a breakout room (host or moderator)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoomCreate(cmd, g, domain.SessionID(args[0]), args[1], capacity)
		},
	}
	create.Flags().IntVar(&capacity, "capacity", 0, "Member limit (0 = unbounded)")

	var target string
	join := &cobra.Command{
		Use:   "join <session> <room>",
		Short: "Move into a breakout room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoomJoin(cmd, g, domain.SessionID(args[0]), domain.RoomID(args[1]), domain.ParticipantID(target))
		},
	}
	join.Flags().StringVar(&target, "participant", "", "Move another participant (host or moderator)")

	leave := &cobra.Command{
		Use:   "leave <session> <room>",
		Short: "Leave a breakout room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoomLeave(cmd, g, domain.SessionID(args[0]), domain.RoomID(args[1]))
		},
	}

	cmd.AddCommand(create, join, leave)
	return cmd
}

func buildModerateCmd(g *globalFlags, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <session> <participant>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModerate(cmd, g, verb, domain.SessionID(args[0]), domain.ParticipantID(args[1]))
		},
	}
}

func buildHandCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "hand <session> up|down",
		Short:     "Raise or lower your hand",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHand(cmd, g, domain.SessionID(args[0]), args[1])
		},
	}
}

func buildMicCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mic <session> on|off",
		Short: "Unmute or mute yourself",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMic(cmd, g, domain.SessionID(args[0]), args[1])
		},
	}
}
