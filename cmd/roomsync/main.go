// Command roomsync is a terminal client for a roomsync relay: join a
// session, chat, manage breakout rooms and moderate.
//
//	roomsync token --secret s --participant alice --role host
//	roomsync join standup --alias Alice
//	roomsync say standup "hello"
//	roomsync room create standup design --capacity 4
//
// Configuration comes from config/client.$CONFIG_ENV.yaml and ROOMSYNC_*
// variables; see internal/config.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	verbose    bool
	alias      string
}

func buildRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "roomsync",
		Short:         "Real-time session client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to client YAML config")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVarP(&g.alias, "alias", "a", "", "Display name (default: token subject)")

	root.AddCommand(
		buildTokenCmd(),
		buildSessionsCmd(g),
		buildJoinCmd(g),
		buildWatchCmd(g),
		buildSayCmd(g),
		buildRoomCmd(g),
		buildModerateCmd(g, "mute", "Mute a participant (host or moderator)"),
		buildModerateCmd(g, "unmute", "Lift a moderator mute"),
		buildModerateCmd(g, "kick", "Remove a participant from the session"),
		buildHandCmd(g),
		buildMicCmd(g),
	)
	return root
}
