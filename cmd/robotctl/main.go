package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/robotlink/internal/logging"
)

var version = "dev"

func main() {
	logging.ConfigureRuntime()

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "robotctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: &statusPrinter{out: out}}
	rootCmd := &cobra.Command{
		Use:   "robotctl",
		Short: "Drive a robot over its websocket and KCP control channels",
		Long: `robotctl opens a control session with a robot, optionally upgrades it to
the low-latency KCP channel, and runs one of the control demos. Every demo
ends by sending the deinitialize command over the websocket.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.prepare,
	}
	rootCmd.SetOut(out)
	a.bindFlags(rootCmd)

	rootCmd.AddCommand(
		a.whoamiCmd(),
		a.readCmd(),
		a.baseMoveCmd(),
		a.armZeroTorqueCmd(),
		a.liftMoveCmd(),
		a.rotateLiftZeroCmd(),
		a.controllerLEDCmd(),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
