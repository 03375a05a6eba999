package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danmuck/robotlink/internal/config"
	"github.com/danmuck/robotlink/internal/logging"
	"github.com/danmuck/robotlink/internal/protocol"
	"github.com/danmuck/robotlink/internal/robotsim"
)

func main() {
	logging.ConfigureRuntime()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "robotsim: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		robotType  string
		major      uint32
		minor      uint32
	)
	cmd := &cobra.Command{
		Use:           "robotsim",
		Short:         "Serve a simulated robot on the websocket and KCP control channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := robotsim.DefaultConfig()
			if configPath != "" {
				loaded, err := config.LoadSimConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			f := cmd.Flags()
			if f.Changed("addr") {
				cfg.Addr = addr
			}
			if f.Changed("type") {
				t, ok := protocol.ParseRobotType(robotType)
				if !ok {
					return fmt.Errorf("unknown robot type %q", robotType)
				}
				cfg.RobotType = t
			}
			if f.Changed("protocol-major") {
				cfg.ProtocolMajor = major
			}
			if f.Changed("protocol-minor") {
				cfg.ProtocolMinor = minor
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return robotsim.New(cfg).Serve(ctx)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "TOML config file")
	f.StringVar(&addr, "addr", robotsim.DefaultConfig().Addr, "websocket listen address")
	f.StringVar(&robotType, "type", "base", "robot type: base, arm, linear_lift, rotate_lift")
	f.Uint32Var(&major, "protocol-major", 1, "protocol major version announced in hello")
	f.Uint32Var(&minor, "protocol-minor", 0, "protocol minor version announced in hello")
	return cmd
}
