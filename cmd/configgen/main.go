package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danmuck/robotlink/internal/config"
	"github.com/danmuck/robotlink/internal/logging"
	"github.com/danmuck/robotlink/internal/observability"
)

func main() {
	logging.ConfigureRuntime()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func defaultPath(kind string) (string, error) {
	switch kind {
	case "robotctl":
		return "cmd/robotctl/config.toml", nil
	case "robotsim":
		return "cmd/robotsim/config.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}

func newRootCmd() *cobra.Command {
	var (
		kind     string
		output   string
		input    string
		validate bool
		force    bool
	)
	cmd := &cobra.Command{
		Use:           "configgen",
		Short:         "Write or validate robotctl and robotsim config files",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := observability.Component("configgen")
			if validate {
				path := input
				if path == "" {
					p, err := defaultPath(kind)
					if err != nil {
						return err
					}
					path = p
				}
				if err := config.Validate(path, kind); err != nil {
					return err
				}
				log.Info().Str("kind", kind).Str("path", path).Msg("validated config")
				return nil
			}

			target := output
			if target == "" {
				p, err := defaultPath(kind)
				if err != nil {
					return err
				}
				target = p
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			log.Info().Str("kind", kind).Str("path", target).Msg("wrote config template")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "robotctl", "config kind: robotctl|robotsim")
	f.StringVarP(&output, "output", "o", "", "output path for config template")
	f.BoolVar(&validate, "validate", false, "validate an existing config file")
	f.StringVar(&input, "input", "", "config path for validation (defaults to per-kind cmd path)")
	f.BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
