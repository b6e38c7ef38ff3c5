package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/kamilc/campers/internal/config"
	"github.com/kamilc/campers/internal/log"
	"github.com/kamilc/campers/internal/metrics"
	"github.com/kamilc/campers/internal/supervisor"
	"github.com/kamilc/campers/internal/syncmgr"
)

var runCmd = &cobra.Command{
	Use:   "run [camp]",
	Short: "Launch an instance, wire sync/ports/SSH, run a command, and tear down",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		campName := ""
		if len(args) == 1 {
			campName = args[0]
		}

		env, err := loadEnv()
		if err != nil {
			return err
		}

		cli, err := cliOverridesFromFlags(cmd)
		if err != nil {
			return err
		}

		cfg, err := resolveConfig(env, campName, cli)
		if err != nil {
			return err
		}

		ctx := context.Background()

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			go func() {
				if err := http.ListenAndServe(addr, mux); err != nil {
					log.WithComponent("metrics").Warn().Err(err).Msg("metrics server stopped")
				}
			}()
		}

		prov, err := newProvider(ctx, env, cfg.Region)
		if err != nil {
			return err
		}

		sup := supervisor.New(supervisor.Deps{
			Env:      env,
			Config:   cfg,
			Provider: prov,
			Registry: newRegistry(env),
			SyncMgr:  syncmgr.New(env.MutagenNotInstalled),
			Pricing:  newPricingCache(ctx),
		})

		result, err := sup.Run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(result.ExitCode)
		}
		os.Exit(result.ExitCode)
		return nil
	},
}

func init() {
	runCmd.Flags().String("instance-type", "", "Instance type override")
	runCmd.Flags().String("region", "", "Region override")
	runCmd.Flags().Int("disk-size", 0, "Disk size in GB override")
	runCmd.Flags().String("command", "", "Remote command to run override")
	runCmd.Flags().StringSlice("port", nil, "Port forward, repeatable: bare int or remote:local")
	runCmd.Flags().StringSlice("ignore", nil, "Sync ignore pattern, repeatable")
	runCmd.Flags().Bool("include-vcs", false, "Include VCS metadata directories in sync")
	runCmd.Flags().String("metrics-addr", "", "Listen address to expose Prometheus metrics on, e.g. :9090 (disabled if empty)")
}

// cliOverridesFromFlags builds config.CLIOverrides from run's flags; a flag
// only participates in the merge fold when the user actually set it
// (Changed), matching the "CLI flags override everything" rule
// without letting cobra's zero-value defaults shadow the config file.
func cliOverridesFromFlags(cmd *cobra.Command) (config.CLIOverrides, error) {
	var cli config.CLIOverrides

	if cmd.Flags().Changed("instance-type") {
		v, _ := cmd.Flags().GetString("instance-type")
		cli.InstanceType = &v
	}
	if cmd.Flags().Changed("region") {
		v, _ := cmd.Flags().GetString("region")
		cli.Region = &v
	}
	if cmd.Flags().Changed("disk-size") {
		v, _ := cmd.Flags().GetInt("disk-size")
		cli.DiskSizeGB = &v
	}
	if cmd.Flags().Changed("command") {
		v, _ := cmd.Flags().GetString("command")
		cli.Command = &v
	}
	if cmd.Flags().Changed("port") {
		v, _ := cmd.Flags().GetStringSlice("port")
		cli.Ports = v
	}
	if cmd.Flags().Changed("ignore") {
		v, _ := cmd.Flags().GetStringSlice("ignore")
		cli.Ignore = v
	}
	if cmd.Flags().Changed("include-vcs") {
		v, _ := cmd.Flags().GetBool("include-vcs")
		cli.IncludeVCS = &v
	}

	return cli, nil
}
