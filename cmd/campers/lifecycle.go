package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kamilc/campers/internal/config"
	"github.com/kamilc/campers/internal/pricing"
	"github.com/kamilc/campers/internal/provider"
	"github.com/kamilc/campers/internal/provider/ec2"
)

// resolveOneInstance implements the find-and-disambiguate step shared by
// info/stop/start/destroy: on more than one
// match it prints "<instanceId> (<region>)" per candidate to stderr and
// returns a usage error instead of guessing.
func resolveOneInstance(ctx context.Context, env *config.Env, nameOrID, regionFilter string) (provider.InstanceSummary, error) {
	homeRegion := regionFilter
	if homeRegion == "" {
		homeRegion = "us-east-1"
	}
	lister := ec2.NewMultiRegionLister(homeRegion, env.KeysDir())

	matches, err := lister.FindInstances(ctx, nameOrID, regionFilter)
	if err != nil {
		return provider.InstanceSummary{}, err
	}
	if len(matches) > 1 {
		fmt.Fprintf(os.Stderr, "%q matches more than one instance; pass --region or use an instance id:\n", nameOrID)
		for _, m := range matches {
			fmt.Fprintf(os.Stderr, "  %s (%s)\n", m.InstanceID, m.Region)
		}
		return provider.InstanceSummary{}, fmt.Errorf("ambiguous match for %q", nameOrID)
	}
	return matches[0], nil
}

var infoCmd = &cobra.Command{
	Use:   "info NAME_OR_ID",
	Short: "Show details for one campers-managed instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		regionFilter, _ := cmd.Flags().GetString("region")
		env, err := loadEnv()
		if err != nil {
			return err
		}
		ctx := context.Background()
		summary, err := resolveOneInstance(ctx, env, args[0], regionFilter)
		if err != nil {
			return err
		}

		cache := newPricingCache(ctx)
		var costLabel string
		if cache == nil {
			costLabel = "Pricing unavailable"
		} else {
			rate, ok := cache.HourlyRate(ctx, summary.Region, summary.InstanceType)
			costLabel = pricing.FormatMonthlyCost(rate, ok)
		}

		fmt.Printf("Name:          %s\n", summary.Name)
		fmt.Printf("Instance ID:   %s\n", summary.InstanceID)
		fmt.Printf("State:         %s\n", summary.State)
		fmt.Printf("Region:        %s\n", summary.Region)
		fmt.Printf("Type:          %s\n", summary.InstanceType)
		fmt.Printf("Launched:      %s\n", summary.LaunchTime.Format("2006-01-02 15:04"))
		fmt.Printf("Cost/Month:    %s\n", costLabel)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop NAME_OR_ID",
	Short: "Stop a campers-managed instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		regionFilter, _ := cmd.Flags().GetString("region")
		env, err := loadEnv()
		if err != nil {
			return err
		}
		ctx := context.Background()
		summary, err := resolveOneInstance(ctx, env, args[0], regionFilter)
		if err != nil {
			return err
		}
		prov, err := newProvider(ctx, env, summary.Region)
		if err != nil {
			return err
		}
		if _, err := prov.StopInstance(ctx, summary.InstanceID); err != nil {
			return err
		}
		fmt.Printf("Stopped %s (%s)\n", summary.InstanceID, summary.Region)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start NAME_OR_ID",
	Short: "Start a stopped campers-managed instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		regionFilter, _ := cmd.Flags().GetString("region")
		env, err := loadEnv()
		if err != nil {
			return err
		}
		ctx := context.Background()
		summary, err := resolveOneInstance(ctx, env, args[0], regionFilter)
		if err != nil {
			return err
		}
		prov, err := newProvider(ctx, env, summary.Region)
		if err != nil {
			return err
		}
		handle, err := prov.StartInstance(ctx, summary.InstanceID)
		if err != nil {
			return err
		}
		fmt.Printf("Started %s (%s), public IP %s\n", handle.InstanceID, summary.Region, handle.PublicIP)
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy NAME_OR_ID",
	Short: "Terminate a campers-managed instance and its security group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		regionFilter, _ := cmd.Flags().GetString("region")
		force, _ := cmd.Flags().GetBool("force")
		env, err := loadEnv()
		if err != nil {
			return err
		}
		ctx := context.Background()
		summary, err := resolveOneInstance(ctx, env, args[0], regionFilter)
		if err != nil {
			return err
		}
		if !force {
			fmt.Printf("This will permanently terminate %s (%s). Pass --force to proceed.\n", summary.InstanceID, summary.Region)
			return fmt.Errorf("destroy requires --force")
		}
		prov, err := newProvider(ctx, env, summary.Region)
		if err != nil {
			return err
		}
		if err := prov.TerminateInstance(ctx, summary.InstanceID); err != nil {
			return err
		}

		reg := newRegistry(env)
		_ = reg.Delete(summary.MachineConfig)

		fmt.Printf("Terminated %s (%s)\n", summary.InstanceID, summary.Region)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{infoCmd, stopCmd, startCmd, destroyCmd} {
		c.Flags().String("region", "", "Region to search, skipping the multi-region scan")
	}
	destroyCmd.Flags().Bool("force", false, "Actually terminate the instance")
}
