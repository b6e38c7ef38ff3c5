package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kamilc/campers/internal/pricing"
	"github.com/kamilc/campers/internal/provider/ec2"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List campers-managed instances across regions",
	RunE: func(cmd *cobra.Command, args []string) error {
		regionFilter, _ := cmd.Flags().GetString("region")

		env, err := loadEnv()
		if err != nil {
			return err
		}

		homeRegion := regionFilter
		if homeRegion == "" {
			homeRegion = "us-east-1"
		}
		lister := ec2.NewMultiRegionLister(homeRegion, env.KeysDir())

		ctx := context.Background()
		summaries, err := lister.ListInstances(ctx, regionFilter)
		if err != nil {
			return err
		}

		priceCache := newPricingCache(ctx)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		header := "NAME\tINSTANCE ID\tSTATE\tTYPE\tLAUNCHED\tCOST/MONTH"
		if regionFilter == "" {
			header = "NAME\tINSTANCE ID\tSTATE\tREGION\tTYPE\tLAUNCHED\tCOST/MONTH"
		}
		fmt.Fprintln(w, header)

		var total float64
		allPriced := priceCache != nil
		for _, s := range summaries {
			rate, ok := float64(0), false
			if priceCache != nil {
				rate, ok = priceCache.HourlyRate(ctx, s.Region, s.InstanceType)
			}
			if !ok {
				allPriced = false
			} else {
				total += pricing.CalculateMonthlyCost(rate)
			}
			costLabel := pricing.FormatMonthlyCost(rate, ok)
			if regionFilter == "" {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.Name, s.InstanceID, s.State, s.Region, s.InstanceType,
					s.LaunchTime.Format("2006-01-02 15:04"), costLabel)
			} else {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.Name, s.InstanceID, s.State, s.InstanceType,
					s.LaunchTime.Format("2006-01-02 15:04"), costLabel)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		// Spec §8 Scenario D: the total line is printed only when every row
		// priced successfully; pricing unavailable for any row suppresses it.
		if allPriced && len(summaries) > 0 {
			fmt.Printf("Total estimated cost: $%.2f/month\n", total)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("region", "", "Restrict listing to a single region")
}

