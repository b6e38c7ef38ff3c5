package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/kamilc/campers/internal/config"
	"github.com/kamilc/campers/internal/provider/ec2"
	"github.com/kamilc/campers/internal/syncmgr"
)

const configTemplate = `# campers configuration. Read from $CAMPERS_CONFIG, default ./campers.yaml.
defaults:
  region: us-east-1
  instance_type: t3.medium
  disk_size_gb: 30
  allowed_ssh_cidr: 0.0.0.0/0
  ssh_username: ubuntu
  on_exit: stop
  include_vcs: false

camps:
  jupyter:
    instance_type: t3.large
    ports:
      - "8888:8888"
    sync_paths:
      - local: ~/notebooks
        remote: ~/notebooks
    command: jupyter lab --no-browser --ip=0.0.0.0

playbooks: {}
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a template configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		env, err := loadEnv()
		if err != nil {
			return err
		}

		if !force {
			if _, err := os.Stat(env.ConfigPath); err == nil {
				return fmt.Errorf("%s already exists; pass --force to overwrite", env.ConfigPath)
			}
		}

		if err := os.WriteFile(env.ConfigPath, []byte(configTemplate), 0o644); err != nil {
			return fmt.Errorf("writing template config: %w", err)
		}
		fmt.Printf("Wrote template configuration to %s\n", env.ConfigPath)
		return nil
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite an existing configuration file")
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "One-shot environment readiness check; never creates billable resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		raw, err := config.LoadFile(env.ConfigPath)
		if err != nil {
			return err
		}
		region := "us-east-1"
		if raw.Defaults.Region != "" {
			region = raw.Defaults.Region
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fmt.Println("Checking AWS credentials...")
		if err := ec2.CheckCredentials(ctx, region); err != nil {
			return err
		}
		fmt.Println("  credentials OK")

		fmt.Println("Checking default network...")
		created, err := ec2.EnsureDefaultNetwork(ctx, region)
		if err != nil {
			fmt.Printf("  could not verify default network: %v\n", err)
		} else if created {
			fmt.Println("  created a default VPC (none existed)")
		} else {
			fmt.Println("  default VPC present")
		}

		fmt.Println("Setup complete.")
		return nil
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Non-destructive diagnostic of credentials and required external binaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnv()
		if err != nil {
			return err
		}
		raw, err := config.LoadFile(env.ConfigPath)
		if err != nil {
			return err
		}
		region := "us-east-1"
		if raw.Defaults.Region != "" {
			region = raw.Defaults.Region
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ok := true

		fmt.Print("AWS credentials: ")
		if err := ec2.CheckCredentials(ctx, region); err != nil {
			fmt.Println("FAIL -", err)
			ok = false
		} else {
			fmt.Println("OK")
		}

		fmt.Print("mutagen binary: ")
		mgr := syncmgr.New(env.MutagenNotInstalled)
		if err := mgr.RequireInstalled(ctx); err != nil {
			fmt.Println("FAIL -", err)
			ok = false
		} else {
			fmt.Println("OK")
		}

		fmt.Print("ssh-keygen binary: ")
		if _, err := exec.LookPath("ssh-keygen"); err != nil {
			fmt.Println("FAIL - not found on PATH")
			ok = false
		} else {
			fmt.Println("OK")
		}

		fmt.Print("default network: ")
		if present, err := ec2.HasDefaultNetwork(ctx, region); err != nil {
			fmt.Println("FAIL -", err)
			ok = false
		} else if !present {
			fmt.Println("FAIL - no default VPC in " + region + " (run `campers setup` to create one)")
			ok = false
		} else {
			fmt.Println("OK")
		}

		if !ok {
			return fmt.Errorf("one or more checks failed")
		}
		fmt.Println("All checks passed.")
		return nil
	},
}
