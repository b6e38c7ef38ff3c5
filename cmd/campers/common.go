package main

import (
	"context"
	"errors"

	"github.com/kamilc/campers/internal/cerrors"
	"github.com/kamilc/campers/internal/config"
	"github.com/kamilc/campers/internal/pricing"
	"github.com/kamilc/campers/internal/provider"
	"github.com/kamilc/campers/internal/provider/ec2"
	"github.com/kamilc/campers/internal/registry"
)

// loadEnv resolves the process environment, the knobs every command needs
// to find its state directories and config file.
func loadEnv() (*config.Env, error) {
	return config.LoadEnv()
}

// resolveConfig folds CLI overrides over the YAML file's camps/defaults
// blocks over built-in defaults.
func resolveConfig(env *config.Env, campName string, cli config.CLIOverrides) (*config.MachineConfig, error) {
	raw, err := config.LoadFile(env.ConfigPath)
	if err != nil {
		return nil, err
	}
	return config.Resolve(raw, campName, cli)
}

// newProvider constructs the default EC2-backed Provider for region.
func newProvider(ctx context.Context, env *config.Env, region string) (provider.Provider, error) {
	return ec2.NewForRegion(ctx, region, env.KeysDir())
}

// newRegistry opens the Session Registry rooted at env's sessions dir.
func newRegistry(env *config.Env) *registry.Registry {
	return registry.New(env.SessionsDir())
}

// newPricingCache constructs the read-through pricing cache. Pricing
// unavailability is never fatal: callers treat a nil cache as "print
// Pricing unavailable".
func newPricingCache(ctx context.Context) *pricing.Cache {
	cache, err := pricing.New(ctx)
	if err != nil {
		return nil
	}
	return cache
}

// exitCodeFromErr maps an error into the process exit code convention used
// for every subcommand: 1 for usage/config errors, 2 for provider errors.
func exitCodeFromErr(err error) int {
	var credsErr *cerrors.CredentialsError
	var authzErr *cerrors.AuthzError
	var apiErr *cerrors.APIError
	var connErr *cerrors.ConnectionError
	switch {
	case errors.As(err, &credsErr), errors.As(err, &authzErr), errors.As(err, &apiErr), errors.As(err, &connErr):
		return 2
	default:
		return 1
	}
}
