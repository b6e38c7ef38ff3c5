package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveUsesBuiltInDefaultsWhenNothingElseSet(t *testing.T) {
	raw := &RawConfig{Camps: map[string]RawMachineConfig{}}
	cfg, err := Resolve(raw, "", CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "ad-hoc", cfg.CampName)
	assert.Equal(t, "t3.medium", cfg.InstanceType)
	assert.Equal(t, OnExitStop, cfg.OnExit)
	assert.True(t, cfg.IsAdHoc())
}

func TestResolveCampOverridesDefaults(t *testing.T) {
	raw := &RawConfig{
		Defaults: RawMachineConfig{InstanceType: "t3.small", Region: "us-west-2"},
		Camps: map[string]RawMachineConfig{
			"jupyter": {InstanceType: "t3.large"},
		},
	}
	cfg, err := Resolve(raw, "jupyter", CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "t3.large", cfg.InstanceType, "camp entry should win over defaults")
	assert.Equal(t, "us-west-2", cfg.Region, "unset camp field should fall back to defaults")
}

func TestResolveCLIOverridesEverything(t *testing.T) {
	raw := &RawConfig{
		Defaults: RawMachineConfig{InstanceType: "t3.small"},
		Camps: map[string]RawMachineConfig{
			"jupyter": {InstanceType: "t3.large"},
		},
	}
	override := "m5.xlarge"
	cfg, err := Resolve(raw, "jupyter", CLIOverrides{InstanceType: &override})
	require.NoError(t, err)
	assert.Equal(t, "m5.xlarge", cfg.InstanceType)
}

func TestResolveUnknownCampIsAnError(t *testing.T) {
	raw := &RawConfig{Camps: map[string]RawMachineConfig{}}
	_, err := Resolve(raw, "does-not-exist", CLIOverrides{})
	assert.Error(t, err)
}

func TestResolveRejectsInstanceTypeOutsideAllowList(t *testing.T) {
	raw := &RawConfig{
		Defaults: RawMachineConfig{InstanceType: "z9.impossible"},
		Camps:    map[string]RawMachineConfig{},
	}
	_, err := Resolve(raw, "", CLIOverrides{})
	assert.Error(t, err)
}

func TestResolvePortsCLIReplacesConfig(t *testing.T) {
	raw := &RawConfig{
		Defaults: RawMachineConfig{Ports: []string{"8888:8888"}},
		Camps:    map[string]RawMachineConfig{},
	}
	cfg, err := Resolve(raw, "", CLIOverrides{Ports: []string{"9000:9001"}})
	require.NoError(t, err)
	require.Len(t, cfg.Ports, 1)
	assert.Equal(t, 9000, cfg.Ports[0].Remote)
	assert.Equal(t, 9001, cfg.Ports[0].Local)
}
