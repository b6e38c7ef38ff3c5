package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RawMachineConfig is the YAML shape of a defaults/camps entry. The pointer
// fields (image, include_vcs) distinguish "not set" from "set to the zero
// value"; for every other field the merge fold treats the zero value as
// "not set".
type RawMachineConfig struct {
	Region         string      `yaml:"region,omitempty"`
	InstanceType   string      `yaml:"instance_type,omitempty"`
	DiskSizeGB     int         `yaml:"disk_size_gb,omitempty"`
	Image          *ImageSelector `yaml:"image,omitempty"`
	AllowedSSHCIDR string      `yaml:"allowed_ssh_cidr,omitempty"`
	Command        string      `yaml:"command,omitempty"`
	Ports          []string    `yaml:"ports,omitempty"`
	SyncPaths      []SyncPath  `yaml:"sync_paths,omitempty"`
	Ignore         []string    `yaml:"ignore,omitempty"`
	IncludeVCS     *bool       `yaml:"include_vcs,omitempty"`
	SetupScript    string      `yaml:"setup_script,omitempty"`
	StartupScript  string      `yaml:"startup_script,omitempty"`
	OnExit         string      `yaml:"on_exit,omitempty"`
	SSHUsername    string      `yaml:"ssh_username,omitempty"`
}

// RawConfig is the top-level YAML document: defaults, camps, and
// the opaque playbooks mapping handed unparsed to the external playbook
// runner (out of core scope).
type RawConfig struct {
	Defaults  RawMachineConfig              `yaml:"defaults"`
	Camps     map[string]RawMachineConfig   `yaml:"camps"`
	Playbooks map[string][]yaml.Node        `yaml:"playbooks"`
}

// LoadFile reads and decodes the YAML configuration file at path. A missing
// file is not an error: it is treated as an empty RawConfig so built-in
// defaults alone still produce a usable MachineConfig.
func LoadFile(path string) (*RawConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &RawConfig{Camps: map[string]RawMachineConfig{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var raw RawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if raw.Camps == nil {
		raw.Camps = map[string]RawMachineConfig{}
	}
	return &raw, nil
}

var portSpecPattern = regexp.MustCompile(`^(\d+):(\d+)$`)

// ParsePortSpec parses one --port/config ports entry: bare int (local=remote)
// or "R:L" (remote then local).
func ParsePortSpec(s string) (PortSpec, error) {
	s = strings.TrimSpace(s)
	if m := portSpecPattern.FindStringSubmatch(s); m != nil {
		r, _ := strconv.Atoi(m[1])
		l, _ := strconv.Atoi(m[2])
		return PortSpec{Remote: r, Local: l}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return PortSpec{}, fmt.Errorf("invalid port spec %q: expected bare int or \"R:L\"", s)
	}
	return PortSpec{Remote: n, Local: n}, nil
}

// ParsePortSpecs parses a comma-separated --port flag value, or a YAML
// ports sequence already split into individual strings.
func ParsePortSpecs(specs []string) ([]PortSpec, error) {
	out := make([]PortSpec, 0, len(specs))
	for _, s := range specs {
		ps, err := ParsePortSpec(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, nil
}
