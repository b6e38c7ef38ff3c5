// Package config resolves a MachineConfig from the fold of built-in
// defaults, the YAML config file's defaults/camps blocks, and CLI flag
// overrides.
package config

import (
	"fmt"
	"regexp"
)

// OnExitPolicy is one of the three cleanup policies.
type OnExitPolicy string

const (
	OnExitStop    OnExitPolicy = "stop"
	OnExitDetach  OnExitPolicy = "detach"
	OnExitDestroy OnExitPolicy = "destroy"
)

// Architecture is a closed set of CPU architectures an image query may
// filter on.
type Architecture string

const (
	ArchX86_64 Architecture = "x86_64"
	ArchARM64  Architecture = "arm64"
)

// InstanceTypeAllowList is the closed set of instance types MachineConfig
// may name. launch_instance rejects anything outside it with
// InvalidConfigError before any cloud call.
var InstanceTypeAllowList = map[string]bool{
	"t3.micro":   true,
	"t3.small":   true,
	"t3.medium":  true,
	"t3.large":   true,
	"t3.xlarge":  true,
	"t3.2xlarge": true,
	"m5.large":   true,
	"m5.xlarge":  true,
	"m5.2xlarge": true,
	"m5.4xlarge": true,
	"c5.large":   true,
	"c5.xlarge":  true,
	"c5.2xlarge": true,
	"g4dn.xlarge":  true,
	"g4dn.2xlarge": true,
	"p3.2xlarge":   true,
}

var amiIDPattern = regexp.MustCompile(`^ami-[0-9a-f]{8,17}$`)

// ImageQuery selects an AMI by search criteria rather than by explicit id.
type ImageQuery struct {
	NameGlob     string       `yaml:"name_glob"`
	Owner        string       `yaml:"owner,omitempty"`
	Architecture Architecture `yaml:"architecture,omitempty"`
}

// ImageSelector is a MachineConfig's image field: exactly one of an
// explicit AMI id, a search query, or neither (meaning default-latest-ubuntu).
type ImageSelector struct {
	ExplicitID string      `yaml:"id,omitempty"`
	Query      *ImageQuery `yaml:"query,omitempty"`
}

// Validate rejects a selector naming both an explicit id and a query.
func (s ImageSelector) Validate() error {
	if s.ExplicitID != "" && s.Query != nil {
		return fmt.Errorf("image selector names both an explicit id and a query")
	}
	if s.ExplicitID != "" && !amiIDPattern.MatchString(s.ExplicitID) {
		return fmt.Errorf("image id %q does not match /^ami-[0-9a-f]{8,17}$/", s.ExplicitID)
	}
	return nil
}

// IsDefaultLatestUbuntu reports whether neither an explicit id nor a query
// was supplied, meaning "resolve the default latest Ubuntu image".
func (s ImageSelector) IsDefaultLatestUbuntu() bool {
	return s.ExplicitID == "" && s.Query == nil
}

// SyncPath is one local<->remote bidirectional sync mapping.
type SyncPath struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
}

// PortSpec is one port-forward request as written in config or --port: a
// bare int, or "remote:local".
type PortSpec struct {
	Remote int
	Local  int
}

// MachineConfig is the resolved, immutable description of the desired
// instance. It is produced once per run by Resolve and never
// mutated afterward.
type MachineConfig struct {
	Region          string
	InstanceType    string
	DiskSizeGB      int
	Image           ImageSelector
	CampName        string
	AllowedSSHCIDR  string
	Command         string
	Ports           []PortSpec
	SyncPaths       []SyncPath
	Ignore          []string
	IncludeVCS      bool
	SetupScript     string
	StartupScript   string
	OnExit          OnExitPolicy
	SSHUsername     string
}

// BuiltInDefaults are the lowest-precedence source in the merge fold (spec
// §4.7 step 1).
func BuiltInDefaults() MachineConfig {
	return MachineConfig{
		Region:         "us-east-1",
		InstanceType:   "t3.medium",
		DiskSizeGB:     30,
		CampName:       "ad-hoc",
		AllowedSSHCIDR: "0.0.0.0/0",
		IncludeVCS:     false,
		OnExit:         OnExitStop,
		SSHUsername:    "ubuntu",
	}
}

// Validate checks the closed sets and selector constraints named in spec
// §4.7 step 1 and §4.1.
func (c *MachineConfig) Validate() error {
	if !InstanceTypeAllowList[c.InstanceType] {
		return fmt.Errorf("instance type %q is not in the allow-list", c.InstanceType)
	}
	switch c.OnExit {
	case OnExitStop, OnExitDetach, OnExitDestroy:
	default:
		return fmt.Errorf("on_exit %q must be one of stop, detach, destroy", c.OnExit)
	}
	if c.Image.Query != nil && c.Image.Query.Architecture != "" {
		switch c.Image.Query.Architecture {
		case ArchX86_64, ArchARM64:
		default:
			return fmt.Errorf("architecture %q must be one of x86_64, arm64", c.Image.Query.Architecture)
		}
	}
	if err := c.Image.Validate(); err != nil {
		return err
	}
	if c.DiskSizeGB <= 0 {
		return fmt.Errorf("disk_size_gb must be positive, got %d", c.DiskSizeGB)
	}
	if c.CampName == "" {
		return fmt.Errorf("camp_name must not be empty")
	}
	return nil
}

// IsAdHoc reports whether this is the default camp, exempt from the
// cross-region conflict rule.
func (c *MachineConfig) IsAdHoc() bool {
	return c.CampName == "ad-hoc"
}
