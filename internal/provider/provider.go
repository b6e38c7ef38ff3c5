// Package provider defines the Compute Provider Abstraction:
// a small interface over cloud instance lifecycle operations. The
// duck-typed provider object of the source becomes this interface; the
// default backend (internal/provider/ec2) implements it over AWS EC2, and
// tests implement it over a mock — no reflection required.
package provider

import (
	"context"
	"time"

	"github.com/kamilc/campers/internal/config"
)

// InstanceState is the provider's instance state machine:
// pending → running → stopping → stopped → pending → … → shutting-down →
// terminated.
type InstanceState string

const (
	StatePending      InstanceState = "pending"
	StateRunning      InstanceState = "running"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
	StateShuttingDown InstanceState = "shutting-down"
	StateTerminated   InstanceState = "terminated"
)

// IsActive reports whether the state is one of the active states.
func (s InstanceState) IsActive() bool {
	switch s {
	case StatePending, StateRunning, StateStopping, StateStopped:
		return true
	}
	return false
}

// IsTerminal reports whether the state is one of the terminal states.
func (s InstanceState) IsTerminal() bool {
	return s == StateShuttingDown || s == StateTerminated
}

// InstanceHandle is what a provider returns after launch, and what describe
// refreshes.
type InstanceHandle struct {
	InstanceID      string
	PublicIP        string
	PrivateIP       string
	State           InstanceState
	InstanceType    string
	LaunchTime      time.Time
	UniqueID        string
	KeyFilePath     string
	SecurityGroupID string
	Region          string
	CampName        string
}

// InstanceSummary is one row of list_instances output.
type InstanceSummary struct {
	Name          string
	MachineConfig string
	InstanceID    string
	State         InstanceState
	Region        string
	InstanceType  string
	LaunchTime    time.Time
}

// Tags identify a camp-scoped resource group, used to derive key pair and
// security group names.
type Tags struct {
	Project string
	Branch  string
	Camp    string
}

// Provider is the set of operations any compute backend must supply (spec
// §4.1).
type Provider interface {
	ResolveImage(ctx context.Context, selector config.ImageSelector) (imageID string, err error)

	CreateKeyPair(ctx context.Context, uniqueID string) (name string, privateKeyPath string, err error)

	CreateSecurityGroup(ctx context.Context, uniqueID string, allowedSSHCIDR string, tags *Tags) (sgID string, err error)

	LaunchInstance(ctx context.Context, cfg *config.MachineConfig, tagName string) (*InstanceHandle, error)

	StopInstance(ctx context.Context, instanceID string) (*InstanceHandle, error)

	StartInstance(ctx context.Context, instanceID string) (*InstanceHandle, error)

	TerminateInstance(ctx context.Context, instanceID string) error

	GetVolumeSize(ctx context.Context, instanceID string) (gb int, ok bool, err error)

	ListInstances(ctx context.Context, regionFilter string) ([]InstanceSummary, error)

	FindInstances(ctx context.Context, nameOrID string, regionFilter string) ([]InstanceSummary, error)
}

// Waiter bounds: short operations default to 40 attempts × 15s,
// long operations to 80 attempts × 15s.
const (
	ShortWaitAttempts = 40
	LongWaitAttempts  = 80
	WaitDelay         = 15 * time.Second
)
