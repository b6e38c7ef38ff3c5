// Package ec2 implements compute provisioning and lifecycle management over
// Amazon EC2, using github.com/aws/aws-sdk-go-v2/service/ec2.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/kamilc/campers/internal/cerrors"
	"github.com/kamilc/campers/internal/config"
	"github.com/kamilc/campers/internal/log"
	"github.com/kamilc/campers/internal/provider"
	"github.com/kamilc/campers/internal/waiter"
)

const managedByTag = "campers"

// Provider implements provider.Provider against a single AWS region. Use
// NewForRegion to construct one with real AWS credentials resolved the
// standard way (env, shared config, instance role).
type Provider struct {
	client   *ec2.Client
	region   string
	keysDir  string
}

// NewForRegion loads default AWS credentials/config scoped to region and
// returns a ready Provider.
func NewForRegion(ctx context.Context, region, keysDir string) (*Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, &cerrors.CredentialsError{Cause: err}
	}
	return &Provider{
		client:  ec2.NewFromConfig(cfg),
		region:  region,
		keysDir: keysDir,
	}, nil
}

func apiError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &cerrors.APIError{Code: apiErr.ErrorCode(), Cause: err}
	}
	return &cerrors.ConnectionError{Cause: err}
}

// ResolveImage implements resolve_image.
func (p *Provider) ResolveImage(ctx context.Context, selector config.ImageSelector) (string, error) {
	if err := selector.Validate(); err != nil {
		return "", &cerrors.InvalidConfigError{Message: err.Error()}
	}

	if selector.ExplicitID != "" {
		return selector.ExplicitID, nil
	}

	if selector.IsDefaultLatestUbuntu() {
		selector.Query = &config.ImageQuery{
			NameGlob: "ubuntu/images/hvm-ssd/ubuntu-*-amd64-server-*",
			Owner:    "099720109477", // Canonical
		}
	}

	filters := []types.Filter{
		{Name: awssdk.String("name"), Values: []string{selector.Query.NameGlob}},
		{Name: awssdk.String("state"), Values: []string{"available"}},
	}
	if selector.Query.Architecture != "" {
		filters = append(filters, types.Filter{
			Name:   awssdk.String("architecture"),
			Values: []string{string(selector.Query.Architecture)},
		})
	}

	in := &ec2.DescribeImagesInput{Filters: filters}
	if selector.Query.Owner != "" {
		in.Owners = []string{selector.Query.Owner}
	}

	out, err := p.client.DescribeImages(ctx, in)
	if err != nil {
		return "", apiError(err)
	}
	if len(out.Images) == 0 {
		return "", &cerrors.NotFoundError{Message: fmt.Sprintf("no image matched %q", selector.Query.NameGlob)}
	}

	sort.Slice(out.Images, func(i, j int) bool {
		ti, _ := time.Parse(time.RFC3339, awssdk.ToString(out.Images[i].CreationDate))
		tj, _ := time.Parse(time.RFC3339, awssdk.ToString(out.Images[j].CreationDate))
		return ti.After(tj)
	})
	return awssdk.ToString(out.Images[0].ImageId), nil
}

// CreateKeyPair implements create_key_pair: delete any
// pre-existing key with the target name, then create a fresh one, writing
// the private key owner-read-only.
func (p *Provider) CreateKeyPair(ctx context.Context, uniqueID string) (string, string, error) {
	name := fmt.Sprintf("campers-%s", uniqueID)

	_, _ = p.client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: awssdk.String(name)})

	out, err := p.client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName: awssdk.String(name),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeKeyPair,
			Tags:         []types.Tag{{Key: awssdk.String("ManagedBy"), Value: awssdk.String(managedByTag)}},
		}},
	})
	if err != nil {
		return "", "", apiError(err)
	}

	if err := os.MkdirAll(p.keysDir, 0o700); err != nil {
		return "", "", fmt.Errorf("creating keys directory: %w", err)
	}
	keyPath := filepath.Join(p.keysDir, name+".pem")
	if err := os.WriteFile(keyPath, []byte(awssdk.ToString(out.KeyMaterial)), 0o600); err != nil {
		return "", "", fmt.Errorf("writing private key file: %w", err)
	}

	return name, keyPath, nil
}

// CreateSecurityGroup implements create_security_group: name
// collisions back off exponentially and retry up to 3 attempts with a
// random 8-char suffix.
func (p *Provider) CreateSecurityGroup(ctx context.Context, uniqueID string, allowedSSHCIDR string, tags *provider.Tags) (string, error) {
	if allowedSSHCIDR == "0.0.0.0/0" {
		log.WithComponent("provider").Warn().Msg("opening TCP/22 to 0.0.0.0/0: allowed_ssh_cidr was left at its default, restrict it to a narrower range for production use")
	}

	baseName := fmt.Sprintf("campers-%s", uniqueID)
	if tags != nil && tags.Project != "" && tags.Branch != "" && tags.Camp != "" {
		baseName = fmt.Sprintf("campers-%s-%s-%s", tags.Project, tags.Branch, tags.Camp)
	}

	var sgID string
	name := baseName
	err := waiter.Retry(ctx, 3, 1*time.Second, 8*time.Second, func() error {
		out, err := p.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:   awssdk.String(name),
			Description: awssdk.String("campers-managed ephemeral instance"),
			TagSpecifications: []types.TagSpecification{{
				ResourceType: types.ResourceTypeSecurityGroup,
				Tags:         []types.Tag{{Key: awssdk.String("ManagedBy"), Value: awssdk.String(managedByTag)}},
			}},
		})
		if err != nil {
			apiErr := apiError(err)
			if ae, ok := apiErr.(*cerrors.APIError); ok && strings.Contains(ae.Code, "Duplicate") {
				name = fmt.Sprintf("%s-%s", baseName, randomSuffix(8))
			}
			return apiErr
		}
		sgID = awssdk.ToString(out.GroupId)
		return nil
	})
	if err != nil {
		return "", err
	}

	_, err = p.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: awssdk.String(sgID),
		IpPermissions: []types.IpPermission{{
			IpProtocol: awssdk.String("tcp"),
			FromPort:   awssdk.Int32(22),
			ToPort:     awssdk.Int32(22),
			IpRanges:   []types.IpRange{{CidrIp: awssdk.String(allowedSSHCIDR)}},
		}},
	})
	if err != nil {
		return sgID, apiError(err)
	}
	return sgID, nil
}

func randomSuffix(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// LaunchInstance implements launch_instance, including the
// rollback-on-failure procedure for any step after image resolution.
func (p *Provider) LaunchInstance(ctx context.Context, cfg *config.MachineConfig, tagName string) (*provider.InstanceHandle, error) {
	if !config.InstanceTypeAllowList[cfg.InstanceType] {
		return nil, &cerrors.InvalidConfigError{Message: fmt.Sprintf("instance type %q is not in the allow-list", cfg.InstanceType)}
	}

	if !cfg.IsAdHoc() {
		lister := NewMultiRegionLister(p.region, p.keysDir)
		existing, err := lister.FindInstances(ctx, cfg.CampName, "")
		if err == nil {
			for _, s := range existing {
				if s.Region != p.region && s.State.IsActive() {
					return nil, &cerrors.InvalidConfigError{Message: fmt.Sprintf(
						"camp %q already has an active instance in %s, refusing to launch in %s", cfg.CampName, s.Region, p.region)}
				}
			}
		}
	}

	imageID, err := p.ResolveImage(ctx, cfg.Image)
	if err != nil {
		return nil, err
	}

	uniqueID := uuid.New().String()

	var keyName, keyPath, sgID string
	rollback := func() {
		log.WithComponent("provider").Warn().Msg("launch_instance failed mid-way, rolling back acquired resources")
	}

	keyName, keyPath, err = p.CreateKeyPair(ctx, uniqueID)
	if err != nil {
		rollback()
		return nil, err
	}

	sgID, err = p.CreateSecurityGroup(ctx, uniqueID, cfg.AllowedSSHCIDR, nil)
	if err != nil {
		rollback()
		p.bestEffortDeleteKey(ctx, keyName, keyPath)
		return nil, err
	}

	out, err := p.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      awssdk.String(imageID),
		InstanceType: types.InstanceType(cfg.InstanceType),
		KeyName:      awssdk.String(keyName),
		SecurityGroupIds: []string{sgID},
		MinCount:     awssdk.Int32(1),
		MaxCount:     awssdk.Int32(1),
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: awssdk.String("/dev/sda1"),
			Ebs: &types.EbsBlockDevice{
				VolumeSize: awssdk.Int32(int32(cfg.DiskSizeGB)),
			},
		}},
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: awssdk.String("ManagedBy"), Value: awssdk.String(managedByTag)},
				{Key: awssdk.String("Name"), Value: awssdk.String(tagName)},
				{Key: awssdk.String("MachineConfig"), Value: awssdk.String(cfg.CampName)},
				{Key: awssdk.String("UniqueId"), Value: awssdk.String(uniqueID)},
			},
		}},
	})
	if err != nil {
		rollback()
		p.bestEffortDeleteSG(ctx, sgID)
		p.bestEffortDeleteKey(ctx, keyName, keyPath)
		return nil, apiError(err)
	}
	instanceID := awssdk.ToString(out.Instances[0].InstanceId)

	handle, err := p.waitForState(ctx, instanceID, provider.StateRunning, provider.LongWaitAttempts)
	if err != nil {
		rollback()
		p.bestEffortTerminate(ctx, instanceID)
		p.bestEffortDeleteSG(ctx, sgID)
		p.bestEffortDeleteKey(ctx, keyName, keyPath)
		return nil, err
	}

	handle.KeyFilePath = keyPath
	handle.SecurityGroupID = sgID
	handle.UniqueID = uniqueID
	handle.Region = p.region
	handle.CampName = cfg.CampName
	return handle, nil
}

func (p *Provider) bestEffortDeleteKey(ctx context.Context, name, path string) {
	if name != "" {
		if _, err := p.client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: awssdk.String(name)}); err != nil {
			log.WithComponent("provider").Warn().Err(err).Msg("rollback: failed to delete key pair")
		}
	}
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithComponent("provider").Warn().Err(err).Msg("rollback: failed to delete key file")
		}
	}
}

func (p *Provider) bestEffortDeleteSG(ctx context.Context, sgID string) {
	if sgID == "" {
		return
	}
	if _, err := p.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: awssdk.String(sgID)}); err != nil {
		log.WithComponent("provider").Warn().Err(err).Msg("rollback: failed to delete security group")
	}
}

func (p *Provider) bestEffortTerminate(ctx context.Context, instanceID string) {
	if instanceID == "" {
		return
	}
	if _, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		log.WithComponent("provider").Warn().Err(err).Msg("rollback: failed to terminate instance")
	}
}

// StopInstance implements stop_instance.
func (p *Provider) StopInstance(ctx context.Context, instanceID string) (*provider.InstanceHandle, error) {
	current, err := p.describe(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if current.State == provider.StateStopped {
		return current, nil
	}

	if _, err := p.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return nil, apiError(err)
	}
	return p.waitForState(ctx, instanceID, provider.StateStopped, provider.ShortWaitAttempts)
}

// StartInstance implements start_instance.
func (p *Provider) StartInstance(ctx context.Context, instanceID string) (*provider.InstanceHandle, error) {
	current, err := p.describe(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if current.State == provider.StateRunning {
		return current, nil
	}
	if current.State != provider.StateStopped {
		return nil, &cerrors.InvalidConfigError{Message: fmt.Sprintf("cannot start instance in state %s", current.State)}
	}

	if _, err := p.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return nil, apiError(err)
	}

	handle, err := p.waitForState(ctx, instanceID, provider.StateRunning, provider.ShortWaitAttempts)
	if err != nil {
		return nil, err
	}

	w := waiter.New(2*time.Minute, 5*time.Second)
	err = w.WaitFor(ctx, func() bool {
		h, err := p.describe(ctx, instanceID)
		if err != nil {
			return false
		}
		handle = h
		return h.PublicIP != ""
	}, "public IP assignment")
	if err != nil {
		log.WithComponent("provider").Warn().Str("instance_id", instanceID).Msg("public IP not yet assigned after start, returning without it")
	}
	return handle, nil
}

// TerminateInstance implements terminate_instance.
func (p *Provider) TerminateInstance(ctx context.Context, instanceID string) error {
	current, err := p.describe(ctx, instanceID)
	if err != nil {
		if ae, ok := err.(*cerrors.APIError); ok && ae.IsNotFoundOnCleanup() {
			return nil
		}
		return err
	}

	if _, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return apiError(err)
	}
	if _, err := p.waitForState(ctx, instanceID, provider.StateTerminated, provider.ShortWaitAttempts); err != nil {
		log.WithComponent("provider").Warn().Err(err).Msg("did not observe terminated state within budget, proceeding with best-effort cleanup")
	}

	if current.UniqueID != "" {
		keyName := fmt.Sprintf("campers-%s", current.UniqueID)
		p.bestEffortDeleteKey(ctx, keyName, filepath.Join(p.keysDir, keyName+".pem"))
	}

	if current.SecurityGroupID != "" {
		err := waiter.RetryIf(ctx, 5, 1*time.Second, 30*time.Second,
			func(err error) bool {
				ae, ok := err.(*cerrors.APIError)
				return ok && ae.Retryable()
			},
			func() error {
				_, err := p.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: awssdk.String(current.SecurityGroupID)})
				if err == nil {
					return nil
				}
				apiErr := apiError(err)
				if ae, ok := apiErr.(*cerrors.APIError); ok && ae.IsNotFoundOnCleanup() {
					return nil
				}
				return apiErr
			})
		if err != nil {
			log.WithComponent("provider").Warn().Err(err).Msg("failed to delete security group after terminate")
		}
	}
	return nil
}

// GetVolumeSize implements get_volume_size.
func (p *Provider) GetVolumeSize(ctx context.Context, instanceID string) (int, bool, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return 0, false, apiError(err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return 0, false, &cerrors.NotFoundError{Message: "instance not found: " + instanceID}
	}
	inst := out.Reservations[0].Instances[0]
	if len(inst.BlockDeviceMappings) == 0 {
		return 0, false, nil
	}

	volOut, err := p.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{awssdk.ToString(inst.BlockDeviceMappings[0].Ebs.VolumeId)},
	})
	if err != nil || len(volOut.Volumes) == 0 {
		return 0, false, nil
	}
	return int(awssdk.ToInt32(volOut.Volumes[0].Size)), true, nil
}

// ListInstances implements list_instances for this provider's
// region. Multi-region fan-out lives in MultiRegionLister.
func (p *Provider) ListInstances(ctx context.Context, regionFilter string) ([]provider.InstanceSummary, error) {
	if regionFilter != "" && regionFilter != p.region {
		return nil, nil
	}

	var summaries []provider.InstanceSummary
	var nextToken *string
	for {
		out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []types.Filter{
				{Name: awssdk.String("tag:ManagedBy"), Values: []string{managedByTag}},
			},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, apiError(err)
		}
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				state := provider.InstanceState(inst.State.Name)
				if !state.IsActive() {
					continue
				}
				summaries = append(summaries, p.summarize(inst, state))
			}
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].LaunchTime.After(summaries[j].LaunchTime) })
	return dedupeByInstanceID(summaries), nil
}

func dedupeByInstanceID(in []provider.InstanceSummary) []provider.InstanceSummary {
	seen := make(map[string]bool, len(in))
	out := make([]provider.InstanceSummary, 0, len(in))
	for _, s := range in {
		if seen[s.InstanceID] {
			continue
		}
		seen[s.InstanceID] = true
		out = append(out, s)
	}
	return out
}

// FindInstances implements find_instances: first match by
// instance_id, else by Name tag, else by MachineConfig tag.
func (p *Provider) FindInstances(ctx context.Context, nameOrID string, regionFilter string) ([]provider.InstanceSummary, error) {
	all, err := p.ListInstances(ctx, regionFilter)
	if err != nil {
		return nil, err
	}

	for _, s := range all {
		if s.InstanceID == nameOrID {
			return []provider.InstanceSummary{s}, nil
		}
	}

	var byName []provider.InstanceSummary
	for _, s := range all {
		if s.Name == nameOrID {
			byName = append(byName, s)
		}
	}
	if len(byName) > 0 {
		return byName, nil
	}

	var byMachineConfig []provider.InstanceSummary
	for _, s := range all {
		if s.MachineConfig == nameOrID {
			byMachineConfig = append(byMachineConfig, s)
		}
	}
	return byMachineConfig, nil
}

func (p *Provider) summarize(inst types.Instance, state provider.InstanceState) provider.InstanceSummary {
	var name, machineConfig string
	for _, t := range inst.Tags {
		switch awssdk.ToString(t.Key) {
		case "Name":
			name = awssdk.ToString(t.Value)
		case "MachineConfig":
			machineConfig = awssdk.ToString(t.Value)
		}
	}
	return provider.InstanceSummary{
		Name:          name,
		MachineConfig: machineConfig,
		InstanceID:    awssdk.ToString(inst.InstanceId),
		State:         state,
		Region:        p.region,
		InstanceType:  string(inst.InstanceType),
		LaunchTime:    awssdk.ToTime(inst.LaunchTime),
	}
}

func (p *Provider) describe(ctx context.Context, instanceID string) (*provider.InstanceHandle, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return nil, apiError(err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, &cerrors.APIError{Code: "InvalidInstanceID.NotFound", Cause: fmt.Errorf("instance %s not found", instanceID)}
	}
	inst := out.Reservations[0].Instances[0]

	var uniqueID string
	var sgID string
	for _, t := range inst.Tags {
		if awssdk.ToString(t.Key) == "UniqueId" {
			uniqueID = awssdk.ToString(t.Value)
		}
	}
	if len(inst.SecurityGroups) > 0 {
		sgID = awssdk.ToString(inst.SecurityGroups[0].GroupId)
	}

	return &provider.InstanceHandle{
		InstanceID:      instanceID,
		PublicIP:        awssdk.ToString(inst.PublicIpAddress),
		PrivateIP:       awssdk.ToString(inst.PrivateIpAddress),
		State:           provider.InstanceState(inst.State.Name),
		InstanceType:    string(inst.InstanceType),
		LaunchTime:      awssdk.ToTime(inst.LaunchTime),
		UniqueID:        uniqueID,
		SecurityGroupID: sgID,
		Region:          p.region,
	}, nil
}

func (p *Provider) waitForState(ctx context.Context, instanceID string, target provider.InstanceState, attempts int) (*provider.InstanceHandle, error) {
	w := waiter.NewAttempts(attempts, provider.WaitDelay)
	var handle *provider.InstanceHandle
	var lastErr error
	err := w.WaitFor(ctx, func() bool {
		h, err := p.describe(ctx, instanceID)
		if err != nil {
			lastErr = err
			return false
		}
		handle = h
		return h.State == target
	}, fmt.Sprintf("instance %s to reach state %s", instanceID, target))
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return handle, nil
}
