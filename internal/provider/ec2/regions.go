package ec2

import (
	"context"
	"fmt"
	"sort"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/kamilc/campers/internal/cerrors"
	"github.com/kamilc/campers/internal/log"
	"github.com/kamilc/campers/internal/provider"
)

// MultiRegionLister fans list_instances and find_instances out across every
// enabled AWS region. Per-region failures are logged and skipped; a credentials
// error anywhere stops the whole call.
type MultiRegionLister struct {
	keysDir     string
	homeRegion  string
}

// NewMultiRegionLister builds a lister that discovers regions via a client
// rooted at homeRegion (any enabled region works for DescribeRegions).
func NewMultiRegionLister(homeRegion, keysDir string) *MultiRegionLister {
	return &MultiRegionLister{homeRegion: homeRegion, keysDir: keysDir}
}

func (l *MultiRegionLister) enabledRegions(ctx context.Context) ([]string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(l.homeRegion))
	if err != nil {
		return nil, &cerrors.CredentialsError{Cause: err}
	}
	client := ec2.NewFromConfig(cfg)

	out, err := client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, apiError(err)
	}

	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		regions = append(regions, awssdk.ToString(r.RegionName))
	}
	return regions, nil
}

// ListInstances implements list_instances across regions.
func (l *MultiRegionLister) ListInstances(ctx context.Context, regionFilter string) ([]provider.InstanceSummary, error) {
	regions := []string{regionFilter}
	if regionFilter == "" {
		var err error
		regions, err = l.enabledRegions(ctx)
		if err != nil {
			return nil, err
		}
	}

	var all []provider.InstanceSummary
	for _, region := range regions {
		p, err := NewForRegion(ctx, region, l.keysDir)
		if err != nil {
			if _, isCreds := err.(*cerrors.CredentialsError); isCreds {
				return nil, err
			}
			log.WithComponent("provider").Warn().Str("region", region).Err(err).Msg("skipping region")
			continue
		}

		summaries, err := p.ListInstances(ctx, "")
		if err != nil {
			if _, isCreds := err.(*cerrors.CredentialsError); isCreds {
				return nil, err
			}
			log.WithComponent("provider").Warn().Str("region", region).Err(err).Msg("skipping region after list failure")
			continue
		}
		all = append(all, summaries...)
	}

	seen := make(map[string]bool, len(all))
	deduped := make([]provider.InstanceSummary, 0, len(all))
	for _, s := range all {
		if seen[s.InstanceID] {
			continue
		}
		seen[s.InstanceID] = true
		deduped = append(deduped, s)
	}

	sort.Slice(deduped, func(i, j int) bool { return deduped[i].LaunchTime.After(deduped[j].LaunchTime) })
	return deduped, nil
}

// FindInstances implements find_instances across regions: first
// match by instance_id, else by Name tag, else by MachineConfig tag.
func (l *MultiRegionLister) FindInstances(ctx context.Context, nameOrID string, regionFilter string) ([]provider.InstanceSummary, error) {
	all, err := l.ListInstances(ctx, regionFilter)
	if err != nil {
		return nil, err
	}

	for _, s := range all {
		if s.InstanceID == nameOrID {
			return []provider.InstanceSummary{s}, nil
		}
	}

	var matches []provider.InstanceSummary
	for _, s := range all {
		if s.Name == nameOrID {
			matches = append(matches, s)
		}
	}
	if len(matches) > 0 {
		return matches, nil
	}

	for _, s := range all {
		if s.MachineConfig == nameOrID {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no campers-managed instances matched %q", nameOrID)
	}
	return matches, nil
}
