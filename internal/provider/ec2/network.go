package ec2

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/kamilc/campers/internal/cerrors"
)

// EnsureDefaultNetwork implements the network half of the `setup` command:
// reports whether region already has a default VPC and, if not, creates one.
// It never creates any billable resource — a default VPC and its subnets
// carry no charge on their own.
func EnsureDefaultNetwork(ctx context.Context, region string) (created bool, err error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return false, &cerrors.CredentialsError{Cause: err}
	}
	client := ec2.NewFromConfig(cfg)

	out, err := client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []types.Filter{{Name: stringPtr("isDefault"), Values: []string{"true"}}},
	})
	if err != nil {
		return false, apiError(err)
	}
	if len(out.Vpcs) > 0 {
		return false, nil
	}

	if _, err := client.CreateDefaultVpc(ctx, &ec2.CreateDefaultVpcInput{}); err != nil {
		return false, apiError(err)
	}
	return true, nil
}

func stringPtr(s string) *string { return &s }

// HasDefaultNetwork reports whether region already has a default VPC,
// without creating one. Used by `doctor`, which must never create
// billable or non-billable resources of its own.
func HasDefaultNetwork(ctx context.Context, region string) (bool, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return false, &cerrors.CredentialsError{Cause: err}
	}
	client := ec2.NewFromConfig(cfg)

	out, err := client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []types.Filter{{Name: stringPtr("isDefault"), Values: []string{"true"}}},
	})
	if err != nil {
		return false, apiError(err)
	}
	return len(out.Vpcs) > 0, nil
}

// CheckCredentials performs the cheapest possible call that proves the
// resolved AWS credentials are valid for region: describing regions.
func CheckCredentials(ctx context.Context, region string) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return &cerrors.CredentialsError{Cause: err}
	}
	client := ec2.NewFromConfig(cfg)
	if _, err := client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{}); err != nil {
		return apiError(err)
	}
	return nil
}
