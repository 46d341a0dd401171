// Package aws implements the cloud adapter on EC2 VM import and S3.
package aws

import (
	"context"
	"fmt"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/codebypatrickleung/rehost/internal/config"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

// ProviderName is the value of a job's provider field selecting this adapter.
const ProviderName = "aws"

const (
	defaultInstanceType = "t3.medium"
	// linuxPlatform is sent to ImportInstance; the SDK enum only names Windows.
	linuxPlatform = "Linux"
)

// EC2API is the subset of *ec2.Client used by the adapter.
type EC2API interface {
	ImportInstance(ctx context.Context, in *ec2.ImportInstanceInput, optFns ...func(*ec2.Options)) (*ec2.ImportInstanceOutput, error)
	ImportVolume(ctx context.Context, in *ec2.ImportVolumeInput, optFns ...func(*ec2.Options)) (*ec2.ImportVolumeOutput, error)
	DescribeConversionTasks(ctx context.Context, in *ec2.DescribeConversionTasksInput, optFns ...func(*ec2.Options)) (*ec2.DescribeConversionTasksOutput, error)
	CancelConversionTask(ctx context.Context, in *ec2.CancelConversionTaskInput, optFns ...func(*ec2.Options)) (*ec2.CancelConversionTaskOutput, error)

	AttachVolume(ctx context.Context, in *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	ModifyVolume(ctx context.Context, in *ec2.ModifyVolumeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyVolumeOutput, error)
	DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)

	CreateImage(ctx context.Context, in *ec2.CreateImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateImageOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)

	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, in *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)

	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	AllocateAddress(ctx context.Context, in *ec2.AllocateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error)
	DescribeAddresses(ctx context.Context, in *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
	AssociateAddress(ctx context.Context, in *ec2.AssociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error)
}

// Provider implements cloud.Provider for AWS.
type Provider struct {
	ec2    EC2API
	store  ObjectStore
	cfg    *config.Config
	region string
	log    *logger.Logger

	mu          sync.Mutex
	allocations map[string]string
}

// NewProvider builds EC2 and S3 clients for j. Static job credentials win over
// the default AWS credential chain.
func NewProvider(ctx context.Context, cfg *config.Config, j *job.MigrationJob, log *logger.Logger) (*Provider, error) {
	region := j.Target.Region
	if region == "" {
		region = cfg.StorageRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	creds := j.Credentials
	if creds.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey.Value(), creds.SessionToken.Value())))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	store, err := NewObjectStore(StoreConfig{
		Endpoint:     cfg.ObjectStorageEndpoint,
		Region:       region,
		AccessKey:    creds.AccessKeyID,
		SecretKey:    creds.SecretAccessKey.Value(),
		SessionToken: creds.SessionToken.Value(),
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("AWS provider ready in %s with %s", region, creds)
	return New(ec2.NewFromConfig(awsCfg), store, cfg, region, log), nil
}

// New wires a Provider from explicit clients.
func New(client EC2API, store ObjectStore, cfg *config.Config, region string, log *logger.Logger) *Provider {
	return &Provider{
		ec2:         client,
		store:       store,
		cfg:         cfg,
		region:      region,
		log:         log,
		allocations: make(map[string]string),
	}
}

func (p *Provider) Name() string { return ProviderName }

// Validate checks the job against EC2 VM import constraints.
func (p *Provider) Validate(ctx context.Context, j *job.MigrationJob) error {
	if p.region == "" {
		return job.Invalid("target.region", "region is required")
	}
	if p.cfg.BucketName == "" {
		return job.Invalid("bucket", "an S3 bucket is required for disk import")
	}
	if j.Target.Zone != "" && !strings.HasPrefix(j.Target.Zone, p.region) {
		return job.Invalid("target.zone", "zone %s is not in region %s", j.Target.Zone, p.region)
	}
	for _, v := range j.Volumes {
		if v.SizeGiB > 16384 {
			return job.Invalid("volumes", "volume %s exceeds the 16 TiB EBS limit", v.Name)
		}
	}
	return nil
}

func (p *Provider) instanceType(j *job.MigrationJob) string {
	if j.Target.InstanceType != "" {
		return j.Target.InstanceType
	}
	return defaultInstanceType
}

// zone is where imported volumes and the placeholder instance land; they must
// share it for the attach step.
func (p *Provider) zone(j *job.MigrationJob) string {
	if j.Target.Zone != "" {
		return j.Target.Zone
	}
	return p.region + "a"
}
