// Package oci provides the cloud adapter for Oracle Cloud Infrastructure.
package oci

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/core"
	"github.com/oracle/oci-go-sdk/v65/identity"
	"github.com/oracle/oci-go-sdk/v65/objectstorage"

	"github.com/codebypatrickleung/rehost/internal/config"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
)

// ProviderName is the value of a job's provider field selecting this adapter.
const ProviderName = "oci"

const (
	defaultShape      = "VM.Standard.E4.Flex"
	rootDeviceName    = "/dev/oracleoci/oraclevda"
	defaultWaitPeriod = 5 * time.Second
	maxWaitAttempts   = 120
)

// Provider implements cloud.Provider for OCI. Clients are created per call
// from the shared configuration provider.
type Provider struct {
	configProvider common.ConfigurationProvider
	cfg            *config.Config
	region         string
	compartmentID  string
	logger         *logger.Logger
	pollInterval   time.Duration

	copyMu sync.Mutex

	mu          sync.Mutex
	namespace   string
	imports     map[string]*importTask
	ads         map[string]string
	publicIPIDs map[string]string
}

// NewProvider creates an OCI provider for j. API-key credentials on the job
// take precedence over the default ~/.oci/config profile.
func NewProvider(cfg *config.Config, j *job.MigrationJob, log *logger.Logger) (*Provider, error) {
	configProvider := common.DefaultConfigProvider()
	creds := j.Credentials
	if creds.TenancyID != "" {
		key, err := os.ReadFile(creds.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read OCI API key: %w", err)
		}
		var passphrase *string
		if creds.Passphrase != "" {
			passphrase = common.String(creds.Passphrase.Value())
		}
		configProvider = common.NewRawConfigurationProvider(creds.TenancyID, creds.UserID, j.Target.Region, creds.Fingerprint, string(key), passphrase)
	}

	region := j.Target.Region
	if region == "" {
		r, err := configProvider.Region()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve OCI region: %w", err)
		}
		region = r
	}

	p := newProvider(configProvider, cfg, region, j.Target.CompartmentID, log)
	p.namespace = cfg.OCINamespace
	return p, nil
}

func newProvider(cp common.ConfigurationProvider, cfg *config.Config, region, compartmentID string, log *logger.Logger) *Provider {
	poll := cfg.StatePollInterval
	if poll <= 0 {
		poll = defaultWaitPeriod
	}
	return &Provider{
		configProvider: cp,
		cfg:            cfg,
		region:         region,
		compartmentID:  compartmentID,
		logger:         log,
		pollInterval:   poll,
		imports:        make(map[string]*importTask),
		ads:            make(map[string]string),
		publicIPIDs:    make(map[string]string),
	}
}

func (p *Provider) Name() string { return ProviderName }

// Validate checks the job shape and that the compartment and subnet are reachable.
func (p *Provider) Validate(ctx context.Context, j *job.MigrationJob) error {
	if j.Target.CompartmentID == "" {
		return job.Invalid("target.compartment_id", "compartment is required")
	}
	if j.Target.SubnetID == "" {
		return job.Invalid("target.subnet_id", "subnet is required")
	}
	if _, ok := volumeTypeVPUs[j.Target.VolumeType]; j.Target.VolumeType != "" && !ok {
		return job.Invalid("target.volume_type", "unknown volume performance %q", j.Target.VolumeType)
	}
	if j.Strategy == job.StrategyRehost && len(j.DataVolumes()) > 0 {
		if err := p.validateLocalCopy(ctx, j); err != nil {
			return err
		}
	}
	if err := p.CheckCompartmentExists(ctx, j.Target.CompartmentID); err != nil {
		return job.Invalid("target.compartment_id", "%v", err)
	}
	if err := p.CheckSubnetExists(ctx, j.Target.SubnetID); err != nil {
		return job.Invalid("target.subnet_id", "%v", err)
	}
	return nil
}

// CheckCompartmentExists checks if a compartment is accessible.
func (p *Provider) CheckCompartmentExists(ctx context.Context, compartmentID string) error {
	client, err := identity.NewIdentityClientWithConfigurationProvider(p.configProvider)
	if err != nil {
		return fmt.Errorf("failed to create identity client: %w", err)
	}
	_, err = client.GetCompartment(ctx, identity.GetCompartmentRequest{CompartmentId: &compartmentID})
	if err != nil {
		return fmt.Errorf("compartment not accessible: %w", err)
	}
	return nil
}

// CheckSubnetExists checks if a subnet is accessible.
func (p *Provider) CheckSubnetExists(ctx context.Context, subnetID string) error {
	client, err := core.NewVirtualNetworkClientWithConfigurationProvider(p.configProvider)
	if err != nil {
		return fmt.Errorf("failed to create virtual network client: %w", err)
	}
	_, err = client.GetSubnet(ctx, core.GetSubnetRequest{SubnetId: &subnetID})
	if err != nil {
		return fmt.Errorf("subnet not accessible: %w", err)
	}
	return nil
}

// availabilityDomain returns the job's zone or the first domain of the compartment.
func (p *Provider) availabilityDomain(ctx context.Context, j *job.MigrationJob) (string, error) {
	if j.Target.Zone != "" {
		return j.Target.Zone, nil
	}
	p.mu.Lock()
	ad, ok := p.ads[j.Target.CompartmentID]
	p.mu.Unlock()
	if ok {
		return ad, nil
	}

	client, err := identity.NewIdentityClientWithConfigurationProvider(p.configProvider)
	if err != nil {
		return "", fmt.Errorf("failed to create identity client: %w", err)
	}
	resp, err := client.ListAvailabilityDomains(ctx, identity.ListAvailabilityDomainsRequest{
		CompartmentId: &j.Target.CompartmentID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list availability domains: %w", err)
	}
	if len(resp.Items) == 0 {
		return "", fmt.Errorf("no availability domains found")
	}
	ad = *resp.Items[0].Name
	p.mu.Lock()
	p.ads[j.Target.CompartmentID] = ad
	p.mu.Unlock()
	return ad, nil
}

// wait polls check until it reports done, an error, or attempts run out.
func (p *Provider) wait(ctx context.Context, what string, check func() (bool, error)) error {
	for i := 0; i < maxWaitAttempts; i++ {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
	return fmt.Errorf("timeout waiting for %s", what)
}

func (p *Provider) objectStorage() (objectstorage.ObjectStorageClient, error) {
	client, err := objectstorage.NewObjectStorageClientWithConfigurationProvider(p.configProvider)
	if err != nil {
		return client, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return client, nil
}

func (p *Provider) compute() (core.ComputeClient, error) {
	client, err := core.NewComputeClientWithConfigurationProvider(p.configProvider)
	if err != nil {
		return client, fmt.Errorf("failed to create compute client: %w", err)
	}
	return client, nil
}

func (p *Provider) blockstorage() (core.BlockstorageClient, error) {
	client, err := core.NewBlockstorageClientWithConfigurationProvider(p.configProvider)
	if err != nil {
		return client, fmt.Errorf("failed to create block storage client: %w", err)
	}
	return client, nil
}

func (p *Provider) network() (core.VirtualNetworkClient, error) {
	client, err := core.NewVirtualNetworkClientWithConfigurationProvider(p.configProvider)
	if err != nil {
		return client, fmt.Errorf("failed to create virtual network client: %w", err)
	}
	return client, nil
}

func isKind(ocid, kind string) bool {
	return strings.HasPrefix(ocid, "ocid1."+kind+".")
}
