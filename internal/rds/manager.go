package rds

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// ClientManager routes probes and commands to a client for the region
// named in each resource's ARN. Clients are created lazily and cached.
type ClientManager struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	baseConfig aws.Config
	profile    string
	demoMode   bool
	baseURL    string // for demo mode
}

// ClientManagerConfig contains configuration for the ClientManager.
type ClientManagerConfig struct {
	// BaseConfig is the base AWS configuration; its region gets the first client.
	BaseConfig aws.Config
	// Profile is the AWS profile to use (optional).
	Profile string
	// DemoMode uses anonymous credentials against BaseURL.
	DemoMode bool
	// BaseURL is the mock server URL for demo mode.
	BaseURL string
}

// NewClientManager creates a new ClientManager.
func NewClientManager(cfg ClientManagerConfig) *ClientManager {
	m := &ClientManager{
		clients:    make(map[string]*Client),
		baseConfig: cfg.BaseConfig,
		profile:    cfg.Profile,
		demoMode:   cfg.DemoMode,
		baseURL:    cfg.BaseURL,
	}
	if cfg.BaseConfig.Region != "" {
		m.clients[cfg.BaseConfig.Region] = NewClient(ClientConfig{AWSConfig: cfg.BaseConfig, BaseURL: cfg.BaseURL})
	}
	return m
}

// Probe reads the resource status using the client for its region.
func (m *ClientManager) Probe(ctx context.Context, t types.TargetResource) (types.ResourceStatus, error) {
	client, err := m.GetClient(ctx, m.regionFor(t))
	if err != nil {
		return types.ResourceStatus{}, err
	}
	return client.Probe(ctx, t)
}

// Transition issues the start or stop command using the client for its region.
func (m *ClientManager) Transition(ctx context.Context, t types.TargetResource, mode types.Mode) error {
	client, err := m.GetClient(ctx, m.regionFor(t))
	if err != nil {
		return err
	}
	return client.Transition(ctx, t, mode)
}

func (m *ClientManager) regionFor(t types.TargetResource) string {
	if t.Region != "" {
		return t.Region
	}
	return m.baseConfig.Region
}

// GetClient returns an RDS client for the specified region.
// Clients are cached and reused.
func (m *ClientManager) GetClient(ctx context.Context, region string) (*Client, error) {
	m.mu.RLock()
	client, ok := m.clients[region]
	m.mu.RUnlock()
	if ok {
		return client, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.clients[region]; ok {
		return client, nil
	}

	var awsCfg aws.Config
	var err error

	if m.demoMode {
		awsCfg = aws.Config{
			Region:           region,
			RetryMaxAttempts: 1,
			Credentials:      aws.AnonymousCredentials{},
		}
	} else {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(region),
		}
		if m.profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(m.profile))
		}

		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "load aws config for region %s", region)
		}
	}

	client = NewClient(ClientConfig{AWSConfig: awsCfg, BaseURL: m.baseURL})
	m.clients[region] = client

	return client, nil
}

// Regions returns the regions that currently have a cached client.
func (m *ClientManager) Regions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	regions := make([]string, 0, len(m.clients))
	for r := range m.clients {
		regions = append(regions, r)
	}
	return regions
}
