// Package discovery finds RDS instances and clusters carrying a schedule tag.
package discovery

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	tagging "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	taggingtypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/constants"
	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
)

// Client looks up tagged RDS resources through the Resource Groups Tagging API.
type Client struct {
	api tagging.GetResourcesAPIClient
}

// ClientConfig contains configuration for the discovery client.
type ClientConfig struct {
	AWSConfig aws.Config
	BaseURL   string // optional, for testing
}

// NewClient creates a new discovery client.
func NewClient(cfg ClientConfig) *Client {
	opts := []func(*tagging.Options){}
	if cfg.BaseURL != "" {
		opts = append(opts, func(o *tagging.Options) {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		})
	}

	return &Client{api: tagging.NewFromConfig(cfg.AWSConfig, opts...)}
}

// NewClientWithAPI creates a client over an existing API implementation (for testing).
func NewClientWithAPI(api tagging.GetResourcesAPIClient) *Client {
	return &Client{api: api}
}

// Discover returns the ARNs of every DB instance and DB cluster tagged with
// tagKey set to any of tagValues. The result is deduplicated and unordered.
func (c *Client) Discover(ctx context.Context, tagKey string, tagValues []string) ([]string, error) {
	input := &tagging.GetResourcesInput{
		ResourceTypeFilters: []string{
			constants.ResourceTypeDBInstance,
			constants.ResourceTypeDBCluster,
		},
		TagFilters: []taggingtypes.TagFilter{
			{Key: aws.String(tagKey), Values: append([]string(nil), tagValues...)},
		},
	}

	seen := make(map[string]bool)
	var arns []string

	paginator := tagging.NewGetResourcesPaginator(c.api, input)
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(errors.Mark(err, internalerrors.ErrDiscoveryFailed), "get resources tagged %s", tagKey)
		}

		for _, m := range out.ResourceTagMappingList {
			arn := aws.ToString(m.ResourceARN)
			if arn == "" || seen[arn] {
				continue
			}
			seen[arn] = true
			arns = append(arns, arn)
		}
	}

	return arns, nil
}
