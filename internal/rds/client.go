// Package rds provides an RDS client wrapper for scheduled start/stop of instances and clusters.
package rds

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"

	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// API is the subset of the RDS service used by the scheduler.
type API interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	DescribeDBClusters(ctx context.Context, params *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
	StartDBInstance(ctx context.Context, params *rds.StartDBInstanceInput, optFns ...func(*rds.Options)) (*rds.StartDBInstanceOutput, error)
	StopDBInstance(ctx context.Context, params *rds.StopDBInstanceInput, optFns ...func(*rds.Options)) (*rds.StopDBInstanceOutput, error)
	StartDBCluster(ctx context.Context, params *rds.StartDBClusterInput, optFns ...func(*rds.Options)) (*rds.StartDBClusterOutput, error)
	StopDBCluster(ctx context.Context, params *rds.StopDBClusterInput, optFns ...func(*rds.Options)) (*rds.StopDBClusterOutput, error)
}

// Client wraps the AWS RDS client with the probe and transition operations.
type Client struct {
	rds API
}

// ClientConfig contains configuration for the RDS client.
type ClientConfig struct {
	AWSConfig aws.Config
	BaseURL   string // optional, for testing
}

// NewClient creates a new RDS client.
func NewClient(cfg ClientConfig) *Client {
	opts := []func(*rds.Options){}
	if cfg.BaseURL != "" {
		opts = append(opts, func(o *rds.Options) {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		})
	}

	return &Client{rds: rds.NewFromConfig(cfg.AWSConfig, opts...)}
}

// NewClientWithAPI creates a client over an existing RDS API implementation (for testing).
func NewClientWithAPI(api API) *Client {
	return &Client{rds: api}
}

// Probe reads the current lifecycle status of the resource.
// A cluster that does not exist is reported as absent with a nil error.
// A missing instance is an error.
func (c *Client) Probe(ctx context.Context, t types.TargetResource) (types.ResourceStatus, error) {
	switch t.Kind {
	case types.KindInstance:
		return c.probeInstance(ctx, t.Identifier)
	case types.KindCluster:
		return c.probeCluster(ctx, t.Identifier)
	default:
		return types.ResourceStatus{}, errors.Wrapf(internalerrors.ErrInvalidParameter, "unknown resource kind %q", t.Kind)
	}
}

func (c *Client) probeInstance(ctx context.Context, instanceID string) (types.ResourceStatus, error) {
	out, err := c.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(instanceID),
	})
	if err != nil {
		if isInstanceNotFound(err) {
			return types.ResourceStatus{}, errors.Wrap(internalerrors.ErrInstanceNotFound, instanceID)
		}
		return types.ResourceStatus{}, errors.Wrapf(err, "describe instance %s", instanceID)
	}
	if len(out.DBInstances) == 0 {
		return types.ResourceStatus{}, errors.Wrap(internalerrors.ErrInstanceNotFound, instanceID)
	}

	return types.ResourceStatus{Current: aws.ToString(out.DBInstances[0].DBInstanceStatus)}, nil
}

func (c *Client) probeCluster(ctx context.Context, clusterID string) (types.ResourceStatus, error) {
	out, err := c.rds.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{
		DBClusterIdentifier: aws.String(clusterID),
	})
	if err != nil {
		if isClusterNotFound(err) {
			return types.AbsentStatus(), nil
		}
		return types.ResourceStatus{}, errors.Wrapf(err, "describe cluster %s", clusterID)
	}
	if len(out.DBClusters) == 0 {
		return types.AbsentStatus(), nil
	}

	return types.ResourceStatus{Current: aws.ToString(out.DBClusters[0].Status)}, nil
}

// Transition issues exactly one start or stop command for the resource.
// It does not wait for the resulting status.
func (c *Client) Transition(ctx context.Context, t types.TargetResource, mode types.Mode) error {
	id := aws.String(t.Identifier)

	var err error
	switch {
	case t.Kind == types.KindInstance && mode == types.ModeStart:
		_, err = c.rds.StartDBInstance(ctx, &rds.StartDBInstanceInput{DBInstanceIdentifier: id})
	case t.Kind == types.KindInstance && mode == types.ModeStop:
		_, err = c.rds.StopDBInstance(ctx, &rds.StopDBInstanceInput{DBInstanceIdentifier: id})
	case t.Kind == types.KindCluster && mode == types.ModeStart:
		_, err = c.rds.StartDBCluster(ctx, &rds.StartDBClusterInput{DBClusterIdentifier: id})
	case t.Kind == types.KindCluster && mode == types.ModeStop:
		_, err = c.rds.StopDBCluster(ctx, &rds.StopDBClusterInput{DBClusterIdentifier: id})
	default:
		return errors.Wrapf(internalerrors.ErrInvalidParameter, "cannot %s %s %s", mode, t.Kind, t.Identifier)
	}
	if err != nil {
		return errors.Wrapf(err, "%s %s %s", strings.ToLower(string(mode)), t.Kind.DisplayName(), t.Identifier)
	}

	return nil
}

func isClusterNotFound(err error) bool {
	var nf *rdstypes.DBClusterNotFoundFault
	if errors.As(err, &nf) {
		return true
	}
	return hasErrorCode(err, "DBClusterNotFound")
}

func isInstanceNotFound(err error) bool {
	var nf *rdstypes.DBInstanceNotFoundFault
	if errors.As(err, &nf) {
		return true
	}
	return hasErrorCode(err, "DBInstanceNotFound")
}

// hasErrorCode matches API errors by code prefix; the service reports both
// "DBClusterNotFound" and "DBClusterNotFoundFault".
func hasErrorCode(err error, prefix string) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return strings.HasPrefix(apiErr.ErrorCode(), prefix)
	}
	return false
}
