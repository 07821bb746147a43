// Package cloud boots head nodes as virtual machines through the EC2 API.
// OpenStack clouds are reached through their EC2-compatible endpoint.
package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"
	"github.com/vc3-project/vc3-master/pkg/health"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/provision"
	"github.com/vc3-project/vc3-master/pkg/security"
)

// Tag keys set on every instance
const (
	TagName    = "Name"
	TagRequest = "vc3-request"
	TagOwner   = "vc3-owner"
)

// Config configures the cloud backend
type Config struct {
	Region           string
	Endpoint         string // non-AWS EC2 endpoint, e.g. OpenStack
	AccessKeyID      string
	SecretAccessKey  string
	ImageID          string
	InstanceType     string
	KeyName          string
	SecurityGroupIDs []string
	SubnetID         string
	UserData         string
	UsePublicIP      bool

	LoginUser      string
	PrivateKeyFile string
	Port           int
	ProbeTimeout   time.Duration
}

// ec2API is the subset of the EC2 client the backend uses
type ec2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Backend manages one VM per request, found by its Name tag
type Backend struct {
	cfg      Config
	client   ec2API
	checker  health.Checker
	playbook *provision.Playbook
	logger   zerolog.Logger
}

// New connects to the EC2 endpoint
func New(ctx context.Context, cfg Config, playbook *provision.Playbook) (*Backend, error) {
	if cfg.ImageID == "" || cfg.InstanceType == "" {
		return nil, fmt.Errorf("cloud backend: image_id and instance_type are required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloud backend: failed to load aws config: %w", err)
	}

	client := ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	signer, err := security.LoadSigner(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("cloud backend: %w", err)
	}
	checker := health.NewSSHChecker(cfg.LoginUser, signer, cfg.ProbeTimeout)

	return newBackend(cfg, client, checker, playbook), nil
}

func newBackend(cfg Config, client ec2API, checker health.Checker, playbook *provision.Playbook) *Backend {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &Backend{
		cfg:      cfg,
		client:   client,
		checker:  checker,
		playbook: playbook,
		logger:   log.WithComponent("cloud-backend"),
	}
}

// Kind returns provision.KindCloud
func (b *Backend) Kind() provision.Kind {
	return provision.KindCloud
}

// live lists instances called name that are not shutting down
func (b *Backend) live(ctx context.Context, name string) ([]ec2types.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + TagName), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{
				string(ec2types.InstanceStateNamePending),
				string(ec2types.InstanceStateNameRunning),
				string(ec2types.InstanceStateNameStopping),
				string(ec2types.InstanceStateNameStopped),
			}},
		},
	}

	var instances []ec2types.Instance
	for {
		out, err := b.client.DescribeInstances(ctx, input)
		if err != nil {
			return nil, &provision.BackendError{Kind: provision.KindCloud, Op: "describe instances", Err: err}
		}
		for _, rsv := range out.Reservations {
			instances = append(instances, rsv.Instances...)
		}
		if out.NextToken == nil {
			return instances, nil
		}
		input.NextToken = out.NextToken
	}
}

// FindOrCreate returns the VM tagged spec.Name, booting one if none exists
func (b *Backend) FindOrCreate(ctx context.Context, spec provision.Spec) (*provision.Instance, error) {
	instances, err := b.live(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if len(instances) > 0 {
		return toInstance(spec.Name, instances[0], false), nil
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(b.cfg.ImageID),
		InstanceType: ec2types.InstanceType(b.cfg.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String(TagName), Value: aws.String(spec.Name)},
				{Key: aws.String(TagRequest), Value: aws.String(spec.Request)},
				{Key: aws.String(TagOwner), Value: aws.String(spec.Owner)},
			},
		}},
	}
	if b.cfg.KeyName != "" {
		input.KeyName = aws.String(b.cfg.KeyName)
	}
	if len(b.cfg.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = b.cfg.SecurityGroupIDs
	}
	if b.cfg.SubnetID != "" {
		input.SubnetId = aws.String(b.cfg.SubnetID)
	}
	if b.cfg.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(b.cfg.UserData)))
	}

	out, err := b.client.RunInstances(ctx, input)
	if err != nil {
		return nil, &provision.BackendError{Kind: provision.KindCloud, Op: "run instance", Err: err}
	}
	if len(out.Instances) == 0 {
		return nil, &provision.BackendError{Kind: provision.KindCloud, Op: "run instance", Err: fmt.Errorf("no instance returned")}
	}

	inst := toInstance(spec.Name, out.Instances[0], true)
	b.logger.Info().
		Str("request", spec.Request).
		Str("instance_id", inst.ID).
		Msg("Booted head node")
	return inst, nil
}

// Delete terminates every VM tagged name
func (b *Backend) Delete(ctx context.Context, name string) error {
	instances, err := b.live(ctx, name)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		return nil
	}

	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	if _, err := b.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		return &provision.BackendError{Kind: provision.KindCloud, Op: "terminate instances", Err: err}
	}
	b.logger.Info().Str("name", name).Strs("instance_ids", ids).Msg("Terminated head node")
	return nil
}

// Address returns the IP of the running VM
func (b *Backend) Address(ctx context.Context, name string) (string, int, error) {
	instances, err := b.live(ctx, name)
	if err != nil {
		return "", 0, err
	}
	for _, inst := range instances {
		if inst.State == nil || inst.State.Name != ec2types.InstanceStateNameRunning {
			continue
		}
		ip := aws.ToString(inst.PrivateIpAddress)
		if b.cfg.UsePublicIP {
			ip = aws.ToString(inst.PublicIpAddress)
		}
		if ip != "" {
			return ip, b.cfg.Port, nil
		}
	}
	return "", 0, provision.ErrNoAddress
}

// Probe logs into the VM over SSH
func (b *Backend) Probe(ctx context.Context, host string, port int) error {
	return b.checker.Check(ctx, host, port).Error()
}

// Initialize runs the playbook against the VM
func (b *Backend) Initialize(ctx context.Context, spec provision.InitSpec) (provision.Initialization, error) {
	if b.playbook == nil {
		return nil, fmt.Errorf("cloud backend: no playbook configured")
	}
	return b.playbook.Start(spec)
}

func toInstance(name string, inst ec2types.Instance, created bool) *provision.Instance {
	state := ""
	if inst.State != nil {
		state = string(inst.State.Name)
	}
	return &provision.Instance{
		Name:    name,
		ID:      aws.ToString(inst.InstanceId),
		State:   state,
		Created: created,
	}
}
