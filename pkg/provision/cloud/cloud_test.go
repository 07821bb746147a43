package cloud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vc3-project/vc3-master/pkg/health"
	"github.com/vc3-project/vc3-master/pkg/provision"
)

// fakeEC2 keeps instances in memory and honours the Name tag and
// instance-state-name filters
type fakeEC2 struct {
	mu         sync.Mutex
	instances  []*ec2types.Instance
	runInputs  []*ec2.RunInstancesInput
	terminated []string
	failRun    error
	pageSize   int
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []ec2types.Instance
	for _, inst := range f.instances {
		if matches(inst, in.Filters) {
			matched = append(matched, *inst)
		}
	}

	start := 0
	if in.NextToken != nil {
		fmt.Sscanf(*in.NextToken, "%d", &start)
	}
	end := len(matched)
	out := &ec2.DescribeInstancesOutput{}
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
		out.NextToken = aws.String(fmt.Sprint(end))
	}
	for _, inst := range matched[start:end] {
		out.Reservations = append(out.Reservations, ec2types.Reservation{Instances: []ec2types.Instance{inst}})
	}
	return out, nil
}

func matches(inst *ec2types.Instance, filters []ec2types.Filter) bool {
	for _, f := range filters {
		var value string
		switch aws.ToString(f.Name) {
		case "tag:" + TagName:
			for _, tag := range inst.Tags {
				if aws.ToString(tag.Key) == TagName {
					value = aws.ToString(tag.Value)
				}
			}
		case "instance-state-name":
			value = string(inst.State.Name)
		}
		found := false
		for _, v := range f.Values {
			if v == value {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRun != nil {
		return nil, f.failRun
	}
	f.runInputs = append(f.runInputs, in)
	inst := &ec2types.Instance{
		InstanceId: aws.String(fmt.Sprintf("i-%04d", len(f.instances)+1)),
		State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending},
		Tags:       in.TagSpecifications[0].Tags,
	}
	f.instances = append(f.instances, inst)
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{*inst}}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.InstanceIds {
		for _, inst := range f.instances {
			if aws.ToString(inst.InstanceId) == id {
				inst.State.Name = ec2types.InstanceStateNameShuttingDown
			}
		}
		f.terminated = append(f.terminated, id)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) boot(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inst := range f.instances {
		if aws.ToString(inst.InstanceId) == id {
			inst.State.Name = ec2types.InstanceStateNameRunning
			inst.PrivateIpAddress = aws.String("10.0.0.7")
			inst.PublicIpAddress = aws.String("203.0.113.7")
		}
	}
}

func testBackend(api ec2API, cfg Config) *Backend {
	if cfg.ImageID == "" {
		cfg.ImageID = "ami-123"
		cfg.InstanceType = "m1.medium"
	}
	return newBackend(cfg, api, health.NewTCPChecker(0), nil)
}

func TestFindOrCreateBootsOnce(t *testing.T) {
	api := &fakeEC2{}
	b := testBackend(api, Config{KeyName: "vc3", SecurityGroupIDs: []string{"sg-1"}, SubnetID: "subnet-1", UserData: "#cloud-config"})
	ctx := context.Background()
	spec := provision.Spec{Name: "vc3-req1", Request: "req1", Owner: "alice"}

	inst, err := b.FindOrCreate(ctx, spec)
	require.NoError(t, err)
	assert.True(t, inst.Created)
	assert.Equal(t, "i-0001", inst.ID)
	assert.Equal(t, "pending", inst.State)

	again, err := b.FindOrCreate(ctx, spec)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, inst.ID, again.ID)

	require.Len(t, api.runInputs, 1)
	in := api.runInputs[0]
	assert.Equal(t, "ami-123", aws.ToString(in.ImageId))
	assert.Equal(t, ec2types.InstanceType("m1.medium"), in.InstanceType)
	assert.Equal(t, "vc3", aws.ToString(in.KeyName))
	assert.Equal(t, []string{"sg-1"}, in.SecurityGroupIds)
	assert.Equal(t, "subnet-1", aws.ToString(in.SubnetId))
	assert.Equal(t, "I2Nsb3VkLWNvbmZpZw==", aws.ToString(in.UserData))
	assert.Equal(t, int32(1), aws.ToInt32(in.MinCount))
}

func TestAddressWaitsForRunning(t *testing.T) {
	api := &fakeEC2{}
	b := testBackend(api, Config{})
	ctx := context.Background()

	_, _, err := b.Address(ctx, "vc3-req1")
	assert.ErrorIs(t, err, provision.ErrNoAddress)

	inst, err := b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1"})
	require.NoError(t, err)

	_, _, err = b.Address(ctx, "vc3-req1")
	assert.ErrorIs(t, err, provision.ErrNoAddress)

	api.boot(inst.ID)
	host, port, err := b.Address(ctx, "vc3-req1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", host)
	assert.Equal(t, 22, port)

	public := testBackend(api, Config{UsePublicIP: true, Port: 2222})
	host, port, err = public.Address(ctx, "vc3-req1")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", host)
	assert.Equal(t, 2222, port)
}

func TestDeleteIsIdempotent(t *testing.T) {
	api := &fakeEC2{}
	b := testBackend(api, Config{})
	ctx := context.Background()

	require.NoError(t, b.Delete(ctx, "vc3-req1"))
	assert.Empty(t, api.terminated)

	inst, err := b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1"})
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "vc3-req1"))
	assert.Equal(t, []string{inst.ID}, api.terminated)

	// shutting-down instances are no longer live
	require.NoError(t, b.Delete(ctx, "vc3-req1"))
	assert.Len(t, api.terminated, 1)

	// and a new boot is allowed
	next, err := b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1"})
	require.NoError(t, err)
	assert.True(t, next.Created)
	assert.NotEqual(t, inst.ID, next.ID)
}

func TestDescribePagination(t *testing.T) {
	api := &fakeEC2{pageSize: 1}
	b := testBackend(api, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		api.instances = append(api.instances, &ec2types.Instance{
			InstanceId: aws.String(fmt.Sprintf("i-%d", i)),
			State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
			Tags:       []ec2types.Tag{{Key: aws.String(TagName), Value: aws.String("vc3-req1")}},
		})
	}
	instances, err := b.live(ctx, "vc3-req1")
	require.NoError(t, err)
	assert.Len(t, instances, 3)
}

func TestRunFailureIsBackendError(t *testing.T) {
	api := &fakeEC2{failRun: errors.New("InstanceLimitExceeded")}
	b := testBackend(api, Config{})

	_, err := b.FindOrCreate(context.Background(), provision.Spec{Name: "vc3-req1"})
	require.Error(t, err)
	var be *provision.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, provision.KindCloud, be.Kind)
	assert.Contains(t, err.Error(), "InstanceLimitExceeded")
}

func TestInitializeWithoutPlaybook(t *testing.T) {
	b := testBackend(&fakeEC2{}, Config{})
	assert.Equal(t, provision.KindCloud, b.Kind())
	_, err := b.Initialize(context.Background(), provision.InitSpec{Request: "req1", Host: "10.0.0.7"})
	assert.Error(t, err)
}
