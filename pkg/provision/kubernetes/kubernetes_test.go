package kubernetes

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vc3-project/vc3-master/pkg/provision"
	"github.com/vc3-project/vc3-master/pkg/types"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestBackend(t *testing.T, cfg Config) (*Backend, *fake.Clientset) {
	t.Helper()
	if cfg.Image == "" {
		cfg.Image = "vc3/login:latest"
	}
	client := fake.NewSimpleClientset()
	b, err := NewWithClient(cfg, client)
	require.NoError(t, err)
	return b, client
}

func TestNewRequiresImage(t *testing.T) {
	_, err := NewWithClient(Config{}, fake.NewSimpleClientset())
	assert.Error(t, err)
}

func TestFindOrCreateObjects(t *testing.T) {
	b, client := newTestBackend(t, Config{})
	ctx := context.Background()
	spec := provision.Spec{Name: "vc3-Req_1", Request: "Req_1", AppType: types.AppTypeHTCondor}

	inst, err := b.FindOrCreate(ctx, spec)
	require.NoError(t, err)
	assert.True(t, inst.Created)
	assert.Equal(t, "vc3-req-1", inst.ID)

	ns := inst.ID
	_, err = client.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	require.NoError(t, err)

	svc, err := client.CoreV1().Services(ns).Get(ctx, LoginName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.ServiceTypeNodePort, svc.Spec.Type)
	assert.Equal(t, int32(22), svc.Spec.Ports[0].Port)

	deploy, err := client.AppsV1().Deployments(ns).Get(ctx, LoginName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), *deploy.Spec.Replicas)
	container := deploy.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "vc3/login:latest", container.Image)
	assert.Contains(t, container.Env, corev1.EnvVar{Name: "VC3_APP_TYPE", Value: "htcondor"})

	secret, err := client.CoreV1().Secrets(ns).Get(ctx, SecretName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, secret.StringData[SecretKey])

	again, err := b.FindOrCreate(ctx, spec)
	require.NoError(t, err)
	assert.False(t, again.Created)

	// the secret is not regenerated
	secret2, err := client.CoreV1().Secrets(ns).Get(ctx, SecretName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, secret.StringData[SecretKey], secret2.StringData[SecretKey])
}

func TestAddress(t *testing.T) {
	b, client := newTestBackend(t, Config{})
	ctx := context.Background()

	_, _, err := b.Address(ctx, "vc3-req1")
	assert.ErrorIs(t, err, provision.ErrNoAddress)

	_, err = b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1", Request: "req1"})
	require.NoError(t, err)

	// NodePort not allocated yet
	_, _, err = b.Address(ctx, "vc3-req1")
	assert.ErrorIs(t, err, provision.ErrNoAddress)

	svc, err := client.CoreV1().Services("vc3-req1").Get(ctx, LoginName, metav1.GetOptions{})
	require.NoError(t, err)
	svc.Spec.Ports[0].NodePort = 30022
	_, err = client.CoreV1().Services("vc3-req1").Update(ctx, svc, metav1.UpdateOptions{})
	require.NoError(t, err)

	// no running pod yet
	_, _, err = b.Address(ctx, "vc3-req1")
	assert.ErrorIs(t, err, provision.ErrNoAddress)

	_, err = client.CoreV1().Pods("vc3-req1").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "login-abc", Namespace: "vc3-req1", Labels: map[string]string{LabelApp: LoginName}},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning, HostIP: "192.168.1.20"},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	host, port, err := b.Address(ctx, "vc3-req1")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", host)
	assert.Equal(t, 30022, port)

	b.cfg.NodeAddress = "k8s.example.org"
	host, _, err = b.Address(ctx, "vc3-req1")
	require.NoError(t, err)
	assert.Equal(t, "k8s.example.org", host)
}

func TestInitializeAndRollout(t *testing.T) {
	b, client := newTestBackend(t, Config{})
	ctx := context.Background()

	_, err := b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1", Request: "req1"})
	require.NoError(t, err)

	members := []provision.Member{
		{Name: "alice", PublicKey: "ssh-ed25519 AAAA alice"},
		{Name: "bob", PublicKey: "ssh-ed25519 BBBB bob"},
	}
	init, err := b.Initialize(ctx, provision.InitSpec{Request: "req1", Name: "vc3-req1", Members: members})
	require.NoError(t, err)

	cm, err := client.CoreV1().ConfigMaps("vc3-req1").Get(ctx, UsersConfigMap, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "alice:x:1000:1000::/home/alice:/bin/bash\nbob:x:1001:1001::/home/bob:/bin/bash\n", cm.Data["passwd"])
	assert.Equal(t, "ssh-ed25519 BBBB bob", cm.Data["bob.pub"])

	// a second initialization updates the users
	_, err = b.Initialize(ctx, provision.InitSpec{Request: "req1", Name: "vc3-req1", Members: members[:1]})
	require.NoError(t, err)
	cm, err = client.CoreV1().ConfigMaps("vc3-req1").Get(ctx, UsersConfigMap, metav1.GetOptions{})
	require.NoError(t, err)
	assert.NotContains(t, cm.Data, "bob.pub")

	done, err := init.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	deploy, err := client.AppsV1().Deployments("vc3-req1").Get(ctx, LoginName, metav1.GetOptions{})
	require.NoError(t, err)
	deploy.Status.AvailableReplicas = 1
	_, err = client.AppsV1().Deployments("vc3-req1").UpdateStatus(ctx, deploy, metav1.UpdateOptions{})
	require.NoError(t, err)

	done, err = init.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	secret, err := client.CoreV1().Secrets("vc3-req1").Get(ctx, SecretName, metav1.GetOptions{})
	require.NoError(t, err)
	token, err := init.Secret()
	require.NoError(t, err)
	assert.Equal(t, provision.EncodeSecret(secret.StringData[SecretKey]), token)
	init.Cancel()
}

func TestRolloutFailure(t *testing.T) {
	b, client := newTestBackend(t, Config{})
	ctx := context.Background()

	_, err := b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1", Request: "req1"})
	require.NoError(t, err)
	init, err := b.Initialize(ctx, provision.InitSpec{Request: "req1", Name: "vc3-req1"})
	require.NoError(t, err)

	deploy, err := client.AppsV1().Deployments("vc3-req1").Get(ctx, LoginName, metav1.GetOptions{})
	require.NoError(t, err)
	deploy.Status.Conditions = []appsv1.DeploymentCondition{{
		Type:    appsv1.DeploymentProgressing,
		Status:  corev1.ConditionFalse,
		Message: "ImagePullBackOff",
	}}
	_, err = client.AppsV1().Deployments("vc3-req1").UpdateStatus(ctx, deploy, metav1.UpdateOptions{})
	require.NoError(t, err)

	done, err := init.Poll(ctx)
	assert.True(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ImagePullBackOff")

	require.NoError(t, client.AppsV1().Deployments("vc3-req1").Delete(ctx, LoginName, metav1.DeleteOptions{}))
	done, err = init.Poll(ctx)
	assert.True(t, done)
	assert.Error(t, err)
}

func TestDeleteIsIdempotent(t *testing.T) {
	b, client := newTestBackend(t, Config{})
	ctx := context.Background()

	require.NoError(t, b.Delete(ctx, "vc3-req1"))

	_, err := b.FindOrCreate(ctx, provision.Spec{Name: "vc3-req1", Request: "req1"})
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, "vc3-req1"))

	_, err = client.CoreV1().Namespaces().Get(ctx, "vc3-req1", metav1.GetOptions{})
	assert.Error(t, err)
	require.NoError(t, b.Delete(ctx, "vc3-req1"))
}

func TestProbe(t *testing.T) {
	b, _ := newTestBackend(t, Config{})
	assert.Equal(t, provision.KindContainer, b.Kind())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.NoError(t, b.Probe(context.Background(), "127.0.0.1", port))
}
