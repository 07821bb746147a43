// Package kubernetes runs head nodes as login pods, one namespace per
// request.
//
// Each namespace holds a single-replica login Deployment, a NodePort
// Service exposing its SSH port, a Secret with the shared secret and a
// ConfigMap listing the users allowed to log in.
package kubernetes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vc3-project/vc3-master/pkg/health"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/provision"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	clientset "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Object names inside a request namespace
const (
	LoginName      = "login"
	SecretName     = "vc3-shared-secret"
	UsersConfigMap = "vc3-users"
	SecretKey      = "token"

	LabelApp       = "app"
	LabelRequest   = "vc3-request"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	managedBy      = "vc3-master"

	firstUID = 1000
)

// Config configures the kubernetes backend
type Config struct {
	Kubeconfig   string // in-cluster config when empty
	Image        string
	NodeAddress  string // address NodePorts are reached on; pod host IP when empty
	ProbeTimeout time.Duration
}

// Backend manages login pods through the Kubernetes API
type Backend struct {
	cfg     Config
	client  clientset.Interface
	checker health.Checker
	logger  zerolog.Logger
}

// New creates a backend from a kubeconfig file or the in-cluster config
func New(cfg Config) (*Backend, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("container backend: failed to load kubernetes config: %w", err)
	}
	client, err := clientset.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("container backend: %w", err)
	}
	return NewWithClient(cfg, client)
}

// NewWithClient creates a backend on an existing clientset
func NewWithClient(cfg Config, client clientset.Interface) (*Backend, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("container backend: image is required")
	}
	return &Backend{
		cfg:     cfg,
		client:  client,
		checker: health.NewTCPChecker(cfg.ProbeTimeout),
		logger:  log.WithComponent("container-backend"),
	}, nil
}

// Kind returns provision.KindContainer
func (b *Backend) Kind() provision.Kind {
	return provision.KindContainer
}

// Namespace returns the namespace holding the head node called name
func Namespace(name string) string {
	return provision.DNSLabel(name)
}

func ignoreExists(err error) error {
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// FindOrCreate creates the namespace and its objects. Objects that already
// exist are left alone, so a partially created head node is completed.
func (b *Backend) FindOrCreate(ctx context.Context, spec provision.Spec) (*provision.Instance, error) {
	ns := Namespace(spec.Name)
	labels := map[string]string{LabelManagedBy: managedBy, LabelRequest: provision.DNSLabel(spec.Request)}

	created := true
	_, err := b.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: ns, Labels: labels},
	}, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		created = false
	} else if err != nil {
		return nil, b.fail("create namespace", err)
	}

	steps := []struct {
		op     string
		create func() error
	}{
		{"create secret", func() error {
			_, err := b.client.CoreV1().Secrets(ns).Create(ctx, b.secret(ns, labels), metav1.CreateOptions{})
			return err
		}},
		{"create service", func() error {
			_, err := b.client.CoreV1().Services(ns).Create(ctx, b.service(ns, labels), metav1.CreateOptions{})
			return err
		}},
		{"create deployment", func() error {
			_, err := b.client.AppsV1().Deployments(ns).Create(ctx, b.deployment(ns, spec, labels), metav1.CreateOptions{})
			return err
		}},
	}
	for _, step := range steps {
		if err := ignoreExists(step.create()); err != nil {
			return nil, b.fail(step.op, err)
		}
	}

	if created {
		b.logger.Info().Str("request", spec.Request).Str("namespace", ns).Msg("Created login pod")
	}
	return &provision.Instance{Name: spec.Name, ID: ns, State: "created", Created: created}, nil
}

func (b *Backend) secret(ns string, labels map[string]string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: SecretName, Namespace: ns, Labels: labels},
		Type:       corev1.SecretTypeOpaque,
		StringData: map[string]string{SecretKey: uuid.New().String()},
		Data:       map[string][]byte{},
	}
}

func (b *Backend) service(ns string, labels map[string]string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: LoginName, Namespace: ns, Labels: labels},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{LabelApp: LoginName},
			Ports: []corev1.ServicePort{{
				Name:       "ssh",
				Port:       22,
				TargetPort: intstr.FromInt32(22),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

func (b *Backend) deployment(ns string, spec provision.Spec, labels map[string]string) *appsv1.Deployment {
	replicas := int32(1)
	optional := true
	podLabels := map[string]string{LabelApp: LoginName}
	for k, v := range labels {
		podLabels[k] = v
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: LoginName, Namespace: ns, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{LabelApp: LoginName}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  LoginName,
						Image: b.cfg.Image,
						Ports: []corev1.ContainerPort{{Name: "ssh", ContainerPort: 22, Protocol: corev1.ProtocolTCP}},
						Env: []corev1.EnvVar{
							{Name: "VC3_REQUEST", Value: spec.Request},
							{Name: "VC3_APP_TYPE", Value: string(spec.AppType)},
						},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "users", MountPath: "/etc/vc3/users", ReadOnly: true},
							{Name: "secret", MountPath: "/etc/vc3/secret", ReadOnly: true},
						},
					}},
					Volumes: []corev1.Volume{
						{Name: "users", VolumeSource: corev1.VolumeSource{ConfigMap: &corev1.ConfigMapVolumeSource{
							LocalObjectReference: corev1.LocalObjectReference{Name: UsersConfigMap},
							Optional:             &optional,
						}}},
						{Name: "secret", VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{
							SecretName: SecretName,
						}}},
					},
				},
			},
		},
	}
}

// Delete removes the request namespace and everything in it
func (b *Backend) Delete(ctx context.Context, name string) error {
	err := b.client.CoreV1().Namespaces().Delete(ctx, Namespace(name), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return b.fail("delete namespace", err)
	}
	return nil
}

// Address returns the node address and NodePort of the login service
func (b *Backend) Address(ctx context.Context, name string) (string, int, error) {
	ns := Namespace(name)
	svc, err := b.client.CoreV1().Services(ns).Get(ctx, LoginName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", 0, provision.ErrNoAddress
	}
	if err != nil {
		return "", 0, b.fail("get service", err)
	}
	if len(svc.Spec.Ports) == 0 || svc.Spec.Ports[0].NodePort == 0 {
		return "", 0, provision.ErrNoAddress
	}
	port := int(svc.Spec.Ports[0].NodePort)

	if b.cfg.NodeAddress != "" {
		return b.cfg.NodeAddress, port, nil
	}

	pods, err := b.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: LabelApp + "=" + LoginName})
	if err != nil {
		return "", 0, b.fail("list pods", err)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning && pod.Status.HostIP != "" {
			return pod.Status.HostIP, port, nil
		}
	}
	return "", 0, provision.ErrNoAddress
}

// Probe checks that the NodePort accepts connections
func (b *Backend) Probe(ctx context.Context, host string, port int) error {
	return b.checker.Check(ctx, host, port).Error()
}

// Initialize publishes the users ConfigMap and returns a job that
// finishes once the login deployment is available
func (b *Backend) Initialize(ctx context.Context, spec provision.InitSpec) (provision.Initialization, error) {
	ns := Namespace(spec.Name)
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: UsersConfigMap, Namespace: ns, Labels: map[string]string{LabelManagedBy: managedBy}},
		Data:       UsersData(spec.Members),
	}

	_, err := b.client.CoreV1().ConfigMaps(ns).Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = b.client.CoreV1().ConfigMaps(ns).Update(ctx, cm, metav1.UpdateOptions{})
	}
	if err != nil {
		return nil, b.fail("publish users", err)
	}

	return &rollout{backend: b, namespace: ns}, nil
}

// UsersData renders the users ConfigMap: a passwd file plus one
// authorized key entry per member. UIDs are assigned from 1000 in member
// order.
func UsersData(members []provision.Member) map[string]string {
	var passwd strings.Builder
	data := make(map[string]string, len(members)+1)
	for i, m := range members {
		uid := firstUID + i
		fmt.Fprintf(&passwd, "%s:x:%d:%d::/home/%s:/bin/bash\n", m.Name, uid, uid, m.Name)
		data[m.Name+".pub"] = m.PublicKey
	}
	data["passwd"] = passwd.String()
	return data
}

func (b *Backend) fail(op string, err error) error {
	return &provision.BackendError{Kind: provision.KindContainer, Op: op, Err: err}
}

// rollout waits for the login deployment to become available
type rollout struct {
	backend   *Backend
	namespace string
}

func (r *rollout) Poll(ctx context.Context) (bool, error) {
	deploy, err := r.backend.client.AppsV1().Deployments(r.namespace).Get(ctx, LoginName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return true, fmt.Errorf("login deployment in %s disappeared", r.namespace)
	}
	if err != nil {
		// API hiccup; poll again next cycle
		r.backend.logger.Warn().Err(err).Str("namespace", r.namespace).Msg("Failed to read login deployment")
		return false, nil
	}
	for _, cond := range deploy.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Status == corev1.ConditionFalse {
			return true, fmt.Errorf("login deployment in %s failed: %s", r.namespace, cond.Message)
		}
	}
	return deploy.Status.AvailableReplicas >= 1, nil
}

func (r *rollout) Secret() (string, error) {
	secret, err := r.backend.client.CoreV1().Secrets(r.namespace).Get(context.Background(), SecretName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to read shared secret: %w", err)
	}
	token, ok := secret.Data[SecretKey]
	if !ok {
		token = []byte(secret.StringData[SecretKey])
	}
	if len(token) == 0 {
		return "", fmt.Errorf("shared secret in %s is empty", r.namespace)
	}
	return provision.EncodeSecret(string(token)), nil
}

func (r *rollout) Cancel() {}
