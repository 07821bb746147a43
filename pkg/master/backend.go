package master

import (
	"context"
	"fmt"

	"github.com/vc3-project/vc3-master/pkg/config"
	"github.com/vc3-project/vc3-master/pkg/provision"
	"github.com/vc3-project/vc3-master/pkg/provision/batch"
	"github.com/vc3-project/vc3-master/pkg/provision/cloud"
	"github.com/vc3-project/vc3-master/pkg/provision/kubernetes"
	"github.com/vc3-project/vc3-master/pkg/provision/local"
)

// NewBackend builds the configured head-node backend. The container
// backend initializes through the cluster; every other kind needs a
// playbook.
func NewBackend(ctx context.Context, cfg config.HeadNodeConfig) (provision.Backend, error) {
	kind := provision.Kind(cfg.Backend)
	if kind == provision.KindContainer {
		return checked(kubernetes.New(kubernetes.Config{
			Kubeconfig:   cfg.Kubernetes.Kubeconfig,
			Image:        cfg.Kubernetes.Image,
			NodeAddress:  cfg.Kubernetes.NodeAddress,
			ProbeTimeout: cfg.ProbeTimeout,
		}))
	}

	playbook, err := NewPlaybook(cfg)
	if err != nil {
		return nil, err
	}

	switch kind {
	case provision.KindBatch:
		return checked(batch.New(batch.Config{
			Host:           cfg.Batch.Host,
			Port:           cfg.Batch.Port,
			LoginUser:      cfg.LoginUser,
			PrivateKeyFile: cfg.PrivateKeyFile,
			ProbeCommand:   cfg.Batch.ProbeCommand,
			ProbeTimeout:   cfg.ProbeTimeout,
		}, playbook))
	case provision.KindCloud:
		c := cfg.Cloud
		return checked(cloud.New(ctx, cloud.Config{
			Region:           c.Region,
			Endpoint:         c.Endpoint,
			AccessKeyID:      c.AccessKeyID,
			SecretAccessKey:  c.SecretAccessKey,
			ImageID:          c.ImageID,
			InstanceType:     c.InstanceType,
			KeyName:          c.KeyName,
			SecurityGroupIDs: c.SecurityGroupIDs,
			SubnetID:         c.SubnetID,
			UserData:         c.UserData,
			UsePublicIP:      c.UsePublicIP,
			LoginUser:        cfg.LoginUser,
			PrivateKeyFile:   cfg.PrivateKeyFile,
			Port:             c.Port,
			ProbeTimeout:     cfg.ProbeTimeout,
		}, playbook))
	case provision.KindLocal:
		return checked(local.New(local.Config{
			Socket:       cfg.Local.Socket,
			Namespace:    cfg.Local.Namespace,
			Image:        cfg.Local.Image,
			Host:         cfg.Local.Host,
			BasePort:     cfg.Local.BasePort,
			SecretDir:    cfg.SecretDir,
			ProbeTimeout: cfg.ProbeTimeout,
		}, playbook))
	}
	return nil, fmt.Errorf("unknown headnode backend %q", cfg.Backend)
}

// checked keeps a failed constructor from yielding a non-nil interface
// around a nil pointer
func checked[B provision.Backend](b B, err error) (provision.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewPlaybook builds the Ansible initializer shared by the batch, cloud
// and local backends. It returns nil when no playbook is configured.
func NewPlaybook(cfg config.HeadNodeConfig) (*provision.Playbook, error) {
	if cfg.Playbook.Path == "" {
		return nil, nil
	}
	p, err := provision.NewPlaybook(provision.PlaybookConfig{
		Binary:         cfg.Playbook.Binary,
		Path:           cfg.Playbook.Path,
		WorkDir:        cfg.Playbook.WorkDir,
		User:           cfg.LoginUser,
		PrivateKeyFile: cfg.PrivateKeyFile,
		ExtraArgs:      cfg.Playbook.ExtraArgs,
		LogFile:        cfg.Playbook.LogFile,
	})
	if err != nil {
		return nil, fmt.Errorf("headnode playbook: %w", err)
	}
	return p, nil
}
