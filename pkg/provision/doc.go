/*
Package provision defines how head nodes are booted, reached, initialized
and torn down.

A Backend is selected by kind at startup:

	batch      a static login host shared by every request (provision/batch)
	cloud      one VM per request through the EC2 API (provision/cloud)
	container  one login pod per request on Kubernetes (provision/kubernetes)
	local      one containerd container per request (provision/local)

Instances are found by the deterministic name InstanceName(prefix,
request), so booting is safe to retry after a restart of the master:
FindOrCreate returns the existing instance instead of booting another.
Delete succeeds when the instance is already gone.

# Initialization

Once a head node answers its probe it is initialized asynchronously.
Initialize returns an Initialization handle that the head-node reconciler
polls every cycle. The batch, cloud and local backends run an Ansible
playbook (Playbook) with the request members' keys as extra vars; the
playbook leaves the shared secret in SecretFile(dir, request), which is
read and removed once the run succeeds. The container backend publishes
the users as a ConfigMap and waits for the login deployment to become
available; its secret lives in a Kubernetes Secret.
*/
package provision
