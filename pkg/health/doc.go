/*
Package health implements the liveness checks run against head nodes.

A Checker is given the address recorded for a head node and reports whether
the node answered. Provisioning backends pick the checker that fits how the
node is reached:

	TCPChecker   the login port accepts connections (container and local nodes)
	SSHChecker   a key-based login runs /bin/true (cloud and batch nodes)
	ExecChecker  a local command succeeds, with {host} and {port} substituted

Every check is bounded by its timeout; DefaultTimeout applies when none is
given. Result.Error converts a failed result into the error the head-node
reconciler records.

	checker := health.NewSSHChecker("centos", signer, 10*time.Second)
	if err := checker.Check(ctx, host, port).Error(); err != nil {
		// still unreachable
	}
*/
package health
