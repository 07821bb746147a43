package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/vc3-project/vc3-master/pkg/log"
)

// dropPrivileges switches to the named user when running as root. It is
// a no-op for other users or an empty name.
func dropPrivileges(name string) error {
	logger := log.WithComponent("main")
	if name == "" {
		return nil
	}
	if os.Geteuid() != 0 {
		logger.Info().Str("user", name).Msg("Not running as root, ignoring --runas")
		return nil
	}

	u, err := user.Lookup(name)
	if err != nil {
		return fmt.Errorf("runas: %w", err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("runas: bad uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("runas: bad gid %q: %w", u.Gid, err)
	}

	// group first: after setuid we may no longer change it
	if err := syscall.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("runas: setgroups: %w", err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("runas: setgid: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("runas: setuid: %w", err)
	}
	logger.Info().Str("user", name).Int("uid", uid).Int("gid", gid).Msg("Dropped privileges")
	return nil
}
