//go:build unix

package tunnel

import (
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate signals the forwarder's whole process group, which also
// covers the ssh a relay started.
func terminate(cmd *exec.Cmd) error {
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return errors.Wrapf(err, "looking up process group of %d", cmd.Process.Pid)
	}
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return errors.Wrapf(err, "signalling process group %d", pgid)
	}
	return nil
}
