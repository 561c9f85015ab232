//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// Signal sends sig to the process group led by pid, falling back to the
// single process when the group is gone.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
