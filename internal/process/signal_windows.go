//go:build windows

package process

import (
	"os"
	"syscall"
)

// Signal terminates pid; Windows has no signal delivery, so every signal kills.
func Signal(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
