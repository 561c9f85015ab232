//go:build windows

package process

import (
	"os/exec"
	"syscall"

	"github.com/loykin/tailvisor/internal/privilege"
)

const createNewProcessGroup = 0x00000200

// configureSysProcAttr ignores id on Windows; children always run as the
// supervisor's user.
func configureSysProcAttr(cmd *exec.Cmd, _ privilege.Identity) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}
