//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/loykin/tailvisor/internal/privilege"
)

// configureSysProcAttr places the child in its own process group so the whole
// tree can be signalled, and switches credentials when id differs from the
// supervisor's own user.
func configureSysProcAttr(cmd *exec.Cmd, id privilege.Identity) {
	attrs := &syscall.SysProcAttr{Setpgid: true}
	if int(id.UID) != os.Getuid() {
		attrs.Credential = &syscall.Credential{Uid: id.UID, Gid: id.GID}
	}
	cmd.SysProcAttr = attrs
}
