//go:build windows

package process

import (
	"os/exec"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// CREATE_NEW_PROCESS_GROUP keeps console control events of the supervisor
// away from children.
const CREATE_NEW_PROCESS_GROUP = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: CREATE_NEW_PROCESS_GROUP}
}

func killRoot(pid int) error {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		// already exited
		return nil
	}
	return p.Kill()
}
