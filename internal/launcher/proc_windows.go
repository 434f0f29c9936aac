//go:build windows

package launcher

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func terminateProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}
