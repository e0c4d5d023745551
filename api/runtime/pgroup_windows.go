//go:build windows

package runtime

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
