//go:build !unix

package sandbox

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// usageOf has no portable rusage source here; the monitor tolerates zeros.
func usageOf(cmd *exec.Cmd) (cpuMs int64, memPeakMB float64) {
	return 0, 0
}

func exitSignal(state *os.ProcessState) (string, bool) {
	return "", false
}
