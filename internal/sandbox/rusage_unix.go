//go:build unix

package sandbox

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup terminates the process and every child it spawned.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// usageOf extracts CPU time and peak memory from the OS accounting of a
// finished process. MaxRss is KB on Linux and bytes on Darwin.
func usageOf(cmd *exec.Cmd) (cpuMs int64, memPeakMB float64) {
	state := cmd.ProcessState
	if state == nil {
		return 0, 0
	}
	rusage, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0, 0
	}
	cpu := time.Duration(rusage.Utime.Nano() + rusage.Stime.Nano())
	cpuMs = cpu.Milliseconds()
	switch runtime.GOOS {
	case "darwin":
		memPeakMB = float64(rusage.Maxrss) / (1024 * 1024)
	default:
		memPeakMB = float64(rusage.Maxrss) / 1024
	}
	return cpuMs, memPeakMB
}

func exitSignal(state *os.ProcessState) (string, bool) {
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return "", false
	}
	return "SIG" + sigName(status.Signal()), true
}

func sigName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "KILL"
	case syscall.SIGSEGV:
		return "SEGV"
	case syscall.SIGABRT:
		return "ABRT"
	case syscall.SIGFPE:
		return "FPE"
	case syscall.SIGXFSZ:
		return "XFSZ"
	default:
		return sig.String()
	}
}
