//go:build linux
// +build linux

package common

import (
	"os"
	"os/exec"
)

// IsRoot returns true if the current process has root privileges.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// RunPrivileged executes a command, prepending sudo when not root. The
// daemon is expected to run as root; this is a best-effort fallback.
func RunPrivileged(name string, args ...string) error {
	if !IsRoot() {
		return exec.Command("sudo", append([]string{name}, args...)...).Run()
	}
	return exec.Command(name, args...).Run()
}

// RunPrivilegedCombined runs a command and returns combined stdout/stderr,
// with sudo when needed.
func RunPrivilegedCombined(name string, args ...string) ([]byte, error) {
	if !IsRoot() {
		return exec.Command("sudo", append([]string{name}, args...)...).CombinedOutput()
	}
	return exec.Command(name, args...).CombinedOutput()
}
