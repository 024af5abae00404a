// Package platform detects the host environment at startup. The relay
// cares mainly about WSL1, where pseudo-terminal job control is flaky
// enough that pty-mode agents deserve a warning.
package platform

import (
	"os"
	"runtime"
	"strings"
	"sync"
)

// Platform identifies the detected host environment.
type Platform string

const (
	MacOS   Platform = "macos"
	Linux   Platform = "linux"
	WSL1    Platform = "wsl1"
	WSL2    Platform = "wsl2"
	Windows Platform = "windows"
	Unknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform. The result is cached.
func Detect() Platform {
	detectOnce.Do(func() {
		detected = detect()
	})
	return detected
}

func detect() Platform {
	switch runtime.GOOS {
	case "darwin":
		return MacOS
	case "windows":
		return Windows
	case "linux":
		return detectLinuxOrWSL()
	default:
		return Unknown
	}
}

func detectLinuxOrWSL() Platform {
	if os.Getenv("WSL_DISTRO_NAME") != "" {
		return wslVersion()
	}
	procVersion, err := os.ReadFile("/proc/version")
	if err != nil {
		return Linux
	}
	if s := string(procVersion); strings.Contains(strings.ToLower(s), "microsoft") {
		return wslVersion()
	}
	return Linux
}

func wslVersion() Platform {
	if procVersion, err := os.ReadFile("/proc/version"); err == nil {
		s := string(procVersion)
		// WSL2 kernels advertise "microsoft-standard"; WSL1 carries the
		// capitalized "Microsoft" without it.
		if strings.Contains(s, "microsoft-standard") {
			return WSL2
		}
		if strings.Contains(s, "Microsoft") {
			return WSL1
		}
	}
	// /run/WSL and /dev/vsock exist only under the WSL2 VM.
	if _, err := os.Stat("/run/WSL"); err == nil {
		return WSL2
	}
	if _, err := os.Stat("/dev/vsock"); err == nil {
		return WSL2
	}
	return WSL1
}

// SupportsPTY reports whether pty-mode agents are reliable here. WSL1's
// pseudo-terminal emulation loses signals to process groups; Windows has
// no Unix ptys at all.
func SupportsPTY() bool {
	switch Detect() {
	case MacOS, Linux, WSL2:
		return true
	default:
		return false
	}
}

// String returns a human-readable platform name.
func (p Platform) String() string {
	switch p {
	case MacOS:
		return "macOS"
	case Linux:
		return "Linux"
	case WSL1:
		return "WSL1"
	case WSL2:
		return "WSL2"
	case Windows:
		return "Windows"
	default:
		return "Unknown"
	}
}
