// Package crypto reports what the CPU can do for the AEAD primitives used
// by chunkcrypto and keys, so the daemon can surface it on /debug/hardware
// instead of leaving operators to guess why throughput varies between
// machines.
package crypto

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport reports whether the running CPU exposes AES
// instructions that Go's AES-GCM implementation will use automatically.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// AccelerationInfo describes the CPU's AEAD acceleration support. It never
// reflects a user-facing toggle — Go's crypto/aes picks hardware
// acceleration on its own whenever the instruction set is present.
type AccelerationInfo struct {
	AESHardwareSupport bool   `json:"aes_hardware_support"`
	Architecture       string `json:"architecture"`
	GoVersion          string `json:"go_version"`
}

// GetAccelerationInfo collects the current process's acceleration info.
func GetAccelerationInfo() AccelerationInfo {
	return AccelerationInfo{
		AESHardwareSupport: HasAESHardwareSupport(),
		Architecture:       runtime.GOARCH,
		GoVersion:          runtime.Version(),
	}
}
