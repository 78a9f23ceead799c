//go:build darwin

package budget

import "golang.org/x/sys/unix"

// SystemMemory returns the total physical memory in bytes, or 0 if it
// cannot be determined.
func SystemMemory() uint64 {
	n, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0
	}
	return n
}
