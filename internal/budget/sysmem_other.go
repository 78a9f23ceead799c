//go:build !linux && !darwin

package budget

// SystemMemory returns 0: the platform has no supported probe.
func SystemMemory() uint64 {
	return 0
}
