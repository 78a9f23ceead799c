//go:build allocdebug

package alignedalloc

// DebugBuild reports whether New returns the guarded allocator.
const DebugBuild = true

// New returns the allocator selected by the build configuration: Pooled in
// regular builds, Guarded when built with -tags allocdebug.
func New(opts ...Option) Allocator {
	return NewGuarded(opts...)
}
