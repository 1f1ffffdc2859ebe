//go:build darwin

package diagnostics

import "golang.org/x/sys/unix"

// PtmxMax returns the kernel's configured PTY device ceiling via
// `sysctl kern.tty.ptmx_max`, the macOS-specific limit the spec calls
// out explicitly. Linux has no equivalent single ceiling (PTYs are
// bounded by the same FD limits already captured in Host), so this
// probe only exists on darwin.
func PtmxMax() (int, error) {
	v, err := unix.SysctlUint32("kern.tty.ptmx_max")
	if err != nil {
		return 0, err
	}
	return int(v), nil
}
