//go:build !darwin

package diagnostics

import "errors"

// PtmxMax is a no-op on platforms other than darwin; there is no
// single kernel sysctl ceiling to report.
func PtmxMax() (int, error) {
	return 0, errors.New("diagnostics: ptmx_max is only available on darwin")
}
