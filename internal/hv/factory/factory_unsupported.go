//go:build !(linux && amd64)

package factory

import "github.com/corehv/corehv/internal/hv"

// Open reports that no hypervisor backend is available on this
// platform. The core targets Intel VT-x/VT-d; every other
// host is out of scope.
func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
