//go:build linux && amd64

package factory

import (
	"github.com/corehv/corehv/internal/hv"
	"github.com/corehv/corehv/internal/hv/kvm"
)

// Open returns the KVM-backed hypervisor, the only backend this build
// supports (Intel VT-x/VT-d on x86_64).
func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
