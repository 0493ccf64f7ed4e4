package config_test

import (
	"testing"

	"github.com/corehv/corehv/internal/config"
)

func TestBuildRegistersAllVMsWithServiceVMFirst(t *testing.T) {
	path := writeTopology(t, sampleTopology)
	top, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	built, err := top.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer built.Close()

	if len(built.VMs) != 2 {
		t.Fatalf("expected 2 built vms, got %d", len(built.VMs))
	}
	svc, ok := built.Registry.ServiceVM()
	if !ok || svc.Name() != "service_vm" {
		t.Fatalf("expected service_vm registered as the Service VM, got %v, %v", svc, ok)
	}
	guest, ok := built.VMs["guest_vm"]
	if !ok {
		t.Fatalf("expected guest_vm to be built")
	}
	if guest.IsServiceVM() {
		t.Fatalf("guest_vm must not be the Service VM")
	}
	if guest.InjectDelay().Milliseconds() != 10 {
		t.Fatalf("expected guest_vm inject delay 10ms, got %v", guest.InjectDelay())
	}
	if len(built.Schedulers) != 2 {
		t.Fatalf("expected 2 pcpu schedulers, got %d", len(built.Schedulers))
	}
}
