// Command corehv boots a topology of VMs described by a YAML config file:
// it builds the scheduler/registry graph, opens a hypervisor backend,
// attaches each VM's chipset and vCPUs, starts the Service VM's
// lifecycle listener, and runs every vCPU loop until interrupted.
//
// It does not load a guest kernel image itself -- boot loaders, ACPI
// tables, UART/console and PCI BAR configuration remain external
// collaborators, same as the platform components this module does not
// implement. A real deployment supplies its own hv.VMLoader; this demo
// uses a no-op one so a topology can be exercised against bare KVM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/corehv/corehv/internal/config"
	"github.com/corehv/corehv/internal/debug"
	"github.com/corehv/corehv/internal/hv"
	"github.com/corehv/corehv/internal/hv/factory"
	"github.com/corehv/corehv/internal/vm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "corehv: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    = flag.String("config", "", "path to a topology YAML file")
		debugFile     = flag.String("debug-file", "", "write binary trace events to this file")
		lifecycleAddr = flag.String("lifecycle-addr", "", "override the Service VM's lifecycle listen address")
		logJSON       = flag.Bool("log-json", false, "emit JSON logs instead of text")
	)
	flag.Parse()

	logHandler := slog.Handler(slog.NewTextHandler(os.Stderr, nil))
	if *logJSON {
		logHandler = slog.NewJSONHandler(os.Stderr, nil)
	}
	log := slog.New(logHandler)
	slog.SetDefault(log)

	if *configPath == "" {
		return fmt.Errorf("corehv: -config is required")
	}

	if *debugFile != "" {
		if err := debug.OpenFile(*debugFile); err != nil {
			return fmt.Errorf("corehv: open debug file: %w", err)
		}
		defer debug.Close()
	}

	topo, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	built, err := topo.Build()
	if err != nil {
		return fmt.Errorf("corehv: building topology: %w", err)
	}
	defer built.Close()
	built.Registry.RegisterCoreHypercalls()

	hyp, err := factory.OpenWithArchitecture(hv.ArchitectureX86_64)
	if err != nil {
		return fmt.Errorf("corehv: open hypervisor: %w", err)
	}

	bar := progressbar.NewOptions(len(built.VMs),
		progressbar.OptionSetDescription("attaching VMs"),
		progressbar.OptionSetWriter(os.Stderr),
	)

	for _, v := range built.Registry.All() {
		if _, err := v.Attach(hyp, vm.DefaultX86Chipset(), noopLoader{}); err != nil {
			return fmt.Errorf("corehv: %w", err)
		}
		_ = bar.Add(1)
	}
	fmt.Fprintln(os.Stderr)

	if svc, hasService := built.Registry.ServiceVM(); hasService {
		addr := *lifecycleAddr
		if addr == "" {
			addr = svc.LifecycleAddr()
		}
		if addr != "" {
			if err := built.Registry.ListenLifecycle(addr); err != nil {
				return fmt.Errorf("corehv: start lifecycle listener: %w", err)
			}
			log.Info("lifecycle listener started", "addr", addr)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range built.Registry.All() {
		v := v
		g.Go(func() error {
			log.Info("vm running", "name", v.Name(), "kind", v.Kind().String())
			err := v.VCPUs.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("vm %s: %w", v.Name(), err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("corehv: %w", err)
	}
	return nil
}

// noopLoader implements hv.VMLoader by doing nothing: guest-kernel
// loading, ACPI/SMBIOS construction and entry-point setup are external
// collaborators this module does not provide.
type noopLoader struct{}

func (noopLoader) Load(vm hv.VirtualMachine) error { return nil }
