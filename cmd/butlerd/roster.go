package main

import (
	"fmt"
	"log/slog"

	"github.com/tzeusy/butlers/internal/butlercfg"
	"github.com/tzeusy/butlers/internal/corerr"
	"github.com/tzeusy/butlers/internal/daemon"
	"github.com/tzeusy/butlers/internal/moduleloader"
	"github.com/tzeusy/butlers/internal/notify"
	"github.com/tzeusy/butlers/internal/registry"
	"github.com/tzeusy/butlers/internal/router"
	"github.com/tzeusy/butlers/internal/runtime"
	"github.com/tzeusy/butlers/internal/sandbox/dockersandbox"
	"github.com/tzeusy/butlers/internal/scheduler"
)

// moduleFactories maps a roster-declared module name to a constructor for a
// fresh moduleloader.Module instance. The registry is intentionally empty here —
// no concrete domain module ships with this core — so every roster module
// reference resolves to a loud startup warning rather than a silent no-op,
// leaving the slot ready for whatever first-party module package is added.
var moduleFactories = map[string]func(butlerName string) moduleloader.Module{}

// loadRoster reads and validates the roster file at path.
func loadRoster(path string) (*butlercfg.Roster, error) {
	l := butlercfg.New()
	if err := l.LoadFile(path); err != nil {
		return nil, corerr.New(corerr.KindValidation, "load roster", err)
	}
	return l.Roster(), nil
}

// findButler returns the named roster entry or an error.
func findButler(r *butlercfg.Roster, name string) (*butlercfg.Butler, error) {
	for i := range r.Butlers {
		if r.Butlers[i].Name == name {
			return &r.Butlers[i], nil
		}
	}
	return nil, corerr.New(corerr.KindValidation, fmt.Sprintf("no butler named %q in roster", name), nil)
}

// buildAdapter resolves a roster RuntimeAdapter entry to a live runtime.Adapter,
// wiring a dockersandbox.Adapter in place of the default local sandbox when
// the butler declares sandbox: docker.
func buildAdapter(a butlercfg.RuntimeAdapter, sandboxKind, sandboxImage string) (runtime.Adapter, error) {
	if sandboxKind != "docker" {
		return runtime.NewCLIAdapter(runtime.Variant(a.Variant), a.BinaryPath), nil
	}
	sb, err := dockersandbox.New(sandboxImage)
	if err != nil {
		return nil, corerr.New(corerr.KindInternal, "construct docker sandbox", err)
	}
	return runtime.NewCLIAdapterWithSandbox(runtime.Variant(a.Variant), a.BinaryPath, sb), nil
}

// switchboardConfig translates the roster's switchboard block into a
// daemon.SwitchboardConfig. The classifier invokes the fleet's default
// runtime adapter under the "switchboard" identity, since the roster has no
// dedicated classifier-only adapter slot.
func switchboardConfig(r *butlercfg.Roster, dsn string) (daemon.SwitchboardConfig, error) {
	sb := r.Switchboard
	adapter, err := buildAdapter(r.Defaults.RuntimeAdapter, r.Defaults.Sandbox, r.Defaults.SandboxImage)
	if err != nil {
		return daemon.SwitchboardConfig{}, err
	}
	return daemon.SwitchboardConfig{
		DSN:                 dsn,
		ListenAddr:          sb.ListenAddr,
		ClassifierAdapter:   adapter,
		ClassifierModel:     sb.ClassifierModel,
		DispatcherToolName:  sb.DispatcherToolName,
		SubrequestTimeout:   butlercfg.Duration(sb.SubrequestTimeout, 0),
		HeartbeatStaleAfter: butlercfg.Duration(sb.HeartbeatStaleAfter, 0),
		RegistrySweepPeriod: butlercfg.Duration(sb.RegistrySweepPeriod, 0),
		RouterConfig:        router.Config{},
	}, nil
}

// butlerConfig translates one roster Butler entry into a daemon.ButlerConfig.
// reg is the shared in-process registry handle every ButlerDaemon registers
// against; notifier is nil unless b.IsMessenger.
func butlerConfig(b butlercfg.Butler, dsn string, masterKey []byte, envPrefix string,
	reg *registry.Registry, notifier *notify.Notifier) (daemon.ButlerConfig, error) {

	adapter, err := buildAdapter(b.RuntimeAdapter, b.Sandbox, b.SandboxImage)
	if err != nil {
		return daemon.ButlerConfig{}, err
	}

	modules := make([]moduleloader.Module, 0, len(b.Modules))
	for _, name := range b.Modules {
		factory, ok := moduleFactories[name]
		if !ok {
			slog.Warn("roster references unknown module; skipping", "butler", b.Name, "module", name)
			continue
		}
		modules = append(modules, factory(b.Name))
	}

	tasks := make([]scheduler.Task, 0, len(b.Tasks))
	for _, t := range b.Tasks {
		task := scheduler.Task{
			ButlerName:   b.Name,
			Name:         t.Name,
			Cron:         t.Cron,
			DispatchMode: scheduler.DispatchMode(t.DispatchMode),
			Enabled:      t.Enabled == nil || *t.Enabled,
		}
		if t.Prompt != "" {
			task.Prompt.String, task.Prompt.Valid = t.Prompt, true
		}
		if t.JobName != "" {
			task.JobName.String, task.JobName.Valid = t.JobName, true
		}
		tasks = append(tasks, task)
	}

	return daemon.ButlerConfig{
		Name:                  b.Name,
		ButlerSchema:          b.Schema,
		DSN:                   dsn,
		ListenAddr:            b.ListenAddr,
		MasterKey:             masterKey,
		EnvPrefix:             envPrefix,
		CoreCredentialNames:   b.CoreCredentials,
		ModuleCredentialNames: b.ModuleCredentials,
		RuntimeAdapter:        adapter,
		Model:                 b.RuntimeAdapter.Model,
		InvokeTimeout:         butlercfg.Duration(b.InvokeTimeout, 0),
		MaxQueued:             b.MaxQueued,
		TickInterval:          butlercfg.Duration(b.TickInterval, 0),
		InitialTasks:          tasks,
		IsMessenger:           b.IsMessenger,
		Notifier:              notifier,
		ApprovalTTL:           butlercfg.Duration(b.ApprovalTTL, 0),
		Modules:               modules,
		Registry:              reg,
		RouteContractMin:      b.RouteContract.Min,
		RouteContractMax:      b.RouteContract.Max,
		Capabilities:          b.Capabilities,
		LivenessTTLS:          b.LivenessTTLS,
	}, nil
}
