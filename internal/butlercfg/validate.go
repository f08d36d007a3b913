package butlercfg

import (
	"fmt"
	"strings"
	"time"
)

var validVariants = map[string]bool{
	"claude-code": true,
	"codex":       true,
	"gemini":      true,
}

var validDispatchModes = map[string]bool{
	"prompt": true,
	"job":    true,
}

var validSandboxes = map[string]bool{
	"":        true, // empty means processenv, the default
	"process": true,
	"docker":  true,
}

// Validate checks a merged Roster for structural correctness. It returns the
// first error encountered, or nil if the roster is valid.
func Validate(r *Roster) error {
	if r == nil {
		return fmt.Errorf("roster must not be nil")
	}
	if r.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, r.APIVersion)
	}
	if strings.TrimSpace(r.Switchboard.ListenAddr) == "" {
		return fmt.Errorf("switchboard.listenAddr must not be empty")
	}
	if err := validateDuration("switchboard.subrequestTimeout", r.Switchboard.SubrequestTimeout); err != nil {
		return err
	}
	if err := validateDuration("switchboard.heartbeatStaleAfter", r.Switchboard.HeartbeatStaleAfter); err != nil {
		return err
	}
	if err := validateDuration("switchboard.registrySweepPeriod", r.Switchboard.RegistrySweepPeriod); err != nil {
		return err
	}
	if len(r.Butlers) == 0 {
		return fmt.Errorf("roster must declare at least one butler")
	}

	seen := make(map[string]struct{}, len(r.Butlers))
	for i, b := range r.Butlers {
		if err := validateButler(b); err != nil {
			return fmt.Errorf("butlers[%d] (%q): %w", i, b.Name, err)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("butlers[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	return nil
}

func validateButler(b Butler) error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.TrimSpace(b.ListenAddr) == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	if !validVariants[b.RuntimeAdapter.Variant] {
		return fmt.Errorf("runtimeAdapter.variant must be one of claude-code|codex|gemini, got %q", b.RuntimeAdapter.Variant)
	}
	if strings.TrimSpace(b.RuntimeAdapter.BinaryPath) == "" {
		return fmt.Errorf("runtimeAdapter.binaryPath must not be empty")
	}
	if !validSandboxes[b.Sandbox] {
		return fmt.Errorf("sandbox must be one of process|docker, got %q", b.Sandbox)
	}
	if b.Sandbox == "docker" && strings.TrimSpace(b.SandboxImage) == "" {
		return fmt.Errorf("sandboxImage must be set when sandbox is docker")
	}
	if b.RouteContract.Min < 0 || b.RouteContract.Max < 0 || (b.RouteContract.Max > 0 && b.RouteContract.Min > b.RouteContract.Max) {
		return fmt.Errorf("routeContract: min %d must be <= max %d, both non-negative", b.RouteContract.Min, b.RouteContract.Max)
	}
	if err := validateDuration("invokeTimeout", b.InvokeTimeout); err != nil {
		return err
	}
	if err := validateDuration("tickInterval", b.TickInterval); err != nil {
		return err
	}
	if err := validateDuration("approvalTTL", b.ApprovalTTL); err != nil {
		return err
	}

	taskNames := make(map[string]struct{}, len(b.Tasks))
	for i, task := range b.Tasks {
		if err := validateTask(task); err != nil {
			return fmt.Errorf("tasks[%d] (%q): %w", i, task.Name, err)
		}
		if _, dup := taskNames[task.Name]; dup {
			return fmt.Errorf("tasks[%d]: duplicate name %q", i, task.Name)
		}
		taskNames[task.Name] = struct{}{}
	}
	return nil
}

// validateDuration accepts an empty string (field unset, callers apply their
// own zero-value default) or anything time.ParseDuration accepts.
func validateDuration(field, raw string) error {
	if raw == "" {
		return nil
	}
	if _, err := time.ParseDuration(raw); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

func validateTask(t TaskSpec) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.TrimSpace(t.Cron) == "" {
		return fmt.Errorf("cron must not be empty")
	}
	if !validDispatchModes[t.DispatchMode] {
		return fmt.Errorf("dispatchMode must be prompt|job, got %q", t.DispatchMode)
	}
	if t.DispatchMode == "prompt" && strings.TrimSpace(t.Prompt) == "" {
		return fmt.Errorf("prompt dispatch mode requires a non-empty prompt")
	}
	if t.DispatchMode == "job" && strings.TrimSpace(t.JobName) == "" {
		return fmt.Errorf("job dispatch mode requires a non-empty jobName")
	}
	return nil
}
