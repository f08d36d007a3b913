// Package butlercfg loads the on-disk roster: the YAML file that declares
// the switchboard and every butler a fleet runs, parsed the way Gosuto
// configs are (load -> validate -> hold atomically), merged against a
// shared defaults block with dario.cat/mergo so a roster entry only needs
// to state what differs from the fleet's baseline.
package butlercfg

// SpecVersion is the apiVersion string every roster file must declare.
const SpecVersion = "butlers/v1"

// Roster is the root type of a roster YAML file.
type Roster struct {
	APIVersion  string        `yaml:"apiVersion"`
	Switchboard Switchboard   `yaml:"switchboard"`
	Defaults    ButlerDefault `yaml:"defaults,omitempty"`
	Butlers     []Butler      `yaml:"butlers"`
}

// Switchboard configures the one SwitchboardDaemon a roster runs. Duration
// fields are Go duration strings ("30s", "2m") rather than yaml.v3's native
// int64 encoding of time.Duration, parsed with time.ParseDuration at
// translation time (the same "parsed to time.Duration" convention tarsy's
// own loader documents for its string duration fields).
type Switchboard struct {
	ListenAddr          string `yaml:"listenAddr"`
	ClassifierModel     string `yaml:"classifierModel,omitempty"`
	DispatcherToolName  string `yaml:"dispatcherToolName,omitempty"`
	SubrequestTimeout   string `yaml:"subrequestTimeout,omitempty"`
	HeartbeatStaleAfter string `yaml:"heartbeatStaleAfter,omitempty"`
	RegistrySweepPeriod string `yaml:"registrySweepPeriod,omitempty"`
}

// ButlerDefault holds the fields of Butler that commonly repeat across a
// fleet (runtime variant, invocation timeouts, credential list). A Butler
// entry is merged against this with mergo so only its deltas need stating.
type ButlerDefault struct {
	RuntimeAdapter  RuntimeAdapter `yaml:"runtimeAdapter,omitempty"`
	InvokeTimeout   string         `yaml:"invokeTimeout,omitempty"`
	TickInterval    string         `yaml:"tickInterval,omitempty"`
	ApprovalTTL     string         `yaml:"approvalTTL,omitempty"`
	LivenessTTLS    int            `yaml:"livenessTTLS,omitempty"`
	CoreCredentials []string       `yaml:"coreCredentials,omitempty"`
	Sandbox         string         `yaml:"sandbox,omitempty"`
	SandboxImage    string         `yaml:"sandboxImage,omitempty"`
	MaxQueued       int            `yaml:"maxQueued,omitempty"`
}

// RuntimeAdapter selects the LLM-CLI variant a butler's Spawner invokes.
type RuntimeAdapter struct {
	Variant    string `yaml:"variant,omitempty"` // claude-code|codex|gemini
	BinaryPath string `yaml:"binaryPath,omitempty"`
	Model      string `yaml:"model,omitempty"`
}

// RouteContract bounds how many segments a butler accepts per fan-out plan.
type RouteContract struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// TaskSpec declares one Scheduler task to register on daemon startup.
type TaskSpec struct {
	Name         string `yaml:"name"`
	Cron         string `yaml:"cron"`
	DispatchMode string `yaml:"dispatchMode"` // prompt|job
	Prompt       string `yaml:"prompt,omitempty"`
	JobName      string `yaml:"jobName,omitempty"`
	Enabled      *bool  `yaml:"enabled,omitempty"`
}

// Butler is one roster entry: a named, long-lived daemon plus the modules,
// schedules, and credentials it owns.
type Butler struct {
	Name              string         `yaml:"name"`
	Schema            string         `yaml:"schema,omitempty"` // defaults to Name
	ListenAddr        string         `yaml:"listenAddr"`
	RuntimeAdapter    RuntimeAdapter `yaml:"runtimeAdapter,omitempty"`
	InvokeTimeout     string         `yaml:"invokeTimeout,omitempty"`
	TickInterval      string         `yaml:"tickInterval,omitempty"`
	ApprovalTTL       string         `yaml:"approvalTTL,omitempty"`
	LivenessTTLS      int            `yaml:"livenessTTLS,omitempty"`
	Sandbox           string         `yaml:"sandbox,omitempty"`
	SandboxImage      string         `yaml:"sandboxImage,omitempty"`
	MaxQueued         int            `yaml:"maxQueued,omitempty"`
	IsMessenger       bool           `yaml:"isMessenger,omitempty"`
	Capabilities      []string       `yaml:"capabilities,omitempty"`
	RouteContract     RouteContract  `yaml:"routeContract,omitempty"`
	Modules           []string       `yaml:"modules,omitempty"`
	CoreCredentials   []string       `yaml:"coreCredentials,omitempty"`
	ModuleCredentials []string       `yaml:"moduleCredentials,omitempty"`
	Tasks             []TaskSpec     `yaml:"tasks,omitempty"`
}
