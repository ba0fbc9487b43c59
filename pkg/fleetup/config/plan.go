package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/fleetup/pkg/fleetup/ident"
)

// Kind is a component kind. The set is closed.
type Kind string

// Component kinds.
const (
	KindExporter   Kind = "exporter"
	KindDatabase   Kind = "database"
	KindLogShipper Kind = "log-shipper"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindExporter, KindDatabase, KindLogShipper}

// Risk tags a phase.
type Risk string

// Phase risk levels.
const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Modes.
const (
	ModeSafe     = "safe"
	ModeStandard = "standard"
	ModeFast     = "fast"
	ModeDryRun   = "dry-run"
)

// Modes lists every supported mode.
var Modes = []string{ModeSafe, ModeStandard, ModeFast, ModeDryRun}

// PhaseCheckpointPrefix names the checkpoint taken before each phase.
// Phase names are bounded so the prefixed name is still an identifier.
const (
	PhaseCheckpointPrefix = "phase-"
	MaxPhaseNameLen       = ident.MaxLen - len(PhaseCheckpointPrefix)
)

// Defaults.
const (
	DefaultStateDir       = "/var/lib/fleetup"
	DefaultBackupRoot     = "/var/backups/fleetup"
	DefaultArtifactDir    = "/var/lib/fleetup/artifacts"
	DefaultLockTimeout    = 30 * time.Second
	DefaultLockPoll       = 500 * time.Millisecond
	DefaultVersionTimeout = 5 * time.Second
	DefaultHealthTimeout  = 30 * time.Second
	DefaultHealthRetries  = 10
	DefaultHealthInitial  = 500 * time.Millisecond
	DefaultHealthMax      = 5 * time.Second
	DefaultStandardPause  = 5 * time.Second
)

// Duration is a time.Duration that decodes from strings like "30s" in
// both YAML and JSON.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid duration %q: negative", s)
	}
	*d = Duration(v)
	return nil
}

// Plan is the upgrade plan file.
type Plan struct {
	StateDir          string              `yaml:"state_dir" json:"state_dir"`
	BackupRoot        string              `yaml:"backup_root" json:"backup_root"`
	ArtifactDir       string              `yaml:"artifact_dir" json:"artifact_dir"`
	Lock              LockConfig          `yaml:"lock" json:"lock"`
	ExpectedOwnerUID  int                 `yaml:"expected_owner_uid" json:"expected_owner_uid"`
	VersionTimeout    Duration            `yaml:"version_timeout" json:"version_timeout"`
	Health            HealthPolicy        `yaml:"health" json:"health"`
	Resources         ResourceConfig      `yaml:"resources" json:"resources"`
	Pause             map[string]Duration `yaml:"pause" json:"pause"`
	ContinueOnFailure bool                `yaml:"continue_on_failure" json:"continue_on_failure"`
	MetricsTextfile   string              `yaml:"metrics_textfile" json:"metrics_textfile"`
	HistoryIndex      string              `yaml:"history_index" json:"history_index"`
	Components        []ComponentConfig   `yaml:"components" json:"components"`
	Phases            []PhaseConfig       `yaml:"phases" json:"phases"`
}

// LockConfig bounds session lock acquisition.
type LockConfig struct {
	Timeout      Duration `yaml:"timeout" json:"timeout"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
}

// HealthPolicy bounds post-upgrade health verification.
type HealthPolicy struct {
	Timeout         Duration `yaml:"timeout" json:"timeout"`
	MaxRetries      int      `yaml:"max_retries" json:"max_retries"`
	InitialInterval Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval" json:"max_interval"`
}

// ResourceConfig holds pre-flight thresholds. Zero disables a check.
type ResourceConfig struct {
	MinFreeDiskMB        uint64 `yaml:"min_free_disk_mb" json:"min_free_disk_mb"`
	MinAvailableMemoryMB uint64 `yaml:"min_available_memory_mb" json:"min_available_memory_mb"`
}

// ComponentConfig declares one managed component.
type ComponentConfig struct {
	Name                 string         `yaml:"name" json:"name"`
	Kind                 Kind           `yaml:"kind" json:"kind"`
	Binary               string         `yaml:"binary" json:"binary"`
	Service              string         `yaml:"service" json:"service"`
	ConfigFiles          []string       `yaml:"config_files" json:"config_files"`
	TargetVersion        string         `yaml:"target_version" json:"target_version"`
	IntermediateVersions []string       `yaml:"intermediate_versions" json:"intermediate_versions"`
	Critical             bool           `yaml:"critical" json:"critical"`
	Health               HealthCheck    `yaml:"health" json:"health"`
	VersionArgs          []string       `yaml:"version_args" json:"version_args"`
	Options              map[string]any `yaml:"options" json:"options"`
}

// HealthCheck declares how to probe a component. At most one of URL, TCP
// and Command may be set; if none is, the kind's default probe is used.
type HealthCheck struct {
	URL     string   `yaml:"url" json:"url"`
	TCP     string   `yaml:"tcp" json:"tcp"`
	Command []string `yaml:"command" json:"command"`
}

// Opts returns the component's options accessor.
func (c ComponentConfig) Opts() Options {
	return NewOptions(c.Options)
}

// ServiceName returns the service unit name, defaulting to the component name.
func (c ComponentConfig) ServiceName() string {
	if c.Service != "" {
		return c.Service
	}
	return c.Name
}

// PhaseConfig is one ordered group of components.
type PhaseConfig struct {
	Name        string   `yaml:"name" json:"name"`
	Risk        Risk     `yaml:"risk" json:"risk"`
	Concurrency int      `yaml:"concurrency" json:"concurrency"`
	Components  []string `yaml:"components" json:"components"`
}

// ApplyDefaults fills unset fields.
func (p *Plan) ApplyDefaults() {
	if p.StateDir == "" {
		p.StateDir = DefaultStateDir
	}
	if p.BackupRoot == "" {
		p.BackupRoot = DefaultBackupRoot
	}
	if p.ArtifactDir == "" {
		p.ArtifactDir = DefaultArtifactDir
	}
	if p.Lock.Timeout == 0 {
		p.Lock.Timeout = Duration(DefaultLockTimeout)
	}
	if p.Lock.PollInterval == 0 {
		p.Lock.PollInterval = Duration(DefaultLockPoll)
	}
	if p.VersionTimeout == 0 {
		p.VersionTimeout = Duration(DefaultVersionTimeout)
	}
	if p.Health.Timeout == 0 {
		p.Health.Timeout = Duration(DefaultHealthTimeout)
	}
	if p.Health.MaxRetries == 0 {
		p.Health.MaxRetries = DefaultHealthRetries
	}
	if p.Health.InitialInterval == 0 {
		p.Health.InitialInterval = Duration(DefaultHealthInitial)
	}
	if p.Health.MaxInterval == 0 {
		p.Health.MaxInterval = Duration(DefaultHealthMax)
	}
	if p.Pause == nil {
		p.Pause = map[string]Duration{}
	}
	if _, ok := p.Pause[ModeStandard]; !ok {
		p.Pause[ModeStandard] = Duration(DefaultStandardPause)
	}
	for i := range p.Phases {
		if p.Phases[i].Concurrency == 0 {
			p.Phases[i].Concurrency = 1
		}
		if p.Phases[i].Risk == "" {
			p.Phases[i].Risk = RiskMedium
		}
	}
}

// PauseFor returns the pause between components for mode.
func (p *Plan) PauseFor(mode string) time.Duration {
	return p.Pause[mode].D()
}

// Component returns the named component config.
func (p *Plan) Component(name string) (ComponentConfig, bool) {
	for _, c := range p.Components {
		if c.Name == name {
			return c, true
		}
	}
	return ComponentConfig{}, false
}

// Phase returns the named phase.
func (p *Plan) Phase(name string) (PhaseConfig, bool) {
	for _, ph := range p.Phases {
		if ph.Name == name {
			return ph, true
		}
	}
	return PhaseConfig{}, false
}

// ComponentNames returns every component in phase order.
func (p *Plan) ComponentNames() []string {
	var names []string
	for _, ph := range p.Phases {
		names = append(names, ph.Components...)
	}
	return names
}
