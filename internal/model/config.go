package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultListen           = "127.0.0.1:8501"
	DefaultStartTimeout     = 30 * time.Second
	DefaultGrace            = 10 * time.Second
	DefaultKillWait         = 5 * time.Second
	DefaultReconcileEvery   = 30 * time.Second
	DefaultProgressInterval = 2 * time.Second
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Store   Store   `json:"store" yaml:"store"`
	Service Service `json:"service" yaml:"service"`
	Job     Job     `json:"job" yaml:"job"`
}

// Store selects the State Store backend.
type Store struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" | "postgres" | "redis"
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// Service configures the control plane: logging, dashboard and supervision timing.
// Durations are ISO-8601 strings, eg. PT10S.
type Service struct {
	Verbose      bool      `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log          string    `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Listen       string    `json:"listen,omitempty" yaml:"listen,omitempty"`
	Reconcile    Reconcile `json:"reconcile,omitempty" yaml:"reconcile,omitempty"`
	StartTimeout string    `json:"start_timeout,omitempty" yaml:"start_timeout,omitempty"`
	Grace        string    `json:"grace,omitempty" yaml:"grace,omitempty"`
	KillWait     string    `json:"kill_wait,omitempty" yaml:"kill_wait,omitempty"`
}

// Reconcile schedule: either a cron expression or a fixed interval.
type Reconcile struct {
	Cron  string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every string `json:"every,omitempty" yaml:"every,omitempty"`
}

// Job describes how the detached job process is launched.
type Job struct {
	Backend          string            `json:"backend,omitempty" yaml:"backend,omitempty"` // "exec" | "docker"
	Path             string            `json:"path,omitempty" yaml:"path,omitempty"`       // empty => this binary
	Args             []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Image            string            `json:"image,omitempty" yaml:"image,omitempty"` // docker backend
	LogDir           string            `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	ProgressInterval string            `json:"progress_interval,omitempty" yaml:"progress_interval,omitempty"`
}

// Timing holds the parsed supervision durations.
type Timing struct {
	StartTimeout   time.Duration
	Grace          time.Duration
	KillWait       time.Duration
	ReconcileCron  string
	ReconcileEvery time.Duration
}

func (s Service) Timing() (Timing, error) {
	var t Timing
	var err error
	if t.StartTimeout, err = durationOr(s.StartTimeout, DefaultStartTimeout); err != nil {
		return t, fmt.Errorf("parsing service.start_timeout: %w", err)
	}
	if t.Grace, err = durationOr(s.Grace, DefaultGrace); err != nil {
		return t, fmt.Errorf("parsing service.grace: %w", err)
	}
	if t.KillWait, err = durationOr(s.KillWait, DefaultKillWait); err != nil {
		return t, fmt.Errorf("parsing service.kill_wait: %w", err)
	}
	switch {
	case s.Reconcile.Cron != "" && s.Reconcile.Every != "":
		return t, errors.New("service.reconcile: cron and every are mutually exclusive")
	case s.Reconcile.Cron != "":
		if err := ValidateCron(s.Reconcile.Cron); err != nil {
			return t, fmt.Errorf("parsing service.reconcile.cron: %w", err)
		}
		t.ReconcileCron = s.Reconcile.Cron
	default:
		if t.ReconcileEvery, err = durationOr(s.Reconcile.Every, DefaultReconcileEvery); err != nil {
			return t, fmt.Errorf("parsing service.reconcile.every: %w", err)
		}
	}
	return t, nil
}

func (j Job) ProgressEvery() (time.Duration, error) {
	d, err := durationOr(j.ProgressInterval, DefaultProgressInterval)
	if err != nil {
		return 0, fmt.Errorf("parsing job.progress_interval: %w", err)
	}
	return d, nil
}

func durationOr(s string, dflt time.Duration) (time.Duration, error) {
	if s == "" {
		return dflt, nil
	}
	d, err := ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %s must be positive", s)
	}
	return d.Std(), nil
}

// Validate checks constraints which are not expressed by the CUE schema.
func (c Config) Validate() error {
	if _, err := c.Service.Timing(); err != nil {
		return err
	}
	if _, err := c.Job.ProgressEvery(); err != nil {
		return err
	}
	if c.Job.Backend == BackendDocker && c.Job.Image == "" {
		return errors.New("job.image is required for the docker backend")
	}
	if c.Job.Backend == BackendDocker && (c.Store.Driver == "" || c.Store.Driver == StoreSQLite) {
		return errors.New("the docker backend needs a networked store, set store.driver to postgres or redis")
	}
	return nil
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if err := out.Validate(); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig returns the configuration stored on a first run: a SQLite
// store and job logs in the user cache directory.
func DefaultConfig(ctx context.Context) Config {
	dir, err := os.UserCacheDir()
	if err != nil {
		slog.WarnContext(ctx, "can't get user cache dir: using temp dir", "error", err)
		dir = os.TempDir()
	}
	dir = filepath.Join(dir, "scrapectl")
	return Config{
		Version: 0,
		Store: Store{
			Driver: StoreSQLite,
			DSN:    filepath.Join(dir, "scrapectl.db"),
		},
		Service: Service{
			Log:    LogStderr,
			Listen: DefaultListen,
			Reconcile: Reconcile{
				Every: Duration(DefaultReconcileEvery).String(),
			},
			StartTimeout: Duration(DefaultStartTimeout).String(),
			Grace:        Duration(DefaultGrace).String(),
			KillWait:     Duration(DefaultKillWait).String(),
		},
		Job: Job{
			Backend:          BackendExec,
			LogDir:           filepath.Join(dir, "logs"),
			ProgressInterval: Duration(DefaultProgressInterval).String(),
		},
	}
}
