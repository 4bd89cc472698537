package service

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/process"
)

// JobSubcommand is the hidden CLI command a job process runs.
const JobSubcommand = "_job"

// JobCommand builds the command line of job processes.
type JobCommand struct {
	Path  string
	Args  []string
	Env   []string
	Image string
}

// NewJobCommand prepares the job command from the config. An empty path means
// this binary. Env keys are uppercased and values starting with $ are expanded
// from the environment of the control center. extraEnv is appended as is.
func NewJobCommand(cfg model.Job, extraEnv ...string) (JobCommand, error) {
	path := cfg.Path
	if path == "" && cfg.Backend != model.BackendDocker {
		var err error
		path, err = os.Executable()
		if err != nil {
			return JobCommand{}, fmt.Errorf("locating job binary: %w", err)
		}
	}

	env := make([]string, 0, len(cfg.Env)+len(extraEnv))
	for k, v := range cfg.Env {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	slices.Sort(env)
	env = append(env, extraEnv...)

	return JobCommand{
		Path:  path,
		Args:  cfg.Args,
		Env:   env,
		Image: cfg.Image,
	}, nil
}

// For returns the command running the job of runID.
func (c JobCommand) For(runID string) process.Command {
	args := make([]string, 0, 3+len(c.Args))
	args = append(args, JobSubcommand, "--run-id", runID)
	args = append(args, c.Args...)
	return process.Command{
		RunID: runID,
		Path:  c.Path,
		Args:  args,
		Env:   slices.Clone(c.Env),
		Image: c.Image,
	}
}
