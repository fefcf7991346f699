// Package seed loads job definitions from a YAML file and creates them in
// an empty registry at startup.
package seed

import (
	"bytes"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// File is the on-disk layout.
type File struct {
	Jobs []Job `yaml:"jobs"`
}

// Job is one seeded definition. Enabled defaults to true. Timeout is a Go
// duration string; empty uses the registry default.
type Job struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Schedule    string            `yaml:"schedule"`
	Timezone    string            `yaml:"timezone"`
	Endpoint    string            `yaml:"endpoint"`
	Method      string            `yaml:"method"`
	Headers     map[string]string `yaml:"headers"`
	Body        string            `yaml:"body"`
	Enabled     *bool             `yaml:"enabled"`
	Retries     int               `yaml:"retries"`
	Timeout     string            `yaml:"timeout"`
}

// Registry is the subset of the job registry seeding needs.
type Registry interface {
	Len() int
	Create(spec domain.JobSpec) (domain.Job, error)
}

// Load reads and decodes path.
func Load(path string) ([]domain.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read seed file %s", path)
	}
	return Parse(data)
}

// Parse decodes a seed document. Unknown keys are rejected.
func Parse(data []byte) ([]domain.JobSpec, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decode seed file")
	}

	specs := make([]domain.JobSpec, 0, len(f.Jobs))
	for i, j := range f.Jobs {
		spec, err := j.toSpec()
		if err != nil {
			return nil, errors.Wrapf(err, "seed job %d (%s)", i, j.Name)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (j Job) toSpec() (domain.JobSpec, error) {
	spec := domain.JobSpec{
		Name:        j.Name,
		Description: j.Description,
		Schedule:    j.Schedule,
		Timezone:    j.Timezone,
		Endpoint:    j.Endpoint,
		Method:      j.Method,
		Headers:     j.Headers,
		Body:        j.Body,
		Enabled:     true,
		Retries:     j.Retries,
	}
	if j.Enabled != nil {
		spec.Enabled = *j.Enabled
	}
	if j.Timeout != "" {
		d, err := time.ParseDuration(j.Timeout)
		if err != nil {
			return domain.JobSpec{}, errors.Wrap(err, "timeout")
		}
		spec.Timeout = d
	}
	return spec, nil
}

// Apply creates specs in reg when it holds no jobs. It returns the number
// created. A restored registry is left untouched.
func Apply(reg Registry, specs []domain.JobSpec, logger *zap.SugaredLogger) (int, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if n := reg.Len(); n > 0 {
		logger.Infow("seed: registry not empty, skipping", "jobs", n)
		return 0, nil
	}

	created := 0
	for _, spec := range specs {
		job, err := reg.Create(spec)
		if err != nil {
			return created, errors.Wrapf(err, "seed job %q", spec.Name)
		}
		logger.Infow("seed: job created", "job_id", job.ID, "name", job.Name)
		created++
	}
	return created, nil
}
