package batch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/keunjinahn/things-plc/internal/address"
	"github.com/keunjinahn/things-plc/internal/types"
)

// JobFile is the on-disk form of a job catalog.
type JobFile struct {
	Jobs       []JobSpec            `yaml:"jobs" json:"jobs"`
	Mapping    map[string]string    `yaml:"mapping" json:"mapping,omitempty"`
	Thresholds map[string]Threshold `yaml:"thresholds" json:"thresholds,omitempty"`
}

type JobSpec struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description,omitempty"`
	Enabled     *bool       `yaml:"enabled" json:"enabled,omitempty"`
	Reads       []ReadSpec  `yaml:"reads" json:"reads,omitempty"`
	Writes      []WriteSpec `yaml:"writes" json:"writes,omitempty"`
}

type ReadSpec struct {
	Address  string `yaml:"address" json:"address"`
	DataType string `yaml:"data_type" json:"data_type,omitempty"`
}

type WriteSpec struct {
	Address  string `yaml:"address" json:"address"`
	DataType string `yaml:"data_type" json:"data_type,omitempty"`
	Value    *int64 `yaml:"value" json:"value"`
}

// JobSet is a validated job catalog.
type JobSet struct {
	Jobs       []BatchJob
	Mapping    map[string]string
	Thresholds map[string]Threshold
	Warnings   []Issue
}

// Job returns the job with the given name.
func (s *JobSet) Job(name string) (BatchJob, bool) {
	for _, j := range s.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return BatchJob{}, false
}

// Select returns the named jobs in catalog order, or every job when names is
// empty.
func (s *JobSet) Select(names []string) ([]BatchJob, error) {
	if len(names) == 0 {
		return append([]BatchJob(nil), s.Jobs...), nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := s.Job(n); !ok {
			return nil, fmt.Errorf("unknown job %q", n)
		}
		want[n] = true
	}
	var out []BatchJob
	for _, j := range s.Jobs {
		if want[j.Name] {
			out = append(out, j)
		}
	}
	return out, nil
}

type Loader struct {
	validator *Validator
}

func NewLoader() (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	return &Loader{validator: validator}, nil
}

func (l *Loader) LoadFile(path string) (*JobSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	set, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Parse validates a YAML job file and builds the job set.
func (l *Loader) Parse(data []byte) (*JobSet, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := l.validator.ValidateDocument(doc); err != nil {
		return nil, err
	}

	var file JobFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode job file: %w", err)
	}

	rep := l.validator.ValidateFile(&file)
	if err := rep.Err(); err != nil {
		return nil, err
	}

	set := &JobSet{
		Mapping:    make(map[string]string, len(file.Mapping)),
		Thresholds: make(map[string]Threshold, len(file.Thresholds)),
		Warnings:   rep.Warnings,
	}
	for k, v := range file.Mapping {
		set.Mapping[normalizeKey(k)] = v
	}
	for k, v := range file.Thresholds {
		set.Thresholds[normalizeKey(k)] = v
	}

	for _, spec := range file.Jobs {
		job, err := spec.build()
		if err != nil {
			return nil, err
		}
		set.Jobs = append(set.Jobs, job)
	}
	return set, nil
}

func (s JobSpec) build() (BatchJob, error) {
	job := BatchJob{
		Name:        s.Name,
		Description: s.Description,
		Enabled:     s.Enabled == nil || *s.Enabled,
	}
	for _, rd := range s.Reads {
		req, err := buildRequest(rd.Address, rd.DataType, CommandRead, nil)
		if err != nil {
			return job, fmt.Errorf("job %s: %w", s.Name, err)
		}
		job.Reads = append(job.Reads, req)
	}
	for _, wr := range s.Writes {
		req, err := buildRequest(wr.Address, wr.DataType, CommandWrite, wr.Value)
		if err != nil {
			return job, fmt.Errorf("job %s: %w", s.Name, err)
		}
		job.Writes = append(job.Writes, req)
	}
	return job, nil
}

func buildRequest(addr, dt string, cmd Command, value *int64) (BatchRequest, error) {
	area, offset, err := address.ParseKey(addr)
	if err != nil {
		return BatchRequest{}, err
	}
	dataType, err := types.ParseDataType(dt)
	if err != nil {
		return BatchRequest{}, err
	}
	req := BatchRequest{Area: area, Offset: offset, DataType: dataType, Command: cmd, Value: value}
	return req, req.Validate()
}

// Names lists job names in catalog order.
func (s *JobSet) Names() []string {
	out := make([]string, 0, len(s.Jobs))
	for _, j := range s.Jobs {
		out = append(out, j.Name)
	}
	return out
}
