package batch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/keunjinahn/things-plc/internal/address"
	"github.com/keunjinahn/things-plc/internal/types"
)

//go:embed schema/batch-jobs-v1.json
var jobFileSchemaJSON string

type Severity string

const (
	SevError   Severity = "error"
	SevWarning Severity = "warning"
)

type Issue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Job      string   `json:"job,omitempty"`
	Path     string   `json:"path,omitempty"` // "/jobs/0/writes/1"
}

type Report struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Err joins the error issues into one error, or returns nil.
func (r Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, i := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s %s: %s", i.Code, i.Path, i.Message))
	}
	return fmt.Errorf("invalid job file: %s", strings.Join(msgs, "; "))
}

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("batch-jobs-v1.json",
		strings.NewReader(jobFileSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("batch-jobs-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateDocument checks a decoded document against the job file schema.
// YAML input must be re-encoded as JSON first so numbers and maps have the
// types the schema library expects.
func (v *Validator) ValidateDocument(doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(generic); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ValidateFile runs the semantic checks the schema cannot express.
func (v *Validator) ValidateFile(f *JobFile) Report {
	rep := Report{}

	seen := map[string]int{}
	readKeys := map[string]bool{}

	for i, job := range f.Jobs {
		jobPath := fmt.Sprintf("/jobs/%d", i)
		name := strings.TrimSpace(job.Name)

		if name == "" {
			rep.addError(Issue{Code: "BATCH_001", Message: "Job name is required", Path: jobPath + "/name"})
		} else if first, dup := seen[name]; dup {
			rep.addError(Issue{
				Code:    "BATCH_002",
				Message: fmt.Sprintf("Duplicate job name (first defined at /jobs/%d)", first),
				Job:     name,
				Path:    jobPath + "/name",
			})
		} else {
			seen[name] = i
		}

		if len(job.Reads) == 0 && len(job.Writes) == 0 {
			rep.addWarning(Issue{Code: "BATCH_101", Message: "Job touches no addresses", Job: name, Path: jobPath})
		}

		for j, rd := range job.Reads {
			path := fmt.Sprintf("%s/reads/%d", jobPath, j)
			req, ok := rep.checkRequest(name, path, rd.Address, rd.DataType, CommandRead, nil)
			if ok {
				readKeys[req.Key()] = true
			}
		}
		for j, wr := range job.Writes {
			path := fmt.Sprintf("%s/writes/%d", jobPath, j)
			rep.checkRequest(name, path, wr.Address, wr.DataType, CommandWrite, wr.Value)
		}
	}

	for key, th := range f.Thresholds {
		path := "/thresholds/" + key
		if th.Min != nil && th.Max != nil && *th.Min > *th.Max {
			rep.addError(Issue{Code: "BATCH_006", Message: "Threshold min exceeds max", Path: path})
		}
		if !readKeys[normalizeKey(key)] {
			rep.addWarning(Issue{Code: "BATCH_102", Message: "Threshold for an address no job reads", Path: path})
		}
	}

	rep.finalize()
	return rep
}

func (r *Report) checkRequest(job, path, addr, dt string, cmd Command, value *int64) (BatchRequest, bool) {
	area, offset, err := address.ParseKey(addr)
	if err != nil {
		r.addError(Issue{Code: "BATCH_003", Message: err.Error(), Job: job, Path: path + "/address"})
		return BatchRequest{}, false
	}
	dataType, err := types.ParseDataType(dt)
	if err != nil {
		r.addError(Issue{Code: "BATCH_004", Message: err.Error(), Job: job, Path: path + "/data_type"})
		return BatchRequest{}, false
	}
	req := BatchRequest{Area: area, Offset: offset, DataType: dataType, Command: cmd, Value: value}
	if err := req.Validate(); err != nil {
		r.addError(Issue{Code: "BATCH_005", Message: err.Error(), Job: job, Path: path})
		return req, false
	}
	return req, true
}

func (r *Report) addError(i Issue) {
	if i.Severity == "" {
		i.Severity = SevError
	}
	r.Errors = append(r.Errors, i)
}

func (r *Report) addWarning(i Issue) {
	if i.Severity == "" {
		i.Severity = SevWarning
	}
	r.Warnings = append(r.Warnings, i)
}

func (r *Report) finalize() {
	sortIssues(r.Errors)
	sortIssues(r.Warnings)
	r.Valid = len(r.Errors) == 0
}

func sortIssues(list []Issue) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})
}

func normalizeKey(key string) string {
	area, offset, err := address.ParseKey(key)
	if err != nil {
		return key
	}
	return address.Key(area, offset)
}
