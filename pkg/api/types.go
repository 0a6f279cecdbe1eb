package api

// Public types shared by the CLI, the runners and anything that consumes
// serialized shard results.

// Task describes one unit of work handed to an agent. Target identifies the
// subject, usually a file path or a defect id.
type Task struct {
	Kind    string         `json:"kind" yaml:"kind"`
	Target  string         `json:"target" yaml:"target"`
	Context map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskOutcome is the result of one agent invocation. Result is meaningful for
// completed tasks, Errors for failed ones. Payload optionally carries the
// typed result of a known agent kind.
type TaskOutcome struct {
	Status  TaskStatus     `json:"status" yaml:"status"`
	Result  map[string]any `json:"result,omitempty" yaml:"result,omitempty"`
	Errors  []string       `json:"errors,omitempty" yaml:"errors,omitempty"`
	Payload any            `json:"-" yaml:"-"`
}

// Completed builds a successful outcome.
func Completed(result map[string]any, payload any) TaskOutcome {
	if result == nil {
		result = map[string]any{}
	}
	return TaskOutcome{Status: TaskCompleted, Result: result, Payload: payload}
}

// Failed builds a failed outcome from one or more error messages.
func Failed(errs ...string) TaskOutcome {
	return TaskOutcome{Status: TaskFailed, Errors: append([]string(nil), errs...)}
}

func (o TaskOutcome) OK() bool { return o.Status == TaskCompleted }

// ShardAssignment is the slice of discovered files one shard runs.
type ShardAssignment struct {
	Index int      `json:"index" yaml:"index"`
	Count int      `json:"count" yaml:"count"`
	Files []string `json:"files" yaml:"files"`
}

const (
	CasePass = "pass"
	CaseFail = "fail"
	CaseSkip = "skip"
)

type CaseResult struct {
	Name       string  `json:"name" yaml:"name"`
	Package    string  `json:"package,omitempty" yaml:"package,omitempty"`
	Status     string  `json:"status" yaml:"status"`
	DurationMS float64 `json:"duration_ms" yaml:"duration_ms"`
	Output     string  `json:"output,omitempty" yaml:"output,omitempty"`
}

// ShardRunResult is produced by exactly one shard execution.
type ShardRunResult struct {
	Index      int             `json:"index" yaml:"index"`
	Passed     int             `json:"passed" yaml:"passed"`
	Failed     int             `json:"failed" yaml:"failed"`
	Skipped    int             `json:"skipped" yaml:"skipped"`
	Errors     int             `json:"errors" yaml:"errors"`
	DurationMS float64         `json:"duration_ms" yaml:"duration_ms"`
	Success    bool            `json:"success" yaml:"success"`
	Cases      []CaseResult    `json:"cases,omitempty" yaml:"cases,omitempty"`
	Coverage   *CoverageReport `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	// Failure explains why a shard crashed or never reported.
	Failure string `json:"failure,omitempty" yaml:"failure,omitempty"`
}

// AggregateRunResult is the merge of every shard of one run.
type AggregateRunResult struct {
	Shards     int             `json:"shards" yaml:"shards"`
	Passed     int             `json:"passed" yaml:"passed"`
	Failed     int             `json:"failed" yaml:"failed"`
	Skipped    int             `json:"skipped" yaml:"skipped"`
	Errors     int             `json:"errors" yaml:"errors"`
	DurationMS float64         `json:"duration_ms" yaml:"duration_ms"`
	Success    bool            `json:"success" yaml:"success"`
	Cases      []CaseResult    `json:"cases,omitempty" yaml:"cases,omitempty"`
	Coverage   *CoverageReport `json:"coverage,omitempty" yaml:"coverage,omitempty"`
}

type FileCoverage struct {
	Path             string `json:"path" yaml:"path"`
	LinesCovered     int    `json:"lines_covered" yaml:"lines_covered"`
	LinesTotal       int    `json:"lines_total" yaml:"lines_total"`
	FunctionsCovered int    `json:"functions_covered" yaml:"functions_covered"`
	FunctionsTotal   int    `json:"functions_total" yaml:"functions_total"`
	BranchesCovered  int    `json:"branches_covered" yaml:"branches_covered"`
	BranchesTotal    int    `json:"branches_total" yaml:"branches_total"`
}

type CoverageReport struct {
	Files            []FileCoverage `json:"files,omitempty" yaml:"files,omitempty"`
	LinesCovered     int            `json:"lines_covered" yaml:"lines_covered"`
	LinesTotal       int            `json:"lines_total" yaml:"lines_total"`
	FunctionsCovered int            `json:"functions_covered" yaml:"functions_covered"`
	FunctionsTotal   int            `json:"functions_total" yaml:"functions_total"`
	BranchesCovered  int            `json:"branches_covered" yaml:"branches_covered"`
	BranchesTotal    int            `json:"branches_total" yaml:"branches_total"`
	LineRate         float64        `json:"line_rate" yaml:"line_rate"`
	FunctionRate     float64        `json:"function_rate" yaml:"function_rate"`
	BranchRate       float64        `json:"branch_rate" yaml:"branch_rate"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)
