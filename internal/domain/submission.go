package domain

import "time"

// Memory is the (average, peak) pair reported for a testcase or aggregated
// over a run. Either component may be -1, meaning "not measured" — the
// compile/system/abort paths never ran a testcase so no memory was sampled.
type Memory struct {
	AvgKB  int64 `json:"avg_kb"`
	PeakKB int64 `json:"peak_kb"`
}

// UnmeasuredMemory is the sentinel pair for a run that never executed a
// testcase (compile error, system error, abort).
var UnmeasuredMemory = Memory{AvgKB: -1, PeakKB: -1}

// SubmissionResult is produced exactly once per judge run and attached
// atomically to the owning Submission on completion.
type SubmissionResult struct {
	Status StatusCode `json:"status"`
	Warn   string     `json:"warn"`
	Error  string      `json:"error"`
	TimeS  float64     `json:"time_s"` // -1 when not measured
	Memory Memory      `json:"memory"`
	Point  float64     `json:"point"`
}

// Unmeasured builds the SubmissionResult shape used on the compile/system
// error and abort paths: no time or memory was sampled and no points were
// earned.
func Unmeasured(status StatusCode, errText string) SubmissionResult {
	return SubmissionResult{
		Status: status,
		Error:  errText,
		TimeS:  -1,
		Memory: UnmeasuredMemory,
		Point:  0,
	}
}

// Submission is one code upload judged against a Problem.
type Submission struct {
	ID         string            `json:"id"`
	ProblemID  string            `json:"problem_id"`
	Lang       Lang              `json:"lang"`
	Compiler   Compiler          `json:"compiler"`
	AuthorID   string            `json:"author_id"`
	SourcePath string            `json:"source_path"`
	Result     *SubmissionResult `json:"result,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
