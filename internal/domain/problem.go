package domain

// TestKind distinguishes how a problem's expected output is judged.
type TestKind string

const (
	// TestKindStd diffs stdout against the stored output file.
	TestKindStd TestKind = "std"
	// TestKindFile compares the contents of a file the submission produces.
	TestKindFile TestKind = "file"
)

// Limit bounds the resources a single testcase run may consume.
type Limit struct {
	TimeMS int64 `json:"time_ms"`
	MemKB  int64 `json:"mem_kb"`
}

// JudgeMode carries the problem's special-judge configuration. Mode is an
// opaque string understood by the judge worker (e.g. "strict", "spj",
// "interactive"); this core only threads it through unopened.
type JudgeMode struct {
	Mode string `json:"mode"`
}

// Lang identifies a submission's source language and optional version pin.
type Lang struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Compiler identifies the compiler/runtime used to build or run a
// submission. Version defaults to "latest" when unset.
type Compiler struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Problem is the judge's immutable-except-via-update unit of work: a set
// of testcases, resource limits, and judging configuration.
type Problem struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	TestCount        int        `json:"test_count"` // N, >= 1
	TestKind         TestKind   `json:"test_kind"`
	InputName        string     `json:"input_name"`
	OutputName       string     `json:"output_name"`
	AcceptedLangs    []Lang     `json:"accepted_langs"`
	Limit            Limit      `json:"limit"`
	JudgeMode        JudgeMode  `json:"judge_mode"`
	PointPerTestcase float64    `json:"point_per_testcase"`
	CustomJudgerPath string     `json:"custom_judger_path,omitempty"`
	VisibilityRoles  []string   `json:"visibility_roles"` // contains "@everyone" for public
	AuthorID         string     `json:"author_id"`
	DataDir          string     `json:"data_dir"`
}

// AcceptsLang reports whether the problem's accepted-language set permits
// the given (name, version) pair. A problem-side entry with an empty
// Version accepts any version of that language name.
func (p Problem) AcceptsLang(l Lang) bool {
	for _, accepted := range p.AcceptedLangs {
		if accepted.Name != l.Name {
			continue
		}
		if accepted.Version == "" || accepted.Version == l.Version {
			return true
		}
	}
	return false
}

// HasCustomJudger reports whether the problem carries a judger.py-style
// custom judge source that must be written to the worker before judging.
func (p Problem) HasCustomJudger() bool {
	return p.CustomJudgerPath != ""
}

// VisibleTo reports whether a user holding the given roles may see this
// problem. "@everyone" in VisibilityRoles makes the problem public.
func (p Problem) VisibleTo(roles []string) bool {
	for _, r := range p.VisibilityRoles {
		if r == "@everyone" {
			return true
		}
	}
	for _, want := range p.VisibilityRoles {
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}
