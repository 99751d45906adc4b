package db

import "time"

// QueueFrame is one durable entry in a named queue's append-only backing
// list — the relational stand-in for the original's Redis list. Sequence
// is monotone per Name and is what late subscribers replay from.
type QueueFrame struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"not null;index:idx_queue_frames_name_seq,priority:1"`
	Seq       int64  `gorm:"not null;index:idx_queue_frames_name_seq,priority:2"`
	Payload   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (QueueFrame) TableName() string { return "queue_frames" }

// SubmissionLogRecord is one immutable, complete transcript of a single
// judge run (one submission dispatched to one or more workers), stored as
// a JSON-encoded array of (tag, payload) frames. dump_logs/get_logs
// read and write this table; a submission may have more than one run
// (e.g. a rejudge), distinguished by RunID.
type SubmissionLogRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	SubmissionID string `gorm:"not null;index:idx_submission_logs_sub_run,priority:1"`
	RunID        string `gorm:"not null;index:idx_submission_logs_sub_run,priority:2"`
	Frames       string `gorm:"type:text;not null"`
	CreatedAt    time.Time
}

func (SubmissionLogRecord) TableName() string { return "submission_logs" }

// ProblemRecord is the relational representation of domain.Problem, used
// by the GORM-backed ProblemStore adapter.
type ProblemRecord struct {
	ID               string `gorm:"primaryKey"`
	Title            string `gorm:"not null"`
	TestCount        int    `gorm:"not null"`
	TestKind         string `gorm:"not null"`
	InputName        string
	OutputName       string
	AcceptedLangs    string `gorm:"type:text"` // JSON-encoded []domain.Lang
	LimitTimeMS      int64
	LimitMemKB       int64
	JudgeMode        string
	PointPerTestcase float64
	CustomJudgerPath string
	VisibilityRoles  string `gorm:"type:text"` // JSON-encoded []string
	AuthorID         string `gorm:"index"`
	DataDir          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (ProblemRecord) TableName() string { return "problems" }

// SubmissionRecord is the relational representation of domain.Submission.
type SubmissionRecord struct {
	ID              string `gorm:"primaryKey"`
	ProblemID       string `gorm:"not null;index"`
	LangName        string `gorm:"not null"`
	LangVersion     string
	CompilerName    string
	CompilerVersion string
	AuthorID        string `gorm:"index"`
	SourcePath      string `gorm:"not null"`
	HasResult       bool   `gorm:"not null;default:false"`
	ResultStatus    int
	ResultWarn      string
	ResultError     string
	ResultTimeS     float64
	ResultAvgKB     int64
	ResultPeakKB    int64
	ResultPoint     float64
	CreatedAt       time.Time
}

func (SubmissionRecord) TableName() string { return "submissions" }

// UserRecord is the relational representation of domain.User, used by the
// GORM-backed UserStore adapter.
type UserRecord struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Roles     string `gorm:"type:text"` // JSON-encoded []string
	CreatedAt time.Time
}

func (UserRecord) TableName() string { return "users" }

// RoleRecord is the relational representation of domain.Role.
type RoleRecord struct {
	Name        string `gorm:"primaryKey"`
	Description string
	CreatedAt   time.Time
}

func (RoleRecord) TableName() string { return "roles" }
