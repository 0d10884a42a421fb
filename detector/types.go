package detector

import (
	"errors"
	"fmt"
	"strings"
)

// IssueType is the closed set of conditions the detector can raise.
type IssueType string

const (
	Performance   IssueType = "PERFORMANCE"
	Memory        IssueType = "MEMORY"
	GPUMemory     IssueType = "GPU_MEMORY"
	Accuracy      IssueType = "ACCURACY"
	SemanticDrift IssueType = "SEMANTIC_DRIFT"
)

var ErrUnknownIssueType = errors.New("unknown issue type")

var issueTypes = []IssueType{Performance, Memory, GPUMemory, Accuracy, SemanticDrift}

// IssueTypes lists every known issue type.
func IssueTypes() []IssueType {
	return append([]IssueType(nil), issueTypes...)
}

// ParseIssueType accepts the canonical upper-case name, case-insensitively.
func ParseIssueType(s string) (IssueType, error) {
	for _, t := range issueTypes {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownIssueType, s)
}

func (t *IssueType) UnmarshalText(text []byte) error {
	parsed, err := ParseIssueType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Severity ranks urgency; a lower value is more urgent.
type Severity int

const (
	Critical Severity = iota
	High
	Medium
	Low
)

func (s Severity) String() string {
	switch s {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Medium:
		return "MEDIUM"
	case Low:
		return "LOW"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Issue is a metric observed beyond its healthy threshold.
type Issue struct {
	Type        IssueType `json:"type"`
	Severity    Severity  `json:"severity"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Description string    `json:"description"`
	AutoFixable bool      `json:"auto_fixable"`
}

// ID identifies the issue kind independently of its observed value.
func (i Issue) ID() string {
	return strings.ToLower(string(i.Type)) + "_" + i.Metric
}

// LowerIsBetter reports whether a falling metric means the issue is clearing.
func (i Issue) LowerIsBetter() bool {
	return i.Type != Accuracy
}

type Classification struct {
	ID          string
	Known       bool
	Severity    Severity
	AutoFixable bool
}
