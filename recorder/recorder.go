// Package recorder keeps the append-only audit trail of applied remediations.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"remediation-agent/catalog"
	"remediation-agent/detector"
)

type IssueRecord struct {
	Type     detector.IssueType `json:"type"`
	Severity detector.Severity  `json:"severity"`
	Metric   string             `json:"metric"`
	Value    float64            `json:"value"`
}

type RemediationRecord struct {
	Source      string   `json:"source"`
	Confidence  float64  `json:"confidence"`
	Description string   `json:"description,omitempty"`
	Rules       []string `json:"adaptation_rules,omitempty"`
}

// OutcomeRecord is one audit entry. Entries are never rewritten.
type OutcomeRecord struct {
	ID                 string             `json:"id"`
	Timestamp          time.Time          `json:"timestamp"`
	Issue              IssueRecord        `json:"issue"`
	Remediation        RemediationRecord  `json:"remediation"`
	Parameters         catalog.Parameters `json:"parameters"`
	MetricsBefore      map[string]float64 `json:"metrics_before"`
	MetricsAfter       map[string]float64 `json:"metrics_after"`
	ImprovementPercent float64            `json:"improvement_percent"`
	Reverted           bool               `json:"reverted"`
	ConfigAfter        catalog.Parameters `json:"config_after"`
}

// NewOutcomeRecord stamps a record with a fresh id and the current time.
func NewOutcomeRecord(issue detector.Issue) OutcomeRecord {
	return OutcomeRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Issue: IssueRecord{
			Type:     issue.Type,
			Severity: issue.Severity,
			Metric:   issue.Metric,
			Value:    issue.Value,
		},
	}
}

type Recorder interface {
	Record(OutcomeRecord) error
}

// FileRecorder appends one JSON document per line.
type FileRecorder struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *json.Encoder
}

func OpenFile(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening outcome log: %w", err)
	}
	return &FileRecorder{path: path, file: f, enc: json.NewEncoder(f)}, nil
}

func (r *FileRecorder) Record(rec OutcomeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(rec); err != nil {
		return fmt.Errorf("writing outcome to %s: %w", r.path, err)
	}
	return nil
}

func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// MemoryRecorder keeps records in memory, for embedding and tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []OutcomeRecord
}

func (m *MemoryRecorder) Record(rec OutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryRecorder) Records() []OutcomeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OutcomeRecord(nil), m.records...)
}

// Improvement is the relative change of a metric in percent, positive when it
// moved in the healthy direction. A zero baseline yields 0.
func Improvement(before, after float64, lowerIsBetter bool) float64 {
	if before == 0 {
		return 0
	}
	if lowerIsBetter {
		return (before - after) / before * 100
	}
	return (after - before) / before * 100
}
