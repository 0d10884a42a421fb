package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remediation-agent/catalog"
	"remediation-agent/detector"
)

func TestFileRecorderAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")
	issue := detector.Issue{Type: detector.Memory, Severity: detector.Critical, Metric: "memory_percent", Value: 96}

	for i := 0; i < 2; i++ {
		r, err := OpenFile(path)
		require.NoError(t, err)
		rec := NewOutcomeRecord(issue)
		rec.Remediation = RemediationRecord{Source: "knowledge_base:shrink", Confidence: 0.9}
		rec.Parameters = catalog.Parameters{catalog.BatchSize: 4}
		rec.MetricsBefore = map[string]float64{"memory_percent": 96}
		rec.MetricsAfter = map[string]float64{"memory_percent": 72}
		rec.ImprovementPercent = Improvement(96, 72, true)
		require.NoError(t, r.Record(rec))
		require.NoError(t, r.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.NotEqual(t, lines[0]["id"], lines[1]["id"])

	issueJSON := lines[0]["issue"].(map[string]any)
	assert.Equal(t, "MEMORY", issueJSON["type"])
	assert.Equal(t, "CRITICAL", issueJSON["severity"])
	assert.InDelta(t, 25.0, lines[0]["improvement_percent"], 1e-9)
}

func TestImprovement(t *testing.T) {
	assert.InDelta(t, 25.0, Improvement(96, 72, true), 1e-9)
	assert.InDelta(t, -10.0, Improvement(50, 55, true), 1e-9)
	assert.InDelta(t, 20.0, Improvement(0.5, 0.6, false), 1e-9)
	assert.Equal(t, 0.0, Improvement(0, 10, true))
}

func TestMemoryRecorder(t *testing.T) {
	m := &MemoryRecorder{}
	require.NoError(t, m.Record(NewOutcomeRecord(detector.Issue{Type: detector.Performance})))
	records := m.Records()
	require.Len(t, records, 1)
	assert.Equal(t, detector.Performance, records[0].Issue.Type)
	assert.False(t, records[0].Timestamp.IsZero())
}
