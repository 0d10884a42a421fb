// Package catalog matches detected issues against a static knowledge base of
// remediations.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"remediation-agent/detector"
)

const (
	SourceManualRequired = "MANUAL_REQUIRED"
	SourceKnowledgeBase  = "knowledge_base"

	DefaultAcceptanceThreshold = 0.5
)

var ErrUnknownType = detector.ErrUnknownIssueType

type Problem struct {
	Description string             `yaml:"description"`
	Type        detector.IssueType `yaml:"type"`
}

type Solution struct {
	Description string     `yaml:"description"`
	Confidence  float64    `yaml:"confidence"`
	Parameters  Parameters `yaml:"parameters"`
}

// Record is one knowledge-base entry.
type Record struct {
	ID       string   `yaml:"id"`
	Problem  Problem  `yaml:"problem"`
	Solution Solution `yaml:"solution"`
}

// Match is the result of a lookup: a remediation, or a manual escalation when
// Source is MANUAL_REQUIRED.
type Match struct {
	Source      string
	Description string
	Confidence  float64
	Parameters  Parameters
	Suggestions []string
}

func (m Match) ManualRequired() bool {
	return m.Source == SourceManualRequired
}

type Catalog struct {
	records   []Record
	tokens    []map[string]struct{}
	threshold float64
}

// New builds a catalog over records. A non-positive threshold selects the default.
func New(records []Record, threshold float64) *Catalog {
	if threshold <= 0 {
		threshold = DefaultAcceptanceThreshold
	}
	c := &Catalog{records: records, threshold: threshold}
	c.tokens = make([]map[string]struct{}, len(records))
	for i, r := range records {
		c.tokens[i] = tokenize(r.Problem.Description)
	}
	return c
}

// Load reads a YAML or JSON list of records.
func Load(path string, threshold float64) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading knowledge base: %w", err)
	}
	records, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing knowledge base %s: %w", path, err)
	}
	log.Infof("Loaded %d knowledge base records from %s", len(records), path)
	return New(records, threshold), nil
}

func Parse(data []byte) ([]Record, error) {
	var records []Record
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&records); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	for i := range records {
		if records[i].Problem.Type == "" {
			return nil, fmt.Errorf("record %d: %w: problem type missing", i, ErrUnknownType)
		}
		if c := records[i].Solution.Confidence; c < 0 || c > 1 {
			return nil, fmt.Errorf("record %d: confidence %g outside [0,1]", i, c)
		}
	}
	return records, nil
}

func (c *Catalog) Len() int {
	return len(c.records)
}

// Find returns the best eligible record scoring above the acceptance
// threshold, or a manual escalation.
func (c *Catalog) Find(issue detector.Issue) Match {
	issueTokens := tokenize(issue.Description)

	best, bestScore := -1, 0.0
	closest, closestScore := -1, 0.0
	for i, r := range c.records {
		if r.Problem.Type != issue.Type {
			continue
		}
		score := clip(r.Solution.Confidence * similarity(issueTokens, c.tokens[i]))
		if score > c.threshold && score > bestScore {
			best, bestScore = i, score
		}
		if closest < 0 || score > closestScore {
			closest, closestScore = i, score
		}
	}

	if best < 0 {
		m := Match{
			Source:      SourceManualRequired,
			Confidence:  0,
			Suggestions: suggestionsFor(issue.Type),
		}
		if closest >= 0 {
			m.Suggestions = append(m.Suggestions, fmt.Sprintf(
				"closest catalog entry %q scored %.2f, below the %.2f acceptance threshold",
				c.records[closest].Problem.Description, closestScore, c.threshold))
		}
		return m
	}

	r := c.records[best]
	source := SourceKnowledgeBase
	if r.ID != "" {
		source = SourceKnowledgeBase + ":" + r.ID
	}
	return Match{
		Source:      source,
		Description: r.Solution.Description,
		Confidence:  bestScore,
		Parameters:  r.Solution.Parameters.Clone(),
	}
}

// similarity is the share of the stored description's tokens present in the
// issue description.
func similarity(issue, stored map[string]struct{}) float64 {
	if len(stored) == 0 {
		return 0
	}
	shared := 0
	for tok := range stored {
		if _, ok := issue[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(stored))
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

func clip(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func suggestionsFor(t detector.IssueType) []string {
	switch t {
	case detector.Performance:
		return []string{
			"identify the processes holding the cpu",
			"lower worker concurrency or enable gpu offload",
		}
	case detector.Memory:
		return []string{
			"reduce batch_size",
			"switch to a smaller model_size or disable caches",
		}
	case detector.GPUMemory:
		return []string{
			"reduce per-device batch_size",
			"enable mixed precision or spread the model across devices",
		}
	case detector.Accuracy:
		return []string{
			"retrain or recalibrate the model",
			"review recent input data quality",
		}
	case detector.SemanticDrift:
		return []string{
			"refresh the embedding reference set",
			"retrain on recent data",
		}
	}
	return []string{"investigate manually"}
}
