package monitoring

import (
	"context"
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// QualityFileCollector reads model quality signals published by the ML layer.
// The file holds `last_accuracy` and `semantic_drift`, either key optional, in
// YAML or JSON.
type QualityFileCollector struct {
	Path string
}

type qualitySignals struct {
	LastAccuracy  *float64 `yaml:"last_accuracy"`
	SemanticDrift *float64 `yaml:"semantic_drift"`
}

func (q *QualityFileCollector) Start() {
	if q.Path == "" {
		log.Debug("no quality signal file configured")
	}
}

func (q *QualityFileCollector) Stop() {}

func (q *QualityFileCollector) Fetch(ctx context.Context) ResourceCollectorResult {
	result := ResourceCollectorResult{Type: RESULT_QUALITY}
	if q.Path == "" {
		return result
	}

	data, err := os.ReadFile(q.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Debugf("read quality signals %s: %v", q.Path, err)
		}
		return result
	}

	var signals qualitySignals
	if err := yaml.Unmarshal(data, &signals); err != nil {
		log.Warnf("parse quality signals %s: %v", q.Path, err)
		return result
	}
	result.Accuracy = signals.LastAccuracy
	result.Drift = signals.SemanticDrift
	return result
}
