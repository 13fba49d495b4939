package processing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/upb/sdp-ingestion/config"
)

const (
	DefaultModelVersion = "demo_v1"
	DefaultScoreField   = "email"

	maxTokenScore = 99
)

// Scorer turns one record payload into a risk score. Implementations must be
// deterministic: the same payload always yields the same score.
type Scorer interface {
	Score(payload json.RawMessage) (string, error)
	ModelVersion() string
}

// TokenLengthScorer scores a record by the length of one tokenized field,
// capped at 99. A missing field scores 0.
type TokenLengthScorer struct {
	Field   string
	Version string
}

// NewTokenLengthScorer creates the default scorer; empty arguments use the defaults
func NewTokenLengthScorer(field, version string) *TokenLengthScorer {
	if field == "" {
		field = DefaultScoreField
	}
	if version == "" {
		version = DefaultModelVersion
	}
	return &TokenLengthScorer{Field: field, Version: version}
}

// ScorerFromConfig builds the scorer selected by the processing config
func ScorerFromConfig(cfg config.ProcessingConfig) Scorer {
	return NewTokenLengthScorer(cfg.ScoreField, cfg.ModelVersion)
}

// Score implements Scorer
func (s *TokenLengthScorer) Score(payload json.RawMessage) (string, error) {
	var fields map[string]interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return "", fmt.Errorf("payload is not a JSON object: %w", err)
		}
	}

	var value string
	switch v := fields[s.Field].(type) {
	case nil:
	case string:
		value = v
	default:
		value = fmt.Sprint(v)
	}

	n := utf8.RuneCountInString(strings.TrimSpace(value))
	if n > maxTokenScore {
		n = maxTokenScore
	}
	return strconv.Itoa(n), nil
}

// ModelVersion implements Scorer
func (s *TokenLengthScorer) ModelVersion() string {
	return s.Version
}
