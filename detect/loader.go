package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bastion/core"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ruleFileSchema validates the shape of rule documents loaded from disk.
// Database-backed rules are validated on write instead.
const ruleFileSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["rule_id", "title", "detection_query", "level"],
		"properties": {
			"rule_id": {"type": "string", "minLength": 1},
			"title": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"detection_query": {"type": "string", "minLength": 1},
			"level": {"enum": ["low", "medium", "high", "critical"]},
			"severity": {"type": "integer", "minimum": 0, "maximum": 100},
			"mitre_techniques": {"type": "array", "items": {"type": "string"}},
			"mitre_tactics": {"type": "array", "items": {"type": "string"}},
			"category": {"type": "string"},
			"source": {"type": "string"},
			"enabled": {"type": "boolean"},
			"aggregation": {
				"type": "object",
				"required": ["field", "operation", "threshold"],
				"properties": {
					"field": {"type": "string"},
					"operation": {"type": "string"},
					"threshold": {"type": "number"}
				}
			}
		}
	}
}`

// LoadRulesFromFile loads detection rules from a JSON or YAML file, validating
// the document against the rule schema before decoding. Rules whose IDs collide
// are rejected so the evaluator index stays unambiguous.
func LoadRulesFromFile(filename string, logger *zap.SugaredLogger) ([]core.DetectionRule, error) {
	data, err := os.ReadFile(filepath.Clean(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rules file: %w", err)
		}
	}

	schemaLoader := gojsonschema.NewStringLoader(ruleFileSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("failed to validate rules file: %w", err)
	}
	if !result.Valid() {
		for _, desc := range result.Errors() {
			logger.Errorf("Rule schema violation: %s", desc)
		}
		return nil, fmt.Errorf("rules file %s failed schema validation (%d errors)", filename, len(result.Errors()))
	}

	var rules []core.DetectionRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		if _, dup := seen[rule.RuleID]; dup {
			return nil, fmt.Errorf("duplicate rule_id %q in %s", rule.RuleID, filename)
		}
		seen[rule.RuleID] = struct{}{}
	}

	logger.Infof("Loaded %d rules from %s", len(rules), filename)
	return rules, nil
}

// yamlToJSON normalizes a YAML rule document to JSON so schema validation and
// decoding share a single path.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// FileRuleSource adapts a rules file to the RuleSource contract, mainly for
// development setups without the SQLite rule store.
type FileRuleSource struct {
	Path   string
	Logger *zap.SugaredLogger
}

// GetEnabledRules loads the file and filters to enabled rules.
func (f *FileRuleSource) GetEnabledRules(ctx context.Context) ([]core.DetectionRule, error) {
	rules, err := LoadRulesFromFile(f.Path, f.Logger)
	if err != nil {
		return nil, err
	}
	enabled := rules[:0]
	for _, rule := range rules {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	return enabled, nil
}
