// Package rules loads trigger rule bundles and evaluates them against
// signals, detected events, and score changes, enforcing cooldowns and
// daily fire caps.
//
// Bundles are JSON files so rule changes ship without code deployments.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/attunehq/pulse/pkg/contracts"
)

// Bundle is a versioned collection of trigger rules.
type Bundle struct {
	Version   string                  `json:"version"`
	Name      string                  `json:"name"`
	Rules     []contracts.TriggerRule `json:"rules"`
	CreatedAt time.Time               `json:"created_at,omitempty"`
}

// bundleSchema validates bundle shape before rule-level validation runs.
const bundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "name", "rules"],
  "properties": {
    "version": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "max_fires_per_day", "actions"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "priority": {"type": "integer"},
          "enabled": {"type": "boolean"},
          "cooldown_seconds": {"type": "integer", "minimum": 0},
          "max_fires_per_day": {"type": "integer", "minimum": 1},
          "condition_expression": {"type": "string"},
          "actions": {"type": "array", "minItems": 1}
        }
      }
    }
  }
}`

var compiledBundleSchema = jsonschema.MustCompileString("bundle.schema.json", bundleSchema)

// Loader loads rule bundles from a directory and serves the active rule
// set. Reloads swap the set atomically.
type Loader struct {
	mu        sync.RWMutex
	bundles   map[string]*Bundle
	bundleDir string
	evaluator *ConditionEvaluator
	onReload  func(bundle *Bundle)
}

// NewLoader creates a loader for the given directory. The evaluator is
// used to compile condition expressions at load time so bad CEL fails
// synchronously.
func NewLoader(bundleDir string, evaluator *ConditionEvaluator) *Loader {
	return &Loader{
		bundles:   make(map[string]*Bundle),
		bundleDir: bundleDir,
		evaluator: evaluator,
	}
}

// OnReload registers a callback invoked after a bundle loads.
func (l *Loader) OnReload(fn func(bundle *Bundle)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// LoadAll loads every .json bundle in the directory. A missing directory
// is an empty rule set, not an error, so fresh deployments start clean.
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.bundleDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rules: read dir %s: %w", l.bundleDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if err := l.LoadFile(filepath.Join(l.bundleDir, entry.Name())); err != nil {
			return fmt.Errorf("rules: load %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// LoadFile loads and validates a single bundle file.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	if err := compiledBundleSchema.Validate(raw); err != nil {
		return fmt.Errorf("bundle schema: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	if bundle.Name == "" {
		bundle.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if _, err := semver.NewVersion(bundle.Version); err != nil {
		return fmt.Errorf("bundle version %q: %w", bundle.Version, err)
	}
	if err := l.validateRules(bundle.Rules); err != nil {
		return err
	}

	l.mu.Lock()
	l.bundles[bundle.Name] = &bundle
	callback := l.onReload
	l.mu.Unlock()

	if callback != nil {
		callback(&bundle)
	}
	return nil
}

// Upsert adds or replaces a single rule in the named bundle, validating
// it first. This backs the operator-facing rule CRUD.
func (l *Loader) Upsert(bundleName string, rule contracts.TriggerRule) error {
	if err := l.validateRules([]contracts.TriggerRule{rule}); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bundle, ok := l.bundles[bundleName]
	if !ok {
		bundle = &Bundle{Version: "1.0.0", Name: bundleName, CreatedAt: time.Now().UTC()}
		l.bundles[bundleName] = bundle
	}
	for i, existing := range bundle.Rules {
		if existing.ID == rule.ID {
			bundle.Rules[i] = rule
			return nil
		}
	}
	bundle.Rules = append(bundle.Rules, rule)
	return nil
}

// Delete removes a rule from the named bundle.
func (l *Loader) Delete(bundleName, ruleID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bundle, ok := l.bundles[bundleName]
	if !ok {
		return false
	}
	for i, existing := range bundle.Rules {
		if existing.ID == ruleID {
			bundle.Rules = append(bundle.Rules[:i], bundle.Rules[i+1:]...)
			return true
		}
	}
	return false
}

// ActiveRules returns all enabled rules across bundles in stable priority
// order: priority descending, rule ID ascending within a priority.
func (l *Loader) ActiveRules() []contracts.TriggerRule {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var rules []contracts.TriggerRule
	for _, b := range l.bundles {
		for _, r := range b.Rules {
			if r.Enabled {
				rules = append(rules, r)
			}
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules
}

func (l *Loader) validateRules(ruleSet []contracts.TriggerRule) error {
	for i := range ruleSet {
		r := &ruleSet[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if l.evaluator != nil {
			if err := l.evaluator.Compile(r.ConditionExpression); err != nil {
				return fmt.Errorf("rule %s: %w", r.ID, err)
			}
		}
	}
	return nil
}
