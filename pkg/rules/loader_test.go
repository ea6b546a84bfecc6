package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/attunehq/pulse/pkg/contracts"
)

const validBundle = `{
  "version": "1.2.0",
  "name": "churn-response",
  "rules": [
    {
      "id": "reach-out",
      "name": "reach out on score drop",
      "priority": 5,
      "enabled": true,
      "match": {"event_types": ["score_drop"], "min_severity": "high"},
      "condition_expression": "score < 60.0",
      "cooldown_seconds": 3600,
      "max_fires_per_day": 2,
      "actions": [
        {"action_type": "send_email", "provider": "email", "policy": "require_approval"}
      ]
    },
    {
      "id": "escalate",
      "priority": 9,
      "enabled": true,
      "match": {"event_types": ["champion_departure"]},
      "cooldown_seconds": 0,
      "max_fires_per_day": 1,
      "actions": [
        {"action_type": "notify_csm", "provider": "slack", "policy": "auto_approve"}
      ]
    }
  ]
}`

func writeBundle(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAllAndActiveRules(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "churn.json", validBundle)
	writeBundle(t, dir, "notes.txt", "not a bundle")

	loader := NewLoader(dir, mustEvaluator(t))
	if err := loader.LoadAll(); err != nil {
		t.Fatal(err)
	}

	active := loader.ActiveRules()
	if len(active) != 2 {
		t.Fatalf("expected 2 active rules, got %d", len(active))
	}
	// Priority descending.
	if active[0].ID != "escalate" || active[1].ID != "reach-out" {
		t.Fatalf("unexpected order: %s, %s", active[0].ID, active[1].ID)
	}
}

func TestLoadAllMissingDirIsEmpty(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent"), mustEvaluator(t))
	if err := loader.LoadAll(); err != nil {
		t.Fatal(err)
	}
	if got := len(loader.ActiveRules()); got != 0 {
		t.Fatalf("expected no rules, got %d", got)
	}
}

func TestLoadFileRejectsBadSchema(t *testing.T) {
	dir := t.TempDir()
	path := writeBundle(t, dir, "bad.json", `{"version": "1.0.0", "rules": []}`)

	loader := NewLoader(dir, mustEvaluator(t))
	if err := loader.LoadFile(path); err == nil {
		t.Fatal("expected schema rejection for missing name")
	}
}

func TestLoadFileRejectsBadVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeBundle(t, dir, "bad.json", `{"version": "not-semver", "name": "x", "rules": []}`)

	loader := NewLoader(dir, mustEvaluator(t))
	if err := loader.LoadFile(path); err == nil {
		t.Fatal("expected semver rejection")
	}
}

func TestLoadFileRejectsBadCondition(t *testing.T) {
	dir := t.TempDir()
	path := writeBundle(t, dir, "bad.json", `{
	  "version": "1.0.0",
	  "name": "x",
	  "rules": [{
	    "id": "r1", "enabled": true,
	    "match": {"event_types": ["score_drop"]},
	    "condition_expression": "score <",
	    "max_fires_per_day": 1,
	    "actions": [{"action_type": "send_email", "provider": "email", "policy": "auto_approve"}]
	  }]
	}`)

	loader := NewLoader(dir, mustEvaluator(t))
	if err := loader.LoadFile(path); err == nil {
		t.Fatal("expected CEL compile rejection at load time")
	}
}

func TestLoadFileInvokesOnReload(t *testing.T) {
	dir := t.TempDir()
	path := writeBundle(t, dir, "churn.json", validBundle)

	loader := NewLoader(dir, mustEvaluator(t))
	var reloaded *Bundle
	loader.OnReload(func(b *Bundle) { reloaded = b })

	if err := loader.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if reloaded == nil || reloaded.Name != "churn-response" {
		t.Fatalf("reload callback not invoked with the bundle: %+v", reloaded)
	}
}

func TestUpsertValidates(t *testing.T) {
	loader := NewLoader(t.TempDir(), mustEvaluator(t))

	err := loader.Upsert("main", contracts.TriggerRule{ID: "r1"})
	if !errors.Is(err, contracts.ErrRuleBadDailyCap) {
		t.Fatalf("expected daily-cap validation error, got %v", err)
	}

	rule := contracts.TriggerRule{
		ID:             "r1",
		Enabled:        true,
		Match:          contracts.MatchCriteria{EventTypes: []contracts.EventType{contracts.EventInactivity}},
		MaxFiresPerDay: 1,
		Actions: []contracts.ActionTemplate{
			{ActionType: "send_email", Provider: "email", Policy: contracts.PolicyAutoApprove},
		},
	}
	if err := loader.Upsert("main", rule); err != nil {
		t.Fatal(err)
	}
	if got := len(loader.ActiveRules()); got != 1 {
		t.Fatalf("expected 1 active rule, got %d", got)
	}

	// Replacing by ID must not duplicate.
	rule.Name = "updated"
	if err := loader.Upsert("main", rule); err != nil {
		t.Fatal(err)
	}
	active := loader.ActiveRules()
	if len(active) != 1 || active[0].Name != "updated" {
		t.Fatalf("upsert must replace in place: %+v", active)
	}
}

func TestDelete(t *testing.T) {
	loader := NewLoader(t.TempDir(), mustEvaluator(t))
	rule := contracts.TriggerRule{
		ID:             "r1",
		Enabled:        true,
		Match:          contracts.MatchCriteria{OnScoreChange: true},
		MaxFiresPerDay: 1,
		Actions: []contracts.ActionTemplate{
			{ActionType: "notify_csm", Provider: "slack", Policy: contracts.PolicyAutoApprove},
		},
	}
	if err := loader.Upsert("main", rule); err != nil {
		t.Fatal(err)
	}

	if !loader.Delete("main", "r1") {
		t.Fatal("delete must report success for an existing rule")
	}
	if loader.Delete("main", "r1") {
		t.Fatal("delete must report failure for a missing rule")
	}
	if got := len(loader.ActiveRules()); got != 0 {
		t.Fatalf("expected no active rules, got %d", got)
	}
}

func TestRuleValidation(t *testing.T) {
	base := contracts.TriggerRule{
		ID:             "r1",
		Match:          contracts.MatchCriteria{OnScoreChange: true},
		MaxFiresPerDay: 1,
		Actions: []contracts.ActionTemplate{
			{ActionType: "send_email", Provider: "email", Policy: contracts.PolicyAutoApprove},
		},
	}

	missing := base
	missing.ID = ""
	if err := missing.Validate(); !errors.Is(err, contracts.ErrRuleMissingID) {
		t.Fatalf("expected missing-id error, got %v", err)
	}

	negative := base
	negative.CooldownSeconds = -1
	if err := negative.Validate(); !errors.Is(err, contracts.ErrRuleBadCooldown) {
		t.Fatalf("expected cooldown error, got %v", err)
	}

	noActions := base
	noActions.Actions = nil
	if err := noActions.Validate(); !errors.Is(err, contracts.ErrRuleNoActions) {
		t.Fatalf("expected no-actions error, got %v", err)
	}

	badPolicy := base
	badPolicy.Actions = []contracts.ActionTemplate{{ActionType: "x", Policy: "sometimes"}}
	if err := badPolicy.Validate(); !errors.Is(err, contracts.ErrRuleBadPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}

	noCriteria := base
	noCriteria.Match = contracts.MatchCriteria{}
	if err := noCriteria.Validate(); !errors.Is(err, contracts.ErrRuleEmptyCriteria) {
		t.Fatalf("expected empty-criteria error, got %v", err)
	}
}
