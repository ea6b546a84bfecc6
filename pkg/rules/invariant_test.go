package rules

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/attunehq/pulse/pkg/contracts"
)

// Whatever the evaluation timing looks like, fire records must respect
// the rule's cooldown and daily cap.
func TestFireThrottlingInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("fires honor cooldown and daily cap", prop.ForAll(
		func(offsets []int64, cooldownSeconds int64, dailyCap int) bool {
			rule := contracts.TriggerRule{
				ID:              "r1",
				Enabled:         true,
				Match:           contracts.MatchCriteria{EventTypes: []contracts.EventType{contracts.EventScoreDrop}},
				CooldownSeconds: cooldownSeconds,
				MaxFiresPerDay:  dailyCap,
				Actions: []contracts.ActionTemplate{
					{ActionType: "send_email", Provider: "email", Policy: contracts.PolicyAutoApprove},
				},
			}
			fires := NewMemoryFireRecordStore()
			engine := NewEngine(&staticSource{rules: []contracts.TriggerRule{rule}},
				mustEvaluator(t), fires)

			base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
			now := base
			engine.WithClock(func() time.Time { return now })

			sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

			var fireTimes []time.Time
			for i, off := range offsets {
				now = base.Add(time.Duration(off) * time.Second)
				reqs, err := engine.Evaluate(context.Background(), Input{
					SubjectID: "S1",
					Event: &contracts.DetectedEvent{
						ID:        "ev",
						SubjectID: "S1",
						Type:      contracts.EventScoreDrop,
						Severity:  contracts.SeverityHigh,
					},
				})
				if err != nil {
					t.Logf("evaluation %d: %v", i, err)
					return false
				}
				if len(reqs) > 0 {
					fireTimes = append(fireTimes, now)
				}
			}

			perDay := make(map[time.Time]int)
			for i, ft := range fireTimes {
				if i > 0 && ft.Sub(fireTimes[i-1]) < rule.Cooldown() {
					return false
				}
				day := ft.Truncate(24 * time.Hour)
				perDay[day]++
				if perDay[day] > rule.MaxFiresPerDay {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(30, gen.Int64Range(0, 3*86400)),
		gen.Int64Range(0, 7200),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
