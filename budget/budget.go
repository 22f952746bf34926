// Package budget tracks the estimated and actual cost of a run against a ceiling.
package budget

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mykhaliev/agent-e2e/logger"
	"github.com/mykhaliev/agent-e2e/model"
)

// Presets are convenience budgets selectable by name.
var Presets = map[string]int{
	"minimal":  5_000,
	"quick":    20_000,
	"standard": 100_000,
	"full":     500_000,
}

const DefaultPreset = "standard"

// ParseBudget accepts either a preset name or a positive integer.
func ParseBudget(value string) (int, error) {
	value = strings.TrimSpace(value)
	if units, ok := Presets[strings.ToLower(value)]; ok {
		return units, nil
	}
	units, err := strconv.Atoi(strings.ReplaceAll(value, "_", ""))
	if err != nil {
		return 0, fmt.Errorf("invalid budget %q: expected a number or one of %s", value, strings.Join(PresetNames(), ", "))
	}
	if units <= 0 {
		return 0, fmt.Errorf("budget must be positive, got %d", units)
	}
	return units, nil
}

// PresetNames returns preset names ordered by size.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return Presets[names[i]] < Presets[names[j]] })
	return names
}

// Tracker is an append-only ledger of test costs. Used units only grow
// until Reset, so once over budget it stays over budget.
type Tracker struct {
	mu     sync.Mutex
	budget int
	used   int
	ledger []model.LedgerEntry
}

func NewTracker(budgetUnits int) *Tracker {
	return &Tracker{budget: budgetUnits}
}

// CanProceed reports whether a test with the given estimate fits in the remaining budget.
func (t *Tracker) CanProceed(estimatedUnits int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used+estimatedUnits <= t.budget
}

// Record charges one attempted test. actualUnits, when non-nil, replaces the
// estimate. Negative costs are charged as zero so usage never decreases.
func (t *Tracker) Record(name string, estimatedUnits int, actualUnits *int) {
	charged := estimatedUnits
	if actualUnits != nil {
		charged = *actualUnits
	}
	charged = max(charged, 0)

	t.mu.Lock()
	t.ledger = append(t.ledger, model.LedgerEntry{
		Name:            name,
		EstimatedUnits:  estimatedUnits,
		ActualUnits:     actualUnits,
		UnitsChargedFor: charged,
	})
	t.used += charged
	used, budget := t.used, t.budget
	t.mu.Unlock()

	logger.Logger.Debug("Recorded test cost",
		"test", name,
		"estimated", estimatedUnits,
		"charged", charged,
		"used", used,
		"budget", budget)
}

func (t *Tracker) IsOverBudget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used > t.budget
}

func (t *Tracker) SetBudget(budgetUnits int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budget = budgetUnits
}

// Reset clears the ledger and used units; the budget is kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used = 0
	t.ledger = nil
}

func (t *Tracker) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

func (t *Tracker) Budget() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.budget
}

// Report snapshots the ledger.
func (t *Tracker) Report() model.TokenUsageReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]model.LedgerEntry, len(t.ledger))
	copy(entries, t.ledger)

	remaining := t.budget - t.used
	if remaining < 0 {
		remaining = 0
	}
	return model.TokenUsageReport{
		Budget:     t.budget,
		Used:       t.used,
		Remaining:  remaining,
		OverBudget: t.used > t.budget,
		Entries:    entries,
	}
}
