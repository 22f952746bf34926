package engine

import (
	"fmt"
	"io"
	"strings"

	"github.com/mykhaliev/agent-e2e/model"
)

type CategoryPlan struct {
	Category       string
	Tests          int
	Selected       int
	EstimatedUnits int
}

// Plan estimates the cost of one suite without running anything.
type Plan struct {
	Categories     []CategoryPlan
	Suites         int
	EstimatedUnits int // per suite
	Budget         int
}

// TotalUnits is the estimate across every suite.
func (p Plan) TotalUnits() int {
	return p.EstimatedUnits * p.Suites
}

// BuildPlan applies quick mode to the fixtures and sums their estimates.
func BuildPlan(fixtures []model.TestFixture, suites int, budgetUnits int, quick bool) Plan {
	plan := Plan{Suites: suites, Budget: budgetUnits}
	for _, fx := range fixtures {
		cp := CategoryPlan{Category: fx.Category, Tests: len(fx.Tests)}
		for i, tc := range fx.Tests {
			if quick && i > 0 {
				break
			}
			cp.Selected++
			cp.EstimatedUnits += tc.EstimatedUnits()
		}
		plan.EstimatedUnits += cp.EstimatedUnits
		plan.Categories = append(plan.Categories, cp)
	}
	return plan
}

func PrintPlan(w io.Writer, plan Plan) {
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintf(w, "  %-24s %8s %8s %12s\n", "Category", "Tests", "Run", "Est. units")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, c := range plan.Categories {
		fmt.Fprintf(w, "  %-24s %8d %8d %12d\n", c.Category, c.Tests, c.Selected, c.EstimatedUnits)
	}
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintf(w, "  Per suite: %d units, %d suites, %d total (budget %d)\n",
		plan.EstimatedUnits, plan.Suites, plan.TotalUnits(), plan.Budget)
	if plan.TotalUnits() > plan.Budget {
		fmt.Fprintln(w, skippedText("  Budget is lower than the estimate; later tests will be skipped"))
	}
	fmt.Fprintln(w, strings.Repeat("=", 60))
}
