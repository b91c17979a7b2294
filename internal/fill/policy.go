// Package fill decides what executes within one bar: which orders trigger,
// in what sequence, and at what price.
package fill

import (
	"fmt"
	"sort"

	"github.com/amirphl/trend-sim/internal/order"
)

// PathPolicy fixes the evaluation order among orders triggerable within the
// same bar. Daily bars do not record the intrabar path, so the policy is an
// assumption, not an observation; WorstCase is the default because research
// results should not depend on an optimistic tiebreak.
type PathPolicy int8

const (
	PathWorstCase     PathPolicy = iota // exits resolve before targets
	PathBestCase                        // targets resolve before exits
	PathDeterministic                   // neutral: nearest trigger to the open first
)

func (p PathPolicy) String() string {
	switch p {
	case PathBestCase:
		return "best-case"
	case PathDeterministic:
		return "deterministic"
	default:
		return "worst-case"
	}
}

// ParsePathPolicy maps a config string to a policy.
func ParsePathPolicy(s string) (PathPolicy, error) {
	switch s {
	case "worst-case", "":
		return PathWorstCase, nil
	case "best-case":
		return PathBestCase, nil
	case "deterministic":
		return PathDeterministic, nil
	default:
		return PathWorstCase, fmt.Errorf("unknown path policy %q", s)
	}
}

// PriorityPolicy breaks ties among orders the path policy considers equal.
type PriorityPolicy int8

const (
	PriorityFIFO   PriorityPolicy = iota // oldest order id first
	PriorityNewest                       // newest order id first
)

func (p PriorityPolicy) String() string {
	if p == PriorityNewest {
		return "newest"
	}
	return "fifo"
}

// ParsePriorityPolicy maps a config string to a policy.
func ParsePriorityPolicy(s string) (PriorityPolicy, error) {
	switch s {
	case "fifo", "":
		return PriorityFIFO, nil
	case "newest":
		return PriorityNewest, nil
	default:
		return PriorityFIFO, fmt.Errorf("unknown priority policy %q", s)
	}
}

// candidate is one triggerable order plus its resolved fill terms.
type candidate struct {
	ord      order.Order
	price    float64
	gapped   bool
	exit     bool    // adverse resolution (stop leg), as opposed to a target
	dist     float64 // |trigger - open|, used by the neutral path
	fillable bool    // stop-limits may trigger without being fillable
}

// orderCandidates sorts triggerable orders per the configured policies. The
// sort is fully deterministic: every comparison bottoms out at the order id.
func orderCandidates(cands []candidate, path PathPolicy, prio PriorityPolicy) {
	less := func(i, j int) bool {
		a, b := cands[i], cands[j]
		switch path {
		case PathWorstCase:
			if a.exit != b.exit {
				return a.exit
			}
		case PathBestCase:
			if a.exit != b.exit {
				return !a.exit
			}
		}
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if prio == PriorityNewest {
			return a.ord.ID > b.ord.ID
		}
		return a.ord.ID < b.ord.ID
	}
	sort.SliceStable(cands, less)
}
