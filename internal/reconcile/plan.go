package reconcile

import (
	"fmt"
	"sort"

	"github.com/vdavid/ticketdesk/internal/db"
)

// Group is a set of duplicate tickets: the earliest is kept, the rest are deleted.
type Group struct {
	Key    string   `json:"key"`
	Keep   string   `json:"keep"`
	Delete []string `json:"delete"`
}

// Plan is the read-only outcome of both reconciliation passes.
type Plan struct {
	SourceMessageGroups []Group  `json:"source_message_groups"`
	HeuristicGroups     []Group  `json:"heuristic_groups"`
	Delete              []string `json:"delete"`
}

// Summary is the operator-facing view of a plan.
type Summary struct {
	SourceMessageDuplicateGroups int `json:"source_message_duplicate_groups"`
	HeuristicDuplicateGroups     int `json:"heuristic_duplicate_groups"`
	TicketsToDelete              int `json:"tickets_to_delete"`
}

func (p Plan) Summary() Summary {
	return Summary{
		SourceMessageDuplicateGroups: len(p.SourceMessageGroups),
		HeuristicDuplicateGroups:     len(p.HeuristicGroups),
		TicketsToDelete:              len(p.Delete),
	}
}

// BuildPlan groups candidates by source message id (pass A) and, for tickets without one,
// by fingerprint (pass B). Within a group the ticket created first is kept, ties broken by
// the lower ticket id.
func BuildPlan(candidates []db.DuplicateCandidate) Plan {
	ordered := append([]db.DuplicateCandidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.TicketID < b.TicketID
	})

	bySource := newGrouper()
	byFingerprint := newGrouper()
	for _, c := range ordered {
		if c.SourceMessageID != nil {
			bySource.add(*c.SourceMessageID, c.TicketID)
			continue
		}
		if fp, ok := FingerprintOf(c); ok {
			key := fmt.Sprintf("%s|%s|%s|%016x|%d", fp.Sender, fp.Queue, fp.Subject, fp.BodyHash, fp.Bucket)
			byFingerprint.add(key, c.TicketID)
		}
	}

	plan := Plan{
		SourceMessageGroups: bySource.duplicates(),
		HeuristicGroups:     byFingerprint.duplicates(),
	}
	plan.Delete = mergeDeletes(plan.SourceMessageGroups, plan.HeuristicGroups)
	return plan
}

// mergeDeletes returns the union of every group's deletions minus any ticket some group keeps.
func mergeDeletes(passes ...[]Group) []string {
	keep := make(map[string]bool)
	del := make(map[string]bool)
	for _, groups := range passes {
		for _, g := range groups {
			keep[g.Keep] = true
			for _, id := range g.Delete {
				del[id] = true
			}
		}
	}

	out := make([]string, 0, len(del))
	for id := range del {
		if !keep[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// grouper collects ticket ids per key in insertion order.
type grouper struct {
	keys []string
	ids  map[string][]string
}

func newGrouper() *grouper {
	return &grouper{ids: make(map[string][]string)}
}

func (g *grouper) add(key, ticketID string) {
	if _, ok := g.ids[key]; !ok {
		g.keys = append(g.keys, key)
	}
	g.ids[key] = append(g.ids[key], ticketID)
}

func (g *grouper) duplicates() []Group {
	var groups []Group
	for _, key := range g.keys {
		ids := g.ids[key]
		if len(ids) < 2 {
			continue
		}
		groups = append(groups, Group{
			Key:    key,
			Keep:   ids[0],
			Delete: append([]string(nil), ids[1:]...),
		})
	}
	return groups
}
