package conflict

import (
	"sort"

	"github.com/loykin/dbwarden/internal/instance"
)

// Group is a set of declared instances all claiming the same port within one
// bulk-start request. Groups require explicit user arbitration: one winner
// runs, the rest are excluded from the batch.
type Group struct {
	Port    int
	Records []instance.Record
}

// PartitionBulk splits the selected instance ids into instances that can start
// without arbitration and conflict groups. Unknown ids are ignored. Output
// ordering is deterministic: proceed keeps selection order, groups are sorted
// by port.
func PartitionBulk(roster *instance.Roster, ids []string) (proceed []instance.Record, groups []Group) {
	byPort := make(map[int][]instance.Record)
	var order []instance.Record
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		rec, ok := roster.ByID(id)
		if !ok {
			continue
		}
		byPort[rec.Port] = append(byPort[rec.Port], rec)
		order = append(order, rec)
	}

	for _, rec := range order {
		if len(byPort[rec.Port]) == 1 {
			proceed = append(proceed, rec)
		}
	}
	for port, recs := range byPort {
		if len(recs) > 1 {
			groups = append(groups, Group{Port: port, Records: recs})
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Port < groups[j].Port })
	return proceed, groups
}

// ResolveGroup applies the user's arbitration: the winner joins the batch, the
// rest of its group stay excluded. A winner not in the group yields nothing.
func ResolveGroup(g Group, winnerID string) (instance.Record, bool) {
	for _, rec := range g.Records {
		if rec.ID == winnerID {
			return rec, true
		}
	}
	return instance.Record{}, false
}
