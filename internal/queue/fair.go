package queue

import (
	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

// unknownOwner groups jobs whose scan could not be resolved.
var unknownOwner = uuid.Nil

// FairOrder interleaves jobs round-robin across their owners: every owner's
// first job, then every owner's second job, and so on, until limit jobs are
// selected or all owners are exhausted. Owners take turns in the order they
// first appear in jobs, and each owner's jobs keep their relative order.
// It also returns the number of distinct owners seen.
func FairOrder(jobs []*models.Job, owners map[uuid.UUID]uuid.UUID, limit int) ([]*models.Job, int) {
	var order []uuid.UUID
	groups := make(map[uuid.UUID][]*models.Job)
	for _, j := range jobs {
		owner, ok := owners[j.ScanID]
		if !ok {
			owner = unknownOwner
		}
		if _, seen := groups[owner]; !seen {
			order = append(order, owner)
		}
		groups[owner] = append(groups[owner], j)
	}

	if limit <= 0 {
		return nil, len(order)
	}

	selected := make([]*models.Job, 0, min(limit, len(jobs)))
	for round := 0; len(selected) < limit; round++ {
		progressed := false
		for _, owner := range order {
			if len(selected) >= limit {
				break
			}
			if q := groups[owner]; round < len(q) {
				selected = append(selected, q[round])
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return selected, len(order)
}
