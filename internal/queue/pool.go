package queue

import (
	"github.com/google/uuid"
	"github.com/kiranshivaraju/scopelens/pkg/models"
)

// accountPool hands out processing accounts for one invocation. Load starts
// from the live processing counts and grows with each assignment; it is never
// shared between invocations.
type accountPool struct {
	accounts []*models.Account
	load     map[uuid.UUID]int
	cursor   int
}

func newAccountPool(active []*models.Account, load map[uuid.UUID]int) *accountPool {
	p := &accountPool{load: make(map[uuid.UUID]int, len(load))}
	for id, n := range load {
		p.load[id] = n
	}
	for _, a := range active {
		if p.load[a.ID] < a.MaxConcurrent {
			p.accounts = append(p.accounts, a)
		}
	}
	return p
}

// empty reports whether no account had spare capacity at the start.
func (p *accountPool) empty() bool {
	return len(p.accounts) == 0
}

// slots is the total spare capacity across available accounts.
func (p *accountPool) slots() int {
	n := 0
	for _, a := range p.accounts {
		n += a.MaxConcurrent - p.load[a.ID]
	}
	return n
}

// next assigns one unit of load to the first account in order that still has
// capacity. It returns false once every account is full.
func (p *accountPool) next() (*models.Account, bool) {
	for p.cursor < len(p.accounts) {
		a := p.accounts[p.cursor]
		if p.load[a.ID] < a.MaxConcurrent {
			p.load[a.ID]++
			return a, true
		}
		p.cursor++
	}
	return nil, false
}
