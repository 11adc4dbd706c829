// ABOUTME: Dependency-ordered, batch-limited selection of queued operations for one agent
// ABOUTME: Pure function: eligibility propagation, Kahn ordering by creation time, prefix truncation

package operation

import (
	"container/heap"

	"github.com/2389/edge-c2/internal/store"
)

// Unbounded disables the batch limit.
const Unbounded = -1

// Selected is an operation chosen for delivery along with the dependencies
// that remain relevant to the agent: only ids of operations earlier in the same batch.
type Selected struct {
	Operation    *store.Operation
	Dependencies []string
}

type mark uint8

const (
	unvisited mark = iota
	visiting
	eligible
	excluded
)

// Select computes the operations to deliver next.
//
// queued holds the agent's QUEUED operations; anything else in it is ignored.
// known holds the states of dependency ids that are not in queued. A dependency
// is satisfied when it is COMPLETED (it is then pruned from the wire list) or
// when it is itself an eligible queued operation (it is then retained). Every
// other case, including unknown ids and cycles, excludes the operation and all
// of its dependents.
//
// The result is topologically ordered with ties broken by creation time. At most
// maxBatch operations are returned; a prefix of a topological order always
// contains the dependencies of its members, so truncation never leaves a
// dependency behind. maxBatch == 0 returns nothing, Unbounded returns everything.
func Select(queued []*store.Operation, known map[string]store.OperationState, maxBatch int) []Selected {
	if maxBatch == 0 || len(queued) == 0 {
		return []Selected{}
	}

	byID := make(map[string]*store.Operation, len(queued))
	for _, op := range queued {
		if op.State == store.OperationQueued {
			byID[op.ID] = op
		}
	}

	marks := make(map[string]mark, len(byID))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch marks[id] {
		case eligible:
			return true
		case excluded, visiting:
			// visiting means we walked back into our own dependency chain
			return false
		}

		marks[id] = visiting
		ok := true
		for _, dep := range byID[id].Dependencies {
			if _, isQueued := byID[dep]; isQueued {
				if !visit(dep) {
					ok = false
					break
				}
				continue
			}
			if known[dep] != store.OperationCompleted {
				ok = false
				break
			}
		}

		if ok {
			marks[id] = eligible
		} else {
			marks[id] = excluded
		}
		return ok
	}

	for id := range byID {
		visit(id)
	}

	// Kahn's algorithm over the eligible subgraph
	inDegree := make(map[string]int)
	dependents := make(map[string][]string)
	retained := make(map[string][]string)
	for id, op := range byID {
		if marks[id] != eligible {
			continue
		}
		inDegree[id] += 0
		seen := make(map[string]struct{}, len(op.Dependencies))
		for _, dep := range op.Dependencies {
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			if marks[dep] != eligible {
				// completed dependency, pruned
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
			retained[id] = append(retained[id], dep)
		}
	}

	ready := &readyQueue{}
	for id, degree := range inDegree {
		if degree == 0 {
			heap.Push(ready, byID[id])
		}
	}

	limit := len(inDegree)
	if maxBatch > 0 && maxBatch < limit {
		limit = maxBatch
	}

	result := make([]Selected, 0, limit)
	for ready.Len() > 0 && len(result) < limit {
		op := heap.Pop(ready).(*store.Operation)

		deps := retained[op.ID]
		if deps == nil {
			deps = []string{}
		}
		result = append(result, Selected{Operation: op, Dependencies: deps})

		for _, next := range dependents[op.ID] {
			inDegree[next]--
			if inDegree[next] == 0 {
				heap.Push(ready, byID[next])
			}
		}
	}

	return result
}

// readyQueue orders operations whose dependencies are all placed, oldest first.
type readyQueue []*store.Operation

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if !q[i].CreatedAt.Equal(q[j].CreatedAt) {
		return q[i].CreatedAt.Before(q[j].CreatedAt)
	}
	return q[i].ID < q[j].ID
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*store.Operation)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return op
}
