package action

import (
	"container/heap"
	"sort"
)

// actionQueue is a min-heap ordered by (Priority, Seq).
type actionQueue []Action

func (q actionQueue) Len() int { return len(q) }

func (q actionQueue) Less(i, j int) bool { return before(q[i], q[j]) }

func (q actionQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *actionQueue) Push(x any) { *q = append(*q, x.(Action)) }

func (q *actionQueue) Pop() any {
	old := *q
	n := len(old)
	a := old[n-1]
	old[n-1] = Action{}
	*q = old[:n-1]
	return a
}

func before(a, b Action) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

func (q *actionQueue) push(a Action) { heap.Push(q, a) }

func (q *actionQueue) pop() (Action, bool) {
	if q.Len() == 0 {
		return Action{}, false
	}
	return heap.Pop(q).(Action), true
}

// sorted returns a copy in dispatch order.
func (q actionQueue) sorted() []Action {
	out := make([]Action, len(q))
	copy(out, q)
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}
