package schedule

import "time"

// pendingQueues holds one FIFO per priority level. Level index 0 serves
// priority 1, the highest. All access is guarded by the scheduler mutex.
type pendingQueues struct {
	levels [][]*Payload
	count  int
}

func newPendingQueues(maxPriority uint32) *pendingQueues {
	return &pendingQueues{levels: make([][]*Payload, maxPriority)}
}

func (q *pendingQueues) push(p *Payload) {
	idx := int(p.priority) - 1
	q.levels[idx] = append(q.levels[idx], p)
	q.count++
}

func (q *pendingQueues) len() int { return q.count }

// highest returns the lowest-numbered non-empty priority queue.
func (q *pendingQueues) highest() []*Payload {
	for _, level := range q.levels {
		if len(level) > 0 {
			return level
		}
	}
	return nil
}

// removeHead removes the first n payloads of the highest non-empty queue.
func (q *pendingQueues) removeHead(n int) {
	for idx, level := range q.levels {
		if len(level) == 0 {
			continue
		}
		remaining := make([]*Payload, len(level)-n)
		copy(remaining, level[n:])
		q.levels[idx] = remaining
		q.count -= n
		return
	}
}

// sweepExpired removes every payload whose queue deadline has passed,
// preserving FIFO order among survivors.
func (q *pendingQueues) sweepExpired(now time.Time) []*Payload {
	var expired []*Payload
	for idx, level := range q.levels {
		kept := level[:0]
		for _, p := range level {
			if !p.deadline.IsZero() && !p.deadline.After(now) {
				expired = append(expired, p)
				continue
			}
			kept = append(kept, p)
		}
		q.levels[idx] = kept
	}
	q.count -= len(expired)
	return expired
}

// nextDeadline returns the earliest queue deadline among pending payloads.
func (q *pendingQueues) nextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, level := range q.levels {
		for _, p := range level {
			if p.deadline.IsZero() {
				continue
			}
			if !found || p.deadline.Before(earliest) {
				earliest = p.deadline
				found = true
			}
		}
	}
	return earliest, found
}

// drain removes and returns every pending payload.
func (q *pendingQueues) drain() []*Payload {
	var all []*Payload
	for idx, level := range q.levels {
		all = append(all, level...)
		q.levels[idx] = nil
	}
	q.count = 0
	return all
}
