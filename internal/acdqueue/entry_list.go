package acdqueue

// insertEntry splices e into the queue's singly linked waiting list,
// immediately after the last existing entry with priority >= e.Priority,
// then renumbers positions from 1 during the same pass.
// Callers must hold q.mu.
func (q *Queue) insertEntry(e *Entry) {
	e.OrigPosition = q.waitingCount + 1

	if q.head == nil || e.Priority > q.head.Priority {
		e.next = q.head
		q.head = e
	} else {
		cur := q.head
		for cur.next != nil && cur.next.Priority >= e.Priority {
			cur = cur.next
		}
		e.next = cur.next
		cur.next = e
	}
	q.waitingCount++
	q.renumber()
}

// leaveEntry removes e from the waiting list by channel ID, renumbers the
// remaining entries, and reports whether it was found. Callers must hold
// q.mu.
func (q *Queue) leaveEntry(channelID string) (*Entry, bool) {
	var prev *Entry
	cur := q.head
	for cur != nil {
		if cur.ChannelID == channelID {
			if prev == nil {
				q.head = cur.next
			} else {
				prev.next = cur.next
			}
			cur.next = nil
			q.waitingCount--
			q.renumber()
			return cur, true
		}
		prev = cur
		cur = cur.next
	}
	return nil, false
}

// renumber walks the list from head, setting pos to the 1-based index.
// Callers must hold q.mu.
func (q *Queue) renumber() {
	pos := 1
	for cur := q.head; cur != nil; cur = cur.next {
		cur.Position = pos
		pos++
	}
}

// entries returns a snapshot slice of the waiting list in head-to-tail
// order. Callers must hold at least a read lock on q.mu.
func (q *Queue) entries() []*Entry {
	out := make([]*Entry, 0, q.waitingCount)
	for cur := q.head; cur != nil; cur = cur.next {
		out = append(out, cur)
	}
	return out
}

// Join inserts e into the queue's waiting list, stamping its queue name and
// (if unset) its start time.
func (q *Queue) Join(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.QueueName = q.Name
	e.StartTime = nonZeroOrNow(e.StartTime)
	q.insertEntry(e)
}

// Leave removes the entry identified by channelID. If the queue is marked
// dead and now empty, the caller is responsible for asking the Store to
// unlink it.
func (q *Queue) Leave(channelID string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.leaveEntry(channelID)
}

// EntriesSnapshot returns a head-to-tail snapshot of waiting entries.
func (q *Queue) EntriesSnapshot() []*Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.entries()
}

// DeadAndEmpty reports whether the queue is marked dead and has no waiters,
// i.e. it is eligible for removal from the store.
func (q *Queue) DeadAndEmpty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.Flags.Dead && q.waitingCount == 0
}
