package domain

// ReadingQueue is the ordered list of participants waiting to read.
// A participant appears at most once; the current reader is never queued.
// Every mutation returns a new full queue so callers always broadcast
// complete state, never deltas.
type ReadingQueue []ParticipantID

func (q ReadingQueue) Contains(id ParticipantID) bool {
	for _, pid := range q {
		if pid == id {
			return true
		}
	}
	return false
}

// Position returns the 1-based queue position, or 0 when absent.
func (q ReadingQueue) Position(id ParticipantID) int {
	for i, pid := range q {
		if pid == id {
			return i + 1
		}
	}
	return 0
}

func (q ReadingQueue) Add(id ParticipantID) ReadingQueue {
	if q.Contains(id) {
		return q
	}
	out := make(ReadingQueue, len(q), len(q)+1)
	copy(out, q)
	return append(out, id)
}

func (q ReadingQueue) Remove(id ParticipantID) ReadingQueue {
	out := make(ReadingQueue, 0, len(q))
	for _, pid := range q {
		if pid != id {
			out = append(out, pid)
		}
	}
	return out
}

// Pop takes the next reader off the front. The zero ID means empty.
func (q ReadingQueue) Pop() (ParticipantID, ReadingQueue) {
	if len(q) == 0 {
		return "", q
	}
	next := q[0]
	rest := make(ReadingQueue, len(q)-1)
	copy(rest, q[1:])
	return next, rest
}

func (q ReadingQueue) Strings() []string {
	out := make([]string, len(q))
	for i, pid := range q {
		out[i] = string(pid)
	}
	return out
}

func QueueFromStrings(ids []string) ReadingQueue {
	out := make(ReadingQueue, 0, len(ids))
	for _, id := range ids {
		pid := ParticipantID(id)
		if !out.Contains(pid) {
			out = append(out, pid)
		}
	}
	return out
}
