package changelog

import "context"

// Session buffers appends so a caller can stage change-log entries while a
// business transaction is in flight and flush them only after it commits.
//
// Commit writes everything in one transaction; Close without Commit
// discards the buffer. Both are safe to call more than once.
type Session struct {
	log     *Log
	pending []Pending
	done    bool
}

// Session opens a buffering session on the log.
func (l *Log) Session() *Session {
	return &Session{log: l}
}

// Append buffers an entry. No validation happens until Commit.
func (s *Session) Append(table, recordID string, op Operation) {
	if s.done {
		return
	}
	s.pending = append(s.pending, Pending{TableName: table, RecordID: recordID, Operation: op})
}

// Len returns the number of buffered entries.
func (s *Session) Len() int {
	return len(s.pending)
}

// Commit flushes the buffer in one transaction and closes the session.
func (s *Session) Commit(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	entries := s.pending
	s.pending = nil
	return s.log.AppendBatch(ctx, entries)
}

// Close discards any unflushed entries.
func (s *Session) Close() {
	s.done = true
	s.pending = nil
}
