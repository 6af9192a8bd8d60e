package history

import (
	"sort"

	"deskwire/cmd/internal/realtime"
)

// Window is the paged historical portion of a conversation. Messages are
// kept ascending by MessageSeq with no two entries sharing a sequence.
type Window struct {
	msgs []realtime.Message

	HasMoreOlder bool
	HasMoreNewer bool
}

// Messages returns a copy of the window, oldest first.
func (w *Window) Messages() []realtime.Message {
	return append([]realtime.Message(nil), w.msgs...)
}

// Len reports the number of messages in the window.
func (w *Window) Len() int { return len(w.msgs) }

// OldestSeq returns the smallest sequence held, or 0 when empty.
func (w *Window) OldestSeq() int64 {
	if len(w.msgs) == 0 {
		return 0
	}
	return w.msgs[0].MessageSeq
}

// NewestSeq returns the largest sequence held, or 0 when empty.
func (w *Window) NewestSeq() int64 {
	if len(w.msgs) == 0 {
		return 0
	}
	return w.msgs[len(w.msgs)-1].MessageSeq
}

// Reset replaces the window with one page.
func (w *Window) Reset(page realtime.HistoryPage, hasMoreOlder, hasMoreNewer bool) {
	w.msgs = nil
	w.merge(page.Messages)
	w.HasMoreOlder = hasMoreOlder
	w.HasMoreNewer = hasMoreNewer
}

// Prepend merges an older page; its More flag drives HasMoreOlder.
func (w *Window) Prepend(page realtime.HistoryPage) int {
	n := w.merge(page.Messages)
	w.HasMoreOlder = page.More
	return n
}

// Append merges a newer page; its More flag drives HasMoreNewer.
func (w *Window) Append(page realtime.HistoryPage) int {
	n := w.merge(page.Messages)
	w.HasMoreNewer = page.More
	return n
}

// Clear empties the window.
func (w *Window) Clear() {
	*w = Window{}
}

// merge unions msgs into the window by sequence and returns how many were added.
// Messages without a sequence cannot be placed and are skipped; for a
// sequence already present the existing message is kept.
func (w *Window) merge(msgs []realtime.Message) int {
	added := 0
	for _, m := range msgs {
		if m.MessageSeq <= 0 {
			continue
		}
		i := sort.Search(len(w.msgs), func(i int) bool { return w.msgs[i].MessageSeq >= m.MessageSeq })
		if i < len(w.msgs) && w.msgs[i].MessageSeq == m.MessageSeq {
			continue
		}
		w.msgs = append(w.msgs, realtime.Message{})
		copy(w.msgs[i+1:], w.msgs[i:])
		w.msgs[i] = m
		added++
	}
	return added
}
