package history

import "deskwire/cmd/internal/realtime"

// keySet is the membership set of both identifier kinds.
type keySet map[string]struct{}

func (k keySet) add(m realtime.Message) {
	if m.MessageID != "" {
		k["id:"+m.MessageID] = struct{}{}
	}
	if m.ClientMsgNo != "" {
		k["no:"+m.ClientMsgNo] = struct{}{}
	}
}

func (k keySet) has(m realtime.Message) bool {
	if m.MessageID != "" {
		if _, ok := k["id:"+m.MessageID]; ok {
			return true
		}
	}
	if m.ClientMsgNo != "" {
		if _, ok := k["no:"+m.ClientMsgNo]; ok {
			return true
		}
	}
	return false
}

// Merge renders historical (oldest first) followed by the live messages that
// historical does not already contain. A live message matching a historical
// one on either its message id or its client msg no is dropped.
//
// Live messages are not interleaved by time: a live message older than the
// historical tail still renders after it.
func Merge(historical, live []realtime.Message) []Entry {
	out := make([]Entry, 0, len(historical)+len(live))
	seen := make(keySet, 2*len(historical))

	for _, m := range historical {
		seen.add(m)
		out = append(out, Entry{Key: entryKey(m), Source: SourceHistory, Message: m})
	}
	for _, m := range live {
		if seen.has(m) {
			continue
		}
		out = append(out, Entry{Key: entryKey(m), Source: SourceLive, Message: m})
	}
	return out
}
