package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"deskwire/cmd/internal/archive"
	"deskwire/cmd/internal/realtime"
)

const (
	testChannelID   = "visitor-1"
	testChannelType = realtime.ChannelTypeVisitor
)

var baseTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedStore appends n messages one minute apart; message i has seq i and client msg no "c<i>".
func seedStore(t *testing.T, n int) *archive.MemoryStore {
	t.Helper()
	st := archive.NewMemoryStore()
	appendMessages(t, st, 1, n)
	return st
}

func appendMessages(t *testing.T, st archive.Store, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		_, err := st.Append(context.Background(), archive.AppendInput{
			ChannelID:   testChannelID,
			ChannelType: testChannelType,
			ClientMsgNo: fmt.Sprintf("c%d", i),
			FromUID:     "visitor",
			Payload:     realtime.TextPayload(fmt.Sprintf("message %d", i)),
			Now:         baseTime.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func msg(seq int64, id, no string) realtime.Message {
	return realtime.Message{
		ChannelID:   testChannelID,
		ChannelType: testChannelType,
		MessageID:   id,
		ClientMsgNo: no,
		MessageSeq:  seq,
	}
}

func entrySeqs(entries []Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message.MessageSeq)
	}
	return out
}

func assertAscending(t *testing.T, seqs []int64) {
	t.Helper()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not strictly ascending at %d: %v", i, seqs)
		}
	}
}

// gatedFetcher wraps a fetcher; while held, fetches block until released or canceled.
type gatedFetcher struct {
	inner realtime.HistoryFetcher

	mu      sync.Mutex
	gate    chan struct{}
	err     error
	calls   int
	started chan struct{}
}

func newGatedFetcher(inner realtime.HistoryFetcher) *gatedFetcher {
	return &gatedFetcher{inner: inner, started: make(chan struct{}, 16)}
}

func (g *gatedFetcher) hold() {
	g.mu.Lock()
	g.gate = make(chan struct{})
	g.mu.Unlock()
}

func (g *gatedFetcher) release() {
	g.mu.Lock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
	g.mu.Unlock()
}

func (g *gatedFetcher) fail(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func (g *gatedFetcher) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *gatedFetcher) FetchHistory(ctx context.Context, q realtime.HistoryQuery) (realtime.HistoryPage, error) {
	g.mu.Lock()
	g.calls++
	gate, err := g.gate, g.err
	g.mu.Unlock()

	if gate != nil {
		g.started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return realtime.HistoryPage{}, ctx.Err()
		}
	}
	if err != nil {
		return realtime.HistoryPage{}, err
	}
	return g.inner.FetchHistory(ctx, q)
}

func (g *gatedFetcher) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch did not start")
	}
}

type fakeSender struct {
	mu   sync.Mutex
	reqs []realtime.SendRequest
	err  error
	seq  int64
}

func (s *fakeSender) Send(_ context.Context, req realtime.SendRequest) (realtime.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	res := realtime.SendResult{ClientMsgNo: req.ClientMsgNo}
	if s.err != nil {
		return res, s.err
	}
	s.seq++
	res.MessageID = "m-" + req.ClientMsgNo
	res.MessageSeq = 1000 + s.seq
	res.ReasonCode = realtime.ReasonSuccess
	return res, nil
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSender) requests() []realtime.SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.SendRequest(nil), s.reqs...)
}

func newTestConversation(f realtime.HistoryFetcher, pageSize int) *Conversation {
	return NewConversation(testChannelID, testChannelType, f, Options{
		PageSize: pageSize,
		Logger:   discardLogger(),
		Now:      func() time.Time { return baseTime.Add(24 * time.Hour) },
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
