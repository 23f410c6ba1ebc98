package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Cobalt-dev/mail-dispatch-infra/internal/filter"
)

type fakeCheckpoints struct {
	mu      sync.Mutex
	cursors map[string]string
	saves   int
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{cursors: make(map[string]string)}
}

func (f *fakeCheckpoints) Load(_ context.Context, accountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[accountID], nil
}

func (f *fakeCheckpoints) Save(_ context.Context, accountID, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[accountID] = cursor
	f.saves++
	return nil
}

func (f *fakeCheckpoints) cursor(accountID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[accountID]
}

// fakeProvider serves deltas keyed by the cursor they start from.
type fakeProvider struct {
	mu         sync.Mutex
	current    string
	deltas     map[string]*Delta
	deltaErr   error
	messages   map[string]*Message
	fetchFails map[string]int // remaining failures per message id
}

func newFakeProvider(current string) *fakeProvider {
	return &fakeProvider{
		current:    current,
		deltas:     make(map[string]*Delta),
		messages:   make(map[string]*Message),
		fetchFails: make(map[string]int),
	}
}

func (f *fakeProvider) addMessage(id string, labels ...string) {
	f.messages[id] = &Message{ID: id, Labels: labels, Raw: []byte(fmt.Sprintf(`{"id":%q}`, id))}
}

func (f *fakeProvider) CurrentCursor(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeProvider) ChangesSince(_ context.Context, cursor string) (*Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deltaErr != nil {
		return nil, f.deltaErr
	}
	if d, ok := f.deltas[cursor]; ok {
		return d, nil
	}
	return &Delta{Cursor: cursor}, nil
}

func (f *fakeProvider) FetchMessage(_ context.Context, id string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchFails[id] > 0 {
		f.fetchFails[id]--
		return nil, errors.New("fetch boom")
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, errors.New("no such message")
	}
	return msg, nil
}

func (f *fakeProvider) ListRecent(_ context.Context, max int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.messages {
		if len(ids) == max {
			break
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// collectSink records dispatched message ids and can fail selected ones.
type collectSink struct {
	mu      sync.Mutex
	got     []string
	counts  map[string]int
	failIDs map[string]bool
}

func newCollectSink() *collectSink {
	return &collectSink{counts: make(map[string]int), failIDs: make(map[string]bool)}
}

func (s *collectSink) sink(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIDs[msg.ID] {
		return errors.New("publish boom")
	}
	s.got = append(s.got, msg.ID)
	s.counts[msg.ID]++
	return nil
}

func testEngine(cp CheckpointStore, labels ...string) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(cp, filter.New(labels), 3, time.Millisecond, logger)
}

func TestFirstSyncBootstrapsCheckpoint(t *testing.T) {
	cp := newFakeCheckpoints()
	p := newFakeProvider("500")
	e := testEngine(cp)
	s := newCollectSink()

	out, err := e.Sync(context.Background(), "acct-1", "gmail", "", p, s.sink)
	if err != nil {
		t.Fatalf("bootstrap sync failed: %v", err)
	}
	if !out.Bootstrapped {
		t.Fatalf("expected bootstrap outcome")
	}
	if out.MessagesFound != 0 || out.TasksSent != 0 {
		t.Fatalf("bootstrap must not dispatch, got found=%d sent=%d", out.MessagesFound, out.TasksSent)
	}
	if cp.cursor("acct-1") != "500" {
		t.Fatalf("expected checkpoint 500, got %q", cp.cursor("acct-1"))
	}

	// A second sync immediately after yields zero new messages.
	out2, err := e.Sync(context.Background(), "acct-1", "gmail", "", p, s.sink)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if out2.Bootstrapped || out2.MessagesFound != 0 {
		t.Fatalf("second sync should be an empty incremental sync, got %+v", out2)
	}
}

func TestFirstSyncPrefersNotificationHint(t *testing.T) {
	cp := newFakeCheckpoints()
	p := newFakeProvider("999")
	e := testEngine(cp)

	_, err := e.Sync(context.Background(), "acct-1", "gmail", "123", p, newCollectSink().sink)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if cp.cursor("acct-1") != "123" {
		t.Fatalf("expected hint cursor 123, got %q", cp.cursor("acct-1"))
	}
}

func TestSyncDispatchesPendingInOrder(t *testing.T) {
	cp := newFakeCheckpoints()
	cp.cursors["acct-1"] = "100"

	p := newFakeProvider("103")
	p.addMessage("m1")
	p.addMessage("m2")
	p.deltas["100"] = &Delta{
		Refs:   []MessageRef{{ID: "m1", Cursor: "101"}, {ID: "m2", Cursor: "102"}},
		Cursor: "103",
	}

	e := testEngine(cp)
	s := newCollectSink()

	out, err := e.Sync(context.Background(), "acct-1", "gmail", "", p, s.sink)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if out.MessagesFound != 2 || out.TasksSent != 2 {
		t.Fatalf("expected 2 found / 2 sent, got %d / %d", out.MessagesFound, out.TasksSent)
	}
	if len(s.got) != 2 || s.got[0] != "m1" || s.got[1] != "m2" {
		t.Fatalf("expected provider order [m1 m2], got %v", s.got)
	}
	if cp.cursor("acct-1") != "103" {
		t.Fatalf("expected checkpoint 103, got %q", cp.cursor("acct-1"))
	}
	if cp.saves != 1 {
		t.Fatalf("checkpoint must advance exactly once, saved %d times", cp.saves)
	}
}

func TestSyncDeduplicatesWithinBatch(t *testing.T) {
	cp := newFakeCheckpoints()
	cp.cursors["acct-1"] = "100"

	p := newFakeProvider("103")
	p.addMessage("m1")
	p.deltas["100"] = &Delta{
		Refs:   []MessageRef{{ID: "m1"}, {ID: "m1"}, {ID: "m1"}},
		Cursor: "103",
	}

	e := testEngine(cp)
	s := newCollectSink()

	out, err := e.Sync(context.Background(), "acct-1", "gmail", "", p, s.sink)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if out.MessagesFound != 1 || s.counts["m1"] != 1 {
		t.Fatalf("expected one deduplicated dispatch, got found=%d dispatched=%d", out.MessagesFound, s.counts["m1"])
	}
}

func TestHistoryExpiredResetsCheckpointWithoutError(t *testing.T) {
	cp := newFakeCheckpoints()
	cp.cursors["acct-1"] = "10"

	p := newFakeProvider("800")
	p.deltaErr = fmt.Errorf("%w: start id 10", ErrHistoryExpired)

	e := testEngine(cp)
	s := newCollectSink()

	out, err := e.Sync(context.Background(), "acct-1", "gmail", "", p, s.sink)
	if err != nil {
		t.Fatalf("gap condition must not be an error: %v", err)
	}
	if !out.Resync {
		t.Fatalf("expected resync outcome")
	}
	if out.MessagesFound != 0 {
		t.Fatalf("resync must report zero messages, got %d", out.MessagesFound)
	}
	if cp.cursor("acct-1") != "800" {
		t.Fatalf("expected checkpoint reset to 800, got %q", cp.cursor("acct-1"))
	}
}

func TestTransientFailureLeavesCheckpointUntouched(t *testing.T) {
	cp := newFakeCheckpoints()
	cp.cursors["acct-1"] = "100"

	p := newFakeProvider("103")
	p.deltaErr = errors.New("connection reset")

	e := testEngine(cp)

	_, err := e.Sync(context.Background(), "acct-1", "gmail", "", p, newCollectSink().sink)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if cp.cursor("acct-1") != "100" {
		t.Fatalf("checkpoint must stay at 100, got %q", cp.cursor("acct-1"))
	}
}

func TestFetchFailureSkipsMessageButNotSiblings(t *testing.T) {
	cp := newFakeCheckpoints()
	cp.cursors["acct-1"] = "100"

	p := newFakeProvider("103")
	p.addMessage("m2")
	// m1 fails more times than the engine retries
	p.fetchFails["m1"] = 10
	p.deltas["100"] = &Delta{
		Refs:   []MessageRef{{ID: "m1"}, {ID: "m2"}},
		Cursor: "103",
	}

	e := testEngine(cp)
	s := newCollectSink()

	out, err := e.Sync(context.Background(), "acct-1", "gmail", "", p, s.sink)
	if err != nil {
		t.Fatalf("fetch failure must not fail the batch: %v", err)
	}
	if out.Missed != 1 || out.TasksSent != 1 {
		t.Fatalf("expected 1 missed / 1 sent, got %d / %d", out.Missed, out.TasksSent)
	}
	if cp.cursor("acct-1") != "103" {
		t.Fatalf("checkpoint should still advance, got %q", cp.cursor("acct-1"))
	}
}

func TestFetchRetriesEventuallySucceed(t *testing.T) {
	cp := newFakeCheckpoints()
	cp.cursors["acct-1"] = "100"

	p := newFakeProvider("103")
	p.addMessage("m1")
	p.fetchFails["m1"] = 2 // third attempt succeeds
	p.deltas["100"] = &Delta{Refs: []MessageRef{{ID: "m1"}}, Cursor: "103"}

	e := testEngine(cp)
	s := newCollectSink()

	out, err := e.Sync(context.Background(), "acct-1", "gmail", "", p, s.sink)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if out.TasksSent != 1 || out.Missed != 0 {
		t.Fatalf("expected retried fetch to succeed, got %+v", out)
	}
}

func TestPublishFailureHoldsCheckpointBack(t *testing.T) {
	cp := newFakeCheckpoints()
	cp.cursors["acct-1"] = "100"

	p := newFakeProvider("103")
	p.addMessage("m1")
	p.addMessage("m2")
	p.deltas["100"] = &Delta{
		Refs:   []MessageRef{{ID: "m1"}, {ID: "m2"}},
		Cursor: "103",
	}

	e := testEngine(cp)
	s := newCollectSink()
	s.failIDs["m1"] = true

	out, err := e.Sync(context.Background(), "acct-1", "gmail", "", p, s.sink)
	if !errors.Is(err, ErrDispatchIncomplete) {
		t.Fatalf("expected ErrDispatchIncomplete, got %v", err)
	}
	if out.TasksSent != 1 {
		t.Fatalf("sibling m2 should still dispatch, sent=%d", out.TasksSent)
	}
	if cp.cursor("acct-1") != "100" {
		t.Fatalf("checkpoint must not advance past a failed batch, got %q", cp.cursor("acct-1"))
	}
}

func TestFilterDropsNonMatchingMessages(t *testing.T) {
	cp := newFakeCheckpoints()
	cp.cursors["acct-1"] = "100"

	p := newFakeProvider("103")
	p.addMessage("m1", "IMPORTANT")
	p.addMessage("m2", "CATEGORY_PROMOTIONS")
	p.deltas["100"] = &Delta{
		Refs:   []MessageRef{{ID: "m1"}, {ID: "m2"}},
		Cursor: "103",
	}

	e := testEngine(cp, "IMPORTANT", "STARRED")
	s := newCollectSink()

	out, err := e.Sync(context.Background(), "acct-1", "gmail", "", p, s.sink)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if out.TasksSent != 1 || out.Filtered != 1 {
		t.Fatalf("expected 1 sent / 1 filtered, got %d / %d", out.TasksSent, out.Filtered)
	}
	if len(s.got) != 1 || s.got[0] != "m1" {
		t.Fatalf("expected only m1 dispatched, got %v", s.got)
	}
}

func TestManualDispatchLeavesCheckpointAlone(t *testing.T) {
	cp := newFakeCheckpoints()
	cp.cursors["acct-1"] = "100"

	p := newFakeProvider("103")
	p.addMessage("m9")

	e := testEngine(cp)
	s := newCollectSink()

	out, err := e.Dispatch(context.Background(), "acct-1", "gmail", []string{"m9"}, p, s.sink)
	if err != nil {
		t.Fatalf("manual dispatch failed: %v", err)
	}
	if out.TasksSent != 1 {
		t.Fatalf("expected 1 task sent, got %d", out.TasksSent)
	}
	if cp.cursor("acct-1") != "100" || cp.saves != 0 {
		t.Fatalf("manual dispatch must not touch the checkpoint")
	}
}

func TestConcurrentSyncsSerializePerAccount(t *testing.T) {
	cp := newFakeCheckpoints()
	cp.cursors["acct-1"] = "100"

	p := newFakeProvider("103")
	p.addMessage("m1")
	p.addMessage("m2")
	p.deltas["100"] = &Delta{
		Refs:   []MessageRef{{ID: "m1"}, {ID: "m2"}},
		Cursor: "103",
	}
	// From 103 there is nothing new; the second sync must observe this.

	e := testEngine(cp)
	s := newCollectSink()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Sync(context.Background(), "acct-1", "gmail", "", p, s.sink)
			if err != nil {
				t.Errorf("concurrent sync failed: %v", err)
			}
		}()
	}
	wg.Wait()

	for id, n := range s.counts {
		if n != 1 {
			t.Fatalf("message %s dispatched %d times; the same id must never be claimed twice", id, n)
		}
	}
	if len(s.counts) != 2 {
		t.Fatalf("expected both messages dispatched exactly once, got %v", s.counts)
	}
	if cp.cursor("acct-1") != "103" {
		t.Fatalf("final checkpoint should reflect the union of both syncs, got %q", cp.cursor("acct-1"))
	}
}
