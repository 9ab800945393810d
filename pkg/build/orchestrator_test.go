package build

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/indexforge/indexforge/pkg/db"
	"github.com/indexforge/indexforge/pkg/notify"
	"github.com/indexforge/indexforge/pkg/queue"
)

type recordingSender struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (s *recordingSender) Publish(msg notify.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSender) Close() {}

func (s *recordingSender) bySubject(subject string) []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Message
	for _, msg := range s.messages {
		if msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

const (
	testStateSubject = "indexforge.request.state"
	testBatchSubject = "indexforge.batch.state"
)

func testOrchestrator(t *testing.T, runner Runner, userLanes map[string]string) (*Orchestrator, *db.Repository, *recordingSender) {
	t.Helper()

	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	specs := map[string]queue.LaneSpec{
		"default":  {Mode: queue.ModeParallel},
		"serial-a": {Mode: queue.ModeSerial},
	}
	router, err := queue.NewRouter(specs, userLanes, "default", 4, 16)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	sender := &recordingSender{}
	return NewOrchestrator(repo, router, sender, runner, testStateSubject, testBatchSubject), repo, sender
}

func okRunner(ctx context.Context, req *db.Request, payload Payload, lane string) (*BuildResponse, error) {
	return &BuildResponse{Status: StateComplete}, nil
}

func validAddPayload() Payload {
	return Payload{
		Bundles:        []string{"quay.io/ns/etcd-bundle:v1"},
		FromIndex:      "quay.io/ns/index:v4.9",
		OutputRegistry: "registry.example.com/out",
	}
}

func TestSubmit_RejectsInvalidPayloadWithoutPersisting(t *testing.T) {
	o, repo, sender := testOrchestrator(t, okRunner, nil)
	defer o.Close()

	req := &db.Request{Type: TypeAddBundle, User: "osbs@example.com"}
	if err := o.Submit(context.Background(), req, Payload{}); err == nil {
		t.Fatal("expected a validation error")
	}

	requests, err := repo.ListRequests()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(requests) != 0 {
		t.Errorf("rejected submission persisted %d request(s)", len(requests))
	}
	if msgs := sender.bySubject(testStateSubject); len(msgs) != 0 {
		t.Errorf("rejected submission emitted %d notification(s)", len(msgs))
	}
}

func TestExecute_TerminalExactlyOnceWithNotifications(t *testing.T) {
	o, repo, sender := testOrchestrator(t, okRunner, nil)

	req := &db.Request{Type: TypeAddBundle, User: "osbs@example.com"}
	if err := o.Submit(context.Background(), req, validAddPayload()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Close()

	got, err := repo.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != db.StateComplete {
		t.Errorf("state = %q, want complete", got.State)
	}

	history, err := repo.StateHistory(req.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	terminal := 0
	for _, entry := range history {
		if entry.State == db.StateComplete || entry.State == db.StateFailed {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("history has %d terminal entries, want exactly 1", terminal)
	}

	msgs := sender.bySubject(testStateSubject)
	if len(msgs) != 2 {
		t.Fatalf("got %d state notifications, want 2 (admission + terminal)", len(msgs))
	}
	first := msgs[0].Body.(requestNotification)
	last := msgs[1].Body.(requestNotification)
	if first.State != db.StateInProgress || last.State != db.StateComplete {
		t.Errorf("notification states = %q, %q", first.State, last.State)
	}

	tags := msgs[1].Tags
	if tags["id"] != fmt.Sprintf("%d", req.ID) || tags["state"] != db.StateComplete || tags["user"] != req.User {
		t.Errorf("terminal notification tags = %v", tags)
	}
}

func TestExecute_FailureRecordsReason(t *testing.T) {
	failing := func(ctx context.Context, req *db.Request, payload Payload, lane string) (*BuildResponse, error) {
		return nil, fmt.Errorf("the bundle quay.io/ns/etcd-bundle:v1 was denied by the gating policy")
	}
	o, repo, _ := testOrchestrator(t, failing, nil)

	req := &db.Request{Type: TypeAddBundle, User: "osbs@example.com"}
	if err := o.Submit(context.Background(), req, validAddPayload()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Close()

	got, err := repo.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != db.StateFailed {
		t.Errorf("state = %q, want failed", got.State)
	}
	if got.StateReason == "" {
		t.Error("failed request has no state reason")
	}
}

// Two requests from a user mapped to a serial lane must run strictly
// one after the other, in submission order.
func TestSerialLane_RunsRequestsInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int64
	running := 0
	overlapped := false

	runner := func(ctx context.Context, req *db.Request, payload Payload, lane string) (*BuildResponse, error) {
		mu.Lock()
		running++
		if running > 1 {
			overlapped = true
		}
		order = append(order, req.ID)
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return &BuildResponse{}, nil
	}

	o, _, _ := testOrchestrator(t, runner, map[string]string{"serial@example.com": "serial-a"})

	var ids []int64
	for i := 0; i < 3; i++ {
		req := &db.Request{Type: TypeAddBundle, User: "serial@example.com"}
		if err := o.Submit(context.Background(), req, validAddPayload()); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, req.ID)
	}
	o.Close()

	mu.Lock()
	defer mu.Unlock()
	if overlapped {
		t.Error("serial lane ran two requests concurrently")
	}
	if len(order) != len(ids) {
		t.Fatalf("ran %d requests, want %d", len(order), len(ids))
	}
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("execution order %v, want %v", order, ids)
		}
	}
}

func TestBatch_AggregateNotificationOnlyOnChange(t *testing.T) {
	// First member succeeds, second fails. Run on a serial lane so the
	// aggregate transitions are deterministic.
	runner := func(ctx context.Context, req *db.Request, payload Payload, lane string) (*BuildResponse, error) {
		p, err := DecodePayload(req.Payload)
		if err != nil {
			return nil, err
		}
		if len(p.Operators) > 0 {
			return nil, fmt.Errorf("failed to remove %s", p.Operators[0])
		}
		return &BuildResponse{}, nil
	}
	o, repo, sender := testOrchestrator(t, runner, map[string]string{"batch@example.com": "serial-a"})

	batch := &db.Batch{User: "batch@example.com", Annotations: `{"ticket":"OSBS-1234"}`}
	members := []*db.Request{
		{Type: TypeAddBundle, User: "batch@example.com"},
		{Type: TypeRemoveOperator, User: "batch@example.com"},
	}
	payloads := []Payload{
		validAddPayload(),
		{Operators: []string{"etcd"}, FromIndex: "quay.io/ns/index:v4.9", OutputRegistry: "registry.example.com/out"},
	}
	if err := o.SubmitBatch(context.Background(), batch, members, payloads); err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	o.Close()

	state, err := repo.BatchState(batch.ID)
	if err != nil {
		t.Fatalf("batch state: %v", err)
	}
	if state != db.StateFailed {
		t.Errorf("aggregate state = %q, want failed", state)
	}

	msgs := sender.bySubject(testBatchSubject)
	if len(msgs) != 2 {
		t.Fatalf("got %d batch notifications, want 2 (in_progress then failed)", len(msgs))
	}
	first := msgs[0].Body.(batchNotification)
	last := msgs[1].Body.(batchNotification)
	if first.State != db.StateInProgress {
		t.Errorf("first batch notification state = %q", first.State)
	}
	if last.State != db.StateFailed {
		t.Errorf("last batch notification state = %q", last.State)
	}

	// The document carries the batch identity, its annotations and
	// every member request.
	if last.Batch != batch.ID || last.User != "batch@example.com" {
		t.Errorf("batch document = %+v", last)
	}
	if last.Annotations["ticket"] != "OSBS-1234" {
		t.Errorf("batch annotations = %v", last.Annotations)
	}
	if len(last.Requests) != 2 {
		t.Fatalf("batch document lists %d requests, want 2", len(last.Requests))
	}
	if last.Requests[0].ID != members[0].ID || last.Requests[0].RequestType != TypeAddBundle {
		t.Errorf("first member ref = %+v", last.Requests[0])
	}
	if last.Requests[1].RequestType != TypeRemoveOperator {
		t.Errorf("second member ref = %+v", last.Requests[1])
	}
	for _, msg := range msgs {
		want := map[string]string{
			"batch": fmt.Sprintf("%d", batch.ID),
			"state": msg.Body.(batchNotification).State,
			"user":  "batch@example.com",
		}
		for key, value := range want {
			if msg.Tags[key] != value {
				t.Errorf("batch tag %s = %q, want %q", key, msg.Tags[key], value)
			}
		}
	}

	stored, err := repo.GetBatch(batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if stored.LastNotifiedState != db.StateFailed {
		t.Errorf("last notified state = %q, want failed", stored.LastNotifiedState)
	}
}

func TestSubmitBatch_AnyInvalidMemberRejectsAll(t *testing.T) {
	o, repo, _ := testOrchestrator(t, okRunner, nil)
	defer o.Close()

	batch := &db.Batch{User: "batch@example.com"}
	members := []*db.Request{
		{Type: TypeAddBundle, User: "batch@example.com"},
		{Type: TypeRemoveOperator, User: "batch@example.com"},
	}
	payloads := []Payload{validAddPayload(), {}}

	if err := o.SubmitBatch(context.Background(), batch, members, payloads); err == nil {
		t.Fatal("expected the batch to be rejected")
	}
	requests, err := repo.ListRequests()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(requests) != 0 {
		t.Errorf("rejected batch persisted %d request(s)", len(requests))
	}
}

func TestUpdate_RejectedOnceTerminal(t *testing.T) {
	o, repo, _ := testOrchestrator(t, okRunner, nil)

	req := &db.Request{Type: TypeAddBundle, User: "osbs@example.com"}
	if err := o.Submit(context.Background(), req, validAddPayload()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Close()

	got, _ := repo.GetRequest(req.ID)
	if got.State != db.StateComplete {
		t.Fatalf("state = %q, want complete", got.State)
	}
	if err := o.Update(req.ID, Patch{StateReason: "late progress"}); err != db.ErrTerminal {
		t.Errorf("update on terminal request returned %v, want ErrTerminal", err)
	}
}

// A dequeued request the worker cannot load would otherwise sit
// in_progress forever; that is fatal to the worker.
func TestExecute_PanicsWhenOwnedRequestIsMissing(t *testing.T) {
	o, _, _ := testOrchestrator(t, okRunner, nil)
	defer o.Close()

	defer func() {
		if recover() == nil {
			t.Error("expected a panic when the owned request does not exist")
		}
	}()
	o.Execute(context.Background(), 9999)
}

// A second terminal transition is a programming error and must not be
// silently tolerated.
func TestExecute_PanicsOnDoubleTerminalTransition(t *testing.T) {
	o, repo, _ := testOrchestrator(t, okRunner, nil)
	defer o.Close()

	encoded, err := EncodePayload(validAddPayload())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req := &db.Request{Type: TypeAddBundle, User: "osbs@example.com", Payload: encoded}
	if err := repo.CreateRequest(req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.SetTerminal(req.ID, db.StateComplete, "done"); err != nil {
		t.Fatalf("set terminal: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected a panic on the second terminal transition")
		}
	}()
	o.Execute(context.Background(), req.ID)
}
