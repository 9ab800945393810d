package build

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/superfly/fsm"

	"github.com/indexforge/indexforge/pkg/db"
	"github.com/indexforge/indexforge/pkg/errors"
	"github.com/indexforge/indexforge/pkg/notify"
	"github.com/indexforge/indexforge/pkg/queue"
)

// Runner executes one admitted request to completion and returns its
// accumulated response. Injectable so the orchestrator can be tested
// without a live state machine.
type Runner func(ctx context.Context, req *db.Request, payload Payload, lane string) (*BuildResponse, error)

// Archiver stores build reports. Satisfied by *archive.Client.
type Archiver interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// FSMRunner builds the production runner: each request executes as one
// durable FSM run keyed by its request id.
func FSMRunner(manager *fsm.Manager, start fsm.Start[BuildRequest, BuildResponse]) Runner {
	return func(ctx context.Context, req *db.Request, payload Payload, lane string) (*BuildResponse, error) {
		breq := &BuildRequest{
			RequestID:    req.ID,
			Type:         req.Type,
			User:         req.User,
			Organization: req.Organization,
			Lane:         lane,
			Payload:      payload,
		}
		resp := &BuildResponse{}

		version, err := start(ctx, fmt.Sprintf("request-%d", req.ID), fsm.NewRequest(breq, resp))
		if err != nil {
			return nil, errors.Wrap(err, "FSM start failed")
		}
		slog.Info("fsm_started", "request_id", req.ID, "version", version)

		if err := manager.Wait(ctx, version); err != nil {
			return nil, err
		}
		return resp, nil
	}
}

// Orchestrator admits build requests, routes them to queue lanes, and
// owns the single terminal transition of every request.
type Orchestrator struct {
	repo     *db.Repository
	router   *queue.Router
	sender   notify.Sender
	runner   Runner
	archiver Archiver

	stateSubject string
	batchSubject string

	// Serializes batch aggregate recomputation so concurrent members
	// finishing together cannot double-notify one aggregate state.
	batchMu sync.Mutex
}

// NewOrchestrator creates an orchestrator. The archiver is optional.
func NewOrchestrator(
	repo *db.Repository,
	router *queue.Router,
	sender notify.Sender,
	runner Runner,
	stateSubject, batchSubject string,
) *Orchestrator {
	if sender == nil {
		sender = notify.NopSender{}
	}
	return &Orchestrator{
		repo:         repo,
		router:       router,
		sender:       sender,
		runner:       runner,
		stateSubject: stateSubject,
		batchSubject: batchSubject,
	}
}

// WithArchiver attaches a best-effort build report archive.
func (o *Orchestrator) WithArchiver(archiver Archiver) *Orchestrator {
	o.archiver = archiver
	return o
}

// Submit validates, persists and enqueues one request. The lane is
// resolved here, once, and never changes for the life of the request.
// Invalid payloads are rejected before anything is persisted.
func (o *Orchestrator) Submit(ctx context.Context, req *db.Request, payload Payload) error {
	if err := ValidatePayload(req.Type, payload); err != nil {
		return errors.Malformed(err)
	}

	encoded, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	req.Payload = encoded

	if err := o.repo.CreateRequest(req); err != nil {
		return err
	}

	lane := o.router.Route(req.User)
	slog.Info("request_admitted",
		"request_id", req.ID, "type", req.Type, "user", req.User, "lane", lane)
	o.notifyRequest(req)

	id := req.ID
	if err := o.router.Enqueue(lane, func() { o.Execute(context.Background(), id) }); err != nil {
		o.finish(req, db.StateFailed, fmt.Sprintf("failed to enqueue the request: %v", err))
		return err
	}
	return nil
}

// SubmitBatch admits a set of requests atomically: every payload must
// validate or the whole batch is rejected, and the batch row plus all
// member rows are created in one transaction.
func (o *Orchestrator) SubmitBatch(ctx context.Context, batch *db.Batch, members []*db.Request, payloads []Payload) error {
	if len(members) == 0 {
		return errors.Malformed(fmt.Errorf("a batch requires at least one request"))
	}
	if len(members) != len(payloads) {
		return fmt.Errorf("got %d members but %d payloads", len(members), len(payloads))
	}

	for i, member := range members {
		if err := ValidatePayload(member.Type, payloads[i]); err != nil {
			return errors.Malformed(fmt.Errorf("batch member %d: %w", i, err))
		}
		encoded, err := EncodePayload(payloads[i])
		if err != nil {
			return err
		}
		member.Payload = encoded
	}

	if err := o.repo.CreateBatch(batch, members); err != nil {
		return err
	}

	for _, member := range members {
		lane := o.router.Route(member.User)
		slog.Info("batch_member_admitted",
			"batch_id", batch.ID, "request_id", member.ID, "type", member.Type, "lane", lane)
		o.notifyRequest(member)

		id := member.ID
		if err := o.router.Enqueue(lane, func() { o.Execute(context.Background(), id) }); err != nil {
			o.finish(member, db.StateFailed, fmt.Sprintf("failed to enqueue the request: %v", err))
		}
	}
	return nil
}

// Execute runs one admitted request through the runner and performs its
// terminal transition. The worker owns the request once it is dequeued;
// a request it cannot even load would be stuck in_progress forever, so
// that is fatal to the worker, not something to log and skip.
func (o *Orchestrator) Execute(ctx context.Context, id int64) {
	req, err := o.repo.GetRequest(id)
	if err != nil {
		slog.Error("request_load_failed", "request_id", id, "error", err)
		panic(fmt.Sprintf("request %d: failed to load the owned request: %v", id, err))
	}
	if req == nil {
		slog.Error("request_not_found", "request_id", id)
		panic(fmt.Sprintf("request %d: the queue references a request that does not exist", id))
	}

	payload, err := DecodePayload(req.Payload)
	if err != nil {
		o.finish(req, db.StateFailed, err.Error())
		return
	}

	lane := o.router.Route(req.User)
	resp, runErr := o.runner(ctx, req, payload, lane)
	if runErr != nil {
		slog.Error("request_failed", "request_id", id, "error", runErr)
		o.finish(req, db.StateFailed, runErr.Error())
		return
	}

	reason := "the request completed successfully"
	if req.Type == TypeRecursiveRelatedBundles {
		reason = fmt.Sprintf("found %d related bundle(s)", len(resp.RelatedBundles))
	}
	o.finish(req, db.StateComplete, reason)
	o.archiveReport(ctx, req, resp)
}

// Patch is a caller-supplied update to an in-progress request.
type Patch struct {
	StateReason string
	IndexImage  string
}

// Update applies a progress patch. Patches against a terminal request
// are rejected with db.ErrTerminal.
func (o *Orchestrator) Update(id int64, patch Patch) error {
	if patch.StateReason != "" {
		if err := o.repo.AppendState(id, patch.StateReason); err != nil {
			return err
		}
	}
	if patch.IndexImage != "" {
		if err := o.repo.SetIndexImage(id, patch.IndexImage); err != nil {
			return err
		}
	}
	return nil
}

// Close stops admission and waits for every queued request to finish.
func (o *Orchestrator) Close() {
	o.router.Close()
	o.sender.Close()
}

// finish performs the single terminal transition and emits the
// state-change notifications. A conflicting transition means two
// executions raced on one request, which the lane routing is supposed
// to make impossible; that is a programming error, not a runtime
// condition to tolerate.
func (o *Orchestrator) finish(req *db.Request, state, reason string) {
	if err := o.repo.SetTerminal(req.ID, state, reason); err != nil {
		if err == db.ErrTerminal {
			slog.Error("terminal_transition_conflict", "request_id", req.ID, "state", state)
			panic(fmt.Sprintf("request %d: second terminal transition to %s", req.ID, state))
		}
		slog.Error("terminal_transition_failed", "request_id", req.ID, "error", err)
		return
	}

	req.State = state
	req.StateReason = reason
	o.notifyRequest(req)

	if req.BatchID != 0 {
		o.notifyBatchIfChanged(req.BatchID)
	}
}

type requestNotification struct {
	RequestID   int64  `json:"request_id"`
	BatchID     int64  `json:"batch_id,omitempty"`
	Type        string `json:"type"`
	User        string `json:"user"`
	State       string `json:"state"`
	StateReason string `json:"state_reason,omitempty"`
	IndexImage  string `json:"index_image,omitempty"`
}

func (o *Orchestrator) notifyRequest(req *db.Request) {
	tags := map[string]string{
		"id":    fmt.Sprintf("%d", req.ID),
		"state": req.State,
		"user":  req.User,
	}
	if req.BatchID != 0 {
		tags["batch"] = fmt.Sprintf("%d", req.BatchID)
	}

	o.sender.Publish(notify.Message{
		Subject: o.stateSubject,
		Body: requestNotification{
			RequestID:   req.ID,
			BatchID:     req.BatchID,
			Type:        req.Type,
			User:        req.User,
			State:       req.State,
			StateReason: req.StateReason,
			IndexImage:  req.IndexImage,
		},
		Tags: tags,
	})
}

type batchMemberRef struct {
	ID           int64  `json:"id"`
	Organization string `json:"organization,omitempty"`
	RequestType  string `json:"request_type"`
}

type batchNotification struct {
	Annotations map[string]string `json:"annotations,omitempty"`
	Batch       int64             `json:"batch"`
	Requests    []batchMemberRef  `json:"requests"`
	State       string            `json:"state"`
	User        string            `json:"user"`
}

// notifyBatchIfChanged recomputes the derived batch state and emits a
// batch notification only when the aggregate actually changed. The
// document carries the batch annotations and every member request.
func (o *Orchestrator) notifyBatchIfChanged(batchID int64) {
	o.batchMu.Lock()
	defer o.batchMu.Unlock()

	state, err := o.repo.BatchState(batchID)
	if err != nil {
		slog.Error("batch_state_derivation_failed", "batch_id", batchID, "error", err)
		return
	}
	batch, err := o.repo.GetBatch(batchID)
	if err != nil || batch == nil {
		slog.Error("batch_load_failed", "batch_id", batchID, "error", err)
		return
	}
	if state == batch.LastNotifiedState {
		return
	}

	members, err := o.repo.BatchMembers(batchID)
	if err != nil {
		slog.Error("batch_members_load_failed", "batch_id", batchID, "error", err)
		return
	}
	requests := make([]batchMemberRef, 0, len(members))
	for _, member := range members {
		requests = append(requests, batchMemberRef{
			ID:           member.ID,
			Organization: member.Organization,
			RequestType:  member.Type,
		})
	}

	var annotations map[string]string
	if batch.Annotations != "" {
		if err := json.Unmarshal([]byte(batch.Annotations), &annotations); err != nil {
			slog.Warn("batch_annotations_malformed", "batch_id", batchID, "error", err)
		}
	}

	o.sender.Publish(notify.Message{
		Subject: o.batchSubject,
		Body: batchNotification{
			Annotations: annotations,
			Batch:       batchID,
			Requests:    requests,
			State:       state,
			User:        batch.User,
		},
		Tags: map[string]string{
			"batch": fmt.Sprintf("%d", batchID),
			"state": state,
			"user":  batch.User,
		},
	})
	if err := o.repo.MarkBatchNotified(batchID, state); err != nil {
		slog.Error("batch_notify_mark_failed", "batch_id", batchID, "error", err)
	}
}

type buildReport struct {
	RequestID         int64    `json:"request_id"`
	Type              string   `json:"type"`
	State             string   `json:"state"`
	IndexImage        string   `json:"index_image,omitempty"`
	ResolvedBundles   []string `json:"resolved_bundles,omitempty"`
	RelatedBundles    []string `json:"related_bundles,omitempty"`
	Arches            []string `json:"arches,omitempty"`
	DistributionScope string   `json:"distribution_scope,omitempty"`
}

// archiveReport uploads the build report. Failures are logged and
// swallowed; the archive never changes a request's outcome.
func (o *Orchestrator) archiveReport(ctx context.Context, req *db.Request, resp *BuildResponse) {
	if o.archiver == nil || resp == nil {
		return
	}

	body, err := json.Marshal(buildReport{
		RequestID:         req.ID,
		Type:              req.Type,
		State:             req.State,
		IndexImage:        resp.IndexImage,
		ResolvedBundles:   resp.ResolvedBundles,
		RelatedBundles:    resp.RelatedBundles,
		Arches:            resp.Arches,
		DistributionScope: resp.DistributionScope,
	})
	if err != nil {
		slog.Warn("build_report_encode_failed", "request_id", req.ID, "error", err)
		return
	}

	key := fmt.Sprintf("reports/%d.json", req.ID)
	if err := o.archiver.Upload(ctx, key, body); err != nil {
		slog.Warn("build_report_archive_failed", "request_id", req.ID, "error", err)
	}
}
