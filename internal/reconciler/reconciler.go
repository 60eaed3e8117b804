// Package reconciler keeps a client's optimistic view of one project board.
//
// Local mutations are applied immediately and recorded as pending until the
// server acknowledges or rejects them. Broadcast events are applied in
// sequence order; an event touching a task with a pending mutation waits
// until that mutation resolves. Every operation is a pure update of the
// in-memory table, so the package has no transport or rendering concerns.
package reconciler

import (
	"cmp"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
	"github.com/thenoetrevino/boardsync/internal/position"
)

// DefaultTimeout bounds how long a mutation may wait for its acknowledgment
const DefaultTimeout = 10 * time.Second

// Status reports what the reconciler did with its input
type Status int

const (
	StatusApplied    Status = iota // event applied to local state
	StatusDeferred                 // event held behind a pending mutation
	StatusDuplicate                // event at or below the last seen sequence
	StatusGap                      // sequence skipped; resync needed
	StatusConfirmed                // ack matched the optimistic guess
	StatusCorrected                // ack differed; authoritative state written
	StatusRolledBack               // mutation undone
	StatusUnknown                  // ack for no pending mutation
	StatusIgnored                  // input for another project
)

var statusNames = map[Status]string{
	StatusApplied:    "applied",
	StatusDeferred:   "deferred",
	StatusDuplicate:  "duplicate",
	StatusGap:        "gap",
	StatusConfirmed:  "confirmed",
	StatusCorrected:  "corrected",
	StatusRolledBack: "rolled_back",
	StatusUnknown:    "unknown",
	StatusIgnored:    "ignored",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "invalid"
}

// Result describes the outcome of one reconciler call
type Result struct {
	Status        Status
	CorrelationID string
	Sequence      int64
	TaskIDs       []string
	Err           *events.Error // set when a mutation was rolled back
}

// ErrOtherProject is returned by Apply for an intent aimed at a different
// board.
var ErrOtherProject = errors.New("intent is for another project")

// pending is a mutation sent to the server and not yet resolved. before
// holds the state of every task the optimistic apply changed; a nil entry
// means the task did not exist.
type pending struct {
	intent   events.Intent
	at       time.Time
	deadline time.Time
	before   map[string]*models.Task
	after    map[string]*models.Task
}

func (p *pending) touches(ids []string) bool {
	for _, id := range ids {
		if _, ok := p.before[id]; ok {
			return true
		}
	}
	return false
}

func (p *pending) taskIDs() []string {
	return slices.Sorted(maps.Keys(p.before))
}

// Reconciler is the snapshot and pending-mutation table for one project
type Reconciler struct {
	mu        sync.Mutex
	projectID string
	alloc     position.Allocator
	timeout   time.Duration

	seq      int64 // last contiguous sequence received
	base     int64 // sequence of the last snapshot; floor for every task version
	lists    map[string]models.List
	tasks    map[string]models.Task
	versions map[string]int64 // task id -> sequence of its authoritative state
	pending  []*pending
	deferred []events.Event
	resync   bool
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithAllocator sets the allocator used to predict positions. It should
// match the server's gap so predictions agree with acknowledgments.
func WithAllocator(a position.Allocator) Option {
	return func(r *Reconciler) { r.alloc = a }
}

// WithTimeout sets how long a pending mutation may wait for its ack
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates an empty reconciler for a project. It needs a snapshot or a
// replay through ApplySync before it reflects the board.
func New(projectID string, opts ...Option) *Reconciler {
	r := &Reconciler{
		projectID: projectID,
		alloc:     position.New(position.DefaultGap),
		timeout:   DefaultTimeout,
		lists:     make(map[string]models.List),
		tasks:     make(map[string]models.Task),
		versions:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProjectID returns the board this reconciler tracks
func (r *Reconciler) ProjectID() string { return r.projectID }

// ============================================================================
// LOCAL MUTATIONS
// ============================================================================

// Apply predicts the outcome of in, applies it to local state and records
// it as pending. The returned intent carries the correlation id (generated
// when empty) and, for creates, the task id the server must use; send that
// one. An intent that cannot apply locally is returned as an error and
// nothing is recorded.
func (r *Reconciler) Apply(in events.Intent, now time.Time) (events.Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.ProjectID == "" {
		in.ProjectID = r.projectID
	}
	if in.ProjectID != r.projectID {
		return in, ErrOtherProject
	}
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}
	if r.find(in.CorrelationID) >= 0 {
		return in, events.Errorf(events.CodeInvalid, "correlation id %s is already pending", in.CorrelationID)
	}

	in, err := normalize(in)
	if err != nil {
		return in, err
	}

	p := &pending{intent: in, at: now, deadline: now.Add(r.timeout)}
	if err := r.predict(p); err != nil {
		return in, err
	}
	r.pending = append(r.pending, p)
	return in, nil
}

// normalize fills in the ids the server must reuse so optimistic and
// confirmed state name the same task.
func normalize(in events.Intent) (events.Intent, error) {
	if in.Action != events.ActionCreateTask {
		return in, nil
	}
	var p events.CreateTaskPayload
	if err := in.Decode(&p); err != nil {
		return in, err
	}
	if p.TaskID != "" {
		in.EntityID = p.TaskID
		return in, nil
	}
	p.TaskID = uuid.NewString()
	out, err := events.NewIntent(in.Action, in.ProjectID, p.TaskID, in.CorrelationID, p)
	if err != nil {
		return in, events.Errorf(events.CodeInvalid, "encode create payload: %v", err)
	}
	return out, nil
}

// predict computes the optimistic result of p.intent against current state,
// captures the before image and writes the result.
func (r *Reconciler) predict(p *pending) error {
	changes, err := r.changes(p.intent, p.at)
	if err != nil {
		return err
	}

	p.before = make(map[string]*models.Task, len(changes))
	p.after = make(map[string]*models.Task, len(changes))
	for id, next := range changes {
		if t, ok := r.tasks[id]; ok {
			prev := t.Clone()
			p.before[id] = &prev
		} else {
			p.before[id] = nil
		}
		if next == nil {
			delete(r.tasks, id)
			p.after[id] = nil
			continue
		}
		r.tasks[id] = next.Clone()
		after := next.Clone()
		p.after[id] = &after
	}
	return nil
}

// changes maps every task the intent would touch to its new state; nil
// means deleted.
func (r *Reconciler) changes(in events.Intent, now time.Time) (map[string]*models.Task, error) {
	switch in.Action {
	case events.ActionCreateTask:
		var p events.CreateTaskPayload
		if err := in.Decode(&p); err != nil {
			return nil, err
		}
		if _, ok := r.lists[p.ListID]; !ok {
			return nil, events.Errorf(events.CodeConflict, "list %s does not exist", p.ListID)
		}
		if _, ok := r.tasks[p.TaskID]; ok {
			return nil, events.Errorf(events.CodeConflict, "task %s already exists", p.TaskID)
		}
		index := len(r.keyed(p.ListID, ""))
		if p.Index != nil {
			index = *p.Index
		}
		task := models.Task{
			ID:          p.TaskID,
			ProjectID:   r.projectID,
			ListID:      p.ListID,
			Title:       p.Title,
			Description: p.Description,
			Status:      cmp.Or(p.Status, models.StatusTodo),
			Priority:    cmp.Or(p.Priority, models.PriorityMedium),
			AssigneeIDs: slices.Clone(p.AssigneeIDs),
			WatcherIDs:  slices.Clone(p.WatcherIDs),
			DueDate:     p.DueDate,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return r.placeTask(task, index)

	case events.ActionMoveTask:
		var p events.MoveTaskPayload
		if err := in.Decode(&p); err != nil {
			return nil, err
		}
		task, err := r.existing(in.EntityID)
		if err != nil {
			return nil, err
		}
		if _, ok := r.lists[p.ListID]; !ok {
			return nil, events.Errorf(events.CodeConflict, "list %s does not exist", p.ListID)
		}
		task.ListID = p.ListID
		task.UpdatedAt = now
		return r.placeTask(task, p.Index)

	case events.ActionUpdateTask:
		var p events.UpdateTaskPayload
		if err := in.Decode(&p); err != nil {
			return nil, err
		}
		if p.Empty() {
			return nil, events.Errorf(events.CodeInvalid, "update changes nothing")
		}
		task, err := r.existing(in.EntityID)
		if err != nil {
			return nil, err
		}
		p.Apply(&task)
		task.UpdatedAt = now
		return map[string]*models.Task{task.ID: &task}, nil

	case events.ActionDeleteTask:
		if _, err := r.existing(in.EntityID); err != nil {
			return nil, err
		}
		return map[string]*models.Task{in.EntityID: nil}, nil

	case events.ActionCreateComment:
		// comments are not part of board state; the task only has to exist
		if _, err := r.existing(in.EntityID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return nil, events.Errorf(events.CodeInvalid, "%q is not a board mutation", in.Action)
}

func (r *Reconciler) existing(id string) (models.Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return models.Task{}, events.Errorf(events.CodeNotFound, "task %s not found", id)
	}
	return t.Clone(), nil
}

// placeTask positions task at index in its list the way the server would,
// including any renumbering of the list.
func (r *Reconciler) placeTask(task models.Task, index int) (map[string]*models.Task, error) {
	placement, err := r.alloc.Place(r.keyed(task.ListID, task.ID), index, task.ID)
	if errors.Is(err, position.ErrIndexOutOfRange) {
		return nil, events.Errorf(events.CodeConflict, "index %d is out of range for list %s", index, task.ListID)
	}
	if err != nil {
		return nil, err
	}

	task.Position = placement.Key
	out := map[string]*models.Task{task.ID: &task}
	for id, key := range placement.Renumbered {
		if id == task.ID {
			continue
		}
		t := r.tasks[id].Clone()
		t.Position = key
		out[id] = &t
	}
	return out, nil
}

// ============================================================================
// SERVER INPUT
// ============================================================================

// Acknowledge resolves the pending mutation named by the ack. A success
// writes the authoritative event over the optimistic guess; an error
// restores the captured state.
func (r *Reconciler) Acknowledge(ack events.Ack) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.find(ack.CorrelationID)
	if idx < 0 {
		// late ack after a timeout rolled the mutation back
		if ack.Event != nil && ack.Event.ProjectID == r.projectID {
			res := r.receive(*ack.Event)
			res.CorrelationID = ack.CorrelationID
			return res
		}
		return Result{Status: StatusUnknown, CorrelationID: ack.CorrelationID, Sequence: ack.Sequence}
	}

	p := r.pending[idx]
	if ack.Error != nil {
		r.rollback(idx)
		r.flush()
		return Result{
			Status:        StatusRolledBack,
			CorrelationID: ack.CorrelationID,
			TaskIDs:       p.taskIDs(),
			Err:           ack.Error,
		}
	}

	res := Result{Status: StatusConfirmed, CorrelationID: ack.CorrelationID, Sequence: ack.Sequence, TaskIDs: p.taskIDs()}
	if ack.Event == nil {
		r.pending = slices.Delete(r.pending, idx, idx+1)
		r.flush()
		return res
	}

	ev := *ack.Event
	res.Sequence = ev.Sequence
	switch {
	case ev.Sequence <= r.seq:
	case ev.Sequence == r.seq+1:
		r.seq = ev.Sequence
	default:
		r.resync = true
	}

	// p's own guess is undone with the rest so no key it predicted for a
	// neighbour outlives the authoritative event
	ids := union(p.taskIDs(), ev.TaskIDs())
	r.rebase(ids, func() {
		r.pending = slices.Delete(r.pending, idx, idx+1)
		r.apply(ev)
		if !r.matches(p.after) {
			res.Status = StatusCorrected
		}
	})
	r.flush()
	res.TaskIDs = ids
	return res
}

// Receive applies a broadcast event. Duplicates are ignored, a skipped
// sequence flags a resync and the event is not applied, and an event
// touching a task with a pending mutation is held until it resolves.
func (r *Reconciler) Receive(ev events.Event) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.ProjectID != r.projectID {
		return Result{Status: StatusIgnored, Sequence: ev.Sequence}
	}
	return r.receive(ev)
}

func (r *Reconciler) receive(ev events.Event) Result {
	res := Result{Sequence: ev.Sequence, TaskIDs: ev.TaskIDs()}
	switch {
	case ev.Sequence <= r.seq:
		res.Status = StatusDuplicate
		return res
	case ev.Sequence != r.seq+1:
		r.resync = true
		res.Status = StatusGap
		return res
	}

	r.seq = ev.Sequence
	if r.blocked(res.TaskIDs) {
		r.deferred = append(r.deferred, ev)
		res.Status = StatusDeferred
		return res
	}
	r.apply(ev)
	res.Status = StatusApplied
	return res
}

// ApplySync takes a join or resync answer. A snapshot replaces local state
// and pending mutations are predicted again on top of it; a replay is
// received event by event. NeedsResync is cleared only when the result is
// contiguous up to s.Sequence.
func (r *Reconciler) ApplySync(s events.Sync) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ProjectID != r.projectID {
		return Result{Status: StatusIgnored, Sequence: s.Sequence}
	}

	if s.Snapshot != nil {
		r.restore(*s.Snapshot)
		r.resync = false
		return Result{Status: StatusApplied, Sequence: r.seq}
	}

	gap := false
	var ids []string
	for _, ev := range s.Events {
		res := r.receive(ev)
		if res.Status == StatusGap {
			gap = true
			break
		}
		ids = union(ids, res.TaskIDs)
	}
	if gap || r.seq < s.Sequence {
		r.resync = true
		return Result{Status: StatusGap, Sequence: r.seq, TaskIDs: ids}
	}
	r.resync = false
	return Result{Status: StatusApplied, Sequence: r.seq, TaskIDs: ids}
}

func (r *Reconciler) restore(snap events.Snapshot) {
	// undo optimistic state newest first, then drop it for the snapshot
	for i := len(r.pending) - 1; i >= 0; i-- {
		r.undo(r.pending[i])
	}

	r.lists = make(map[string]models.List, len(snap.Lists))
	for _, l := range snap.Lists {
		r.lists[l.ID] = l
	}
	r.tasks = make(map[string]models.Task, len(snap.Tasks))
	for _, t := range snap.Tasks {
		r.tasks[t.ID] = t.Clone()
	}
	r.versions = make(map[string]int64)
	r.base = snap.Sequence
	r.seq = snap.Sequence
	r.deferred = nil

	for _, p := range r.pending {
		r.repredict(p)
	}
}

// ============================================================================
// TIMEOUTS
// ============================================================================

// Expire rolls back every pending mutation whose deadline has passed and
// flags a resync, since the server may or may not have committed them.
func (r *Reconciler) Expire(now time.Time) []Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Result
	for i := len(r.pending) - 1; i >= 0; i-- {
		p := r.pending[i]
		if now.Before(p.deadline) {
			continue
		}
		out = append(out, r.fail(i, events.Errorf(events.CodeTransportLost, "no acknowledgment within %s", r.timeout)))
	}
	if len(out) > 0 {
		r.resync = true
		r.flush()
	}
	slices.Reverse(out)
	return out
}

// FailAll rolls back every pending mutation with err, typically when the
// connection drops. A resync is flagged for the next connection.
func (r *Reconciler) FailAll(err *events.Error) []Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return nil
	}
	out := make([]Result, 0, len(r.pending))
	for i := len(r.pending) - 1; i >= 0; i-- {
		out = append(out, r.fail(i, err))
	}
	r.resync = true
	r.flush()
	slices.Reverse(out)
	return out
}

func (r *Reconciler) fail(idx int, err *events.Error) Result {
	p := r.pending[idx]
	r.rollback(idx)
	return Result{
		Status:        StatusRolledBack,
		CorrelationID: p.intent.CorrelationID,
		TaskIDs:       p.taskIDs(),
		Err:           err,
	}
}

// ============================================================================
// TABLE MAINTENANCE
// ============================================================================

func (r *Reconciler) find(correlationID string) int {
	return slices.IndexFunc(r.pending, func(p *pending) bool {
		return p.intent.CorrelationID == correlationID
	})
}

// rollback removes pending idx and restores its before image. Later
// mutations on the same tasks are predicted again on the restored state.
func (r *Reconciler) rollback(idx int) {
	p := r.pending[idx]
	r.pending = slices.Delete(r.pending, idx, idx+1)

	// the later mutations are undone first so p.before is the live state
	// when it is restored
	later := r.overlapping(p.taskIDs(), idx)
	for i := len(later) - 1; i >= 0; i-- {
		r.undo(later[i])
	}
	r.undo(p)
	for _, q := range later {
		r.repredict(q)
	}
}

// rebase runs fn with every pending mutation that touches ids undone, then
// predicts again those still pending after fn.
func (r *Reconciler) rebase(ids []string, fn func()) {
	later := r.overlapping(ids, 0)
	for i := len(later) - 1; i >= 0; i-- {
		r.undo(later[i])
	}
	fn()
	for _, q := range later {
		if slices.Contains(r.pending, q) {
			r.repredict(q)
		}
	}
}

// overlapping returns the pending mutations from index from on that touch
// ids, directly or through an earlier match.
func (r *Reconciler) overlapping(ids []string, from int) []*pending {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	var out []*pending
	for _, q := range r.pending[from:] {
		hit := false
		for id := range q.before {
			if _, ok := set[id]; ok {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		out = append(out, q)
		for id := range q.before {
			set[id] = struct{}{}
		}
	}
	return out
}

func (r *Reconciler) undo(p *pending) {
	for id, prev := range p.before {
		if prev == nil {
			delete(r.tasks, id)
			continue
		}
		r.tasks[id] = prev.Clone()
	}
}

// repredict applies p again on the current state. A mutation that no
// longer applies stays pending with no local effect; its ack or rejection
// still resolves it.
func (r *Reconciler) repredict(p *pending) {
	if err := r.predict(p); err != nil {
		p.before = map[string]*models.Task{}
		p.after = map[string]*models.Task{}
	}
}

// blocked reports whether an event on ids must wait: a pending mutation or
// an earlier deferred event touches one of them.
func (r *Reconciler) blocked(ids []string) bool {
	for _, p := range r.pending {
		if p.touches(ids) {
			return true
		}
	}
	for _, ev := range r.deferred {
		if overlaps(ev.TaskIDs(), ids) {
			return true
		}
	}
	return false
}

// flush applies deferred events that are no longer blocked, keeping the
// relative order of those that still are.
func (r *Reconciler) flush() {
	if len(r.deferred) == 0 {
		return
	}
	held := make(map[string]struct{})
	kept := r.deferred[:0]
	for _, ev := range r.deferred {
		ids := ev.TaskIDs()
		wait := false
		for _, p := range r.pending {
			if p.touches(ids) {
				wait = true
				break
			}
		}
		for _, id := range ids {
			if _, ok := held[id]; ok {
				wait = true
			}
		}
		if !wait {
			r.apply(ev)
			continue
		}
		kept = append(kept, ev)
		for _, id := range ids {
			held[id] = struct{}{}
		}
	}
	clear(r.deferred[len(kept):])
	r.deferred = kept
}

// matches reports whether the live placement of the predicted tasks equals
// the prediction.
func (r *Reconciler) matches(predicted map[string]*models.Task) bool {
	for id, want := range predicted {
		got, ok := r.tasks[id]
		if want == nil {
			if ok {
				return false
			}
			continue
		}
		if !ok || got.ListID != want.ListID || got.Position != want.Position {
			return false
		}
	}
	return true
}

// ============================================================================
// EVENT APPLICATION
// ============================================================================

func (r *Reconciler) apply(ev events.Event) {
	// every payload kind is handled by applier; Visit only fails on a
	// missing payload, which leaves state untouched
	_ = ev.Visit(applier{r})
}

func (r *Reconciler) version(id string) int64 {
	return max(r.versions[id], r.base)
}

// put writes a task's authoritative state unless a newer one is held
func (r *Reconciler) put(seq int64, t models.Task) {
	if r.version(t.ID) >= seq {
		return
	}
	r.tasks[t.ID] = t.Clone()
	r.versions[t.ID] = seq
}

// applier writes each event kind into the table. Task state in events is
// complete, so an event only ever replaces older state.
type applier struct{ r *Reconciler }

func (a applier) TaskCreated(ev events.Event, p *events.TaskCreated) error {
	a.r.put(ev.Sequence, p.Task)
	return nil
}

func (a applier) TaskMoved(ev events.Event, p *events.TaskMoved) error {
	a.r.put(ev.Sequence, p.Task)
	return nil
}

func (a applier) TaskUpdated(ev events.Event, p *events.TaskUpdated) error {
	a.r.put(ev.Sequence, p.Task)
	return nil
}

func (a applier) TaskDeleted(ev events.Event, p *events.TaskDeleted) error {
	if a.r.version(p.TaskID) >= ev.Sequence {
		return nil
	}
	delete(a.r.tasks, p.TaskID)
	a.r.versions[p.TaskID] = ev.Sequence
	return nil
}

func (a applier) CommentCreated(ev events.Event, p *events.CommentCreated) error {
	a.r.put(ev.Sequence, p.Task)
	return nil
}

func (a applier) ListRenumbered(ev events.Event, p *events.ListRenumbered) error {
	a.r.put(ev.Sequence, p.Task)
	for id, key := range p.Positions {
		if a.r.version(id) >= ev.Sequence {
			continue
		}
		t, ok := a.r.tasks[id]
		if !ok {
			continue
		}
		t.Position = key
		a.r.tasks[id] = t
		a.r.versions[id] = ev.Sequence
	}
	return nil
}

// ============================================================================
// QUERIES
// ============================================================================

// Task returns a copy of a task's local state
func (r *Reconciler) Task(id string) (models.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t.Clone(), ok
}

// Tasks returns a list's tasks in display order
func (r *Reconciler) Tasks(listID string) []models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := r.listTasks(listID, "")
	for i := range tasks {
		tasks[i] = tasks[i].Clone()
	}
	return tasks
}

// Lists returns the board's lists ordered by position
func (r *Reconciler) Lists() []models.List {
	r.mu.Lock()
	defer r.mu.Unlock()
	lists := slices.Collect(maps.Values(r.lists))
	slices.SortFunc(lists, func(a, b models.List) int {
		if n := cmp.Compare(a.Position, b.Position); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return lists
}

// Sequence returns the last contiguous sequence received
func (r *Reconciler) Sequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// NeedsResync reports whether a gap, timeout or dropped connection left
// local state unreliable.
func (r *Reconciler) NeedsResync() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resync
}

// Pending returns the correlation ids of unresolved mutations, oldest first
func (r *Reconciler) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.pending))
	for i, p := range r.pending {
		out[i] = p.intent.CorrelationID
	}
	return out
}

// Snapshot returns the confirmed state without optimistic changes. Its
// sequence stops before the first deferred event so a restore followed by
// a replay from it loses nothing.
func (r *Reconciler) Snapshot() events.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := maps.Clone(r.tasks)
	for i := len(r.pending) - 1; i >= 0; i-- {
		for id, prev := range r.pending[i].before {
			if prev == nil {
				delete(tasks, id)
				continue
			}
			tasks[id] = prev.Clone()
		}
	}

	seq := r.seq
	if len(r.deferred) > 0 {
		seq = r.deferred[0].Sequence - 1
	}

	snap := events.Snapshot{
		ProjectID: r.projectID,
		Sequence:  seq,
		Lists:     slices.Collect(maps.Values(r.lists)),
		Tasks:     make([]models.Task, 0, len(tasks)),
	}
	slices.SortFunc(snap.Lists, func(a, b models.List) int { return cmp.Compare(a.Position, b.Position) })
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, t.Clone())
	}
	slices.SortFunc(snap.Tasks, compareTasks)
	return snap
}

func (r *Reconciler) listTasks(listID, exclude string) []models.Task {
	var out []models.Task
	for _, t := range r.tasks {
		if t.ListID == listID && t.ID != exclude {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, compareTasks)
	return out
}

func (r *Reconciler) keyed(listID, exclude string) []position.Keyed {
	tasks := r.listTasks(listID, exclude)
	out := make([]position.Keyed, len(tasks))
	for i, t := range tasks {
		out[i] = position.Keyed{ID: t.ID, Key: t.Position}
	}
	return out
}

// compareTasks orders by list, then position, creation time and id, the
// same tie-breaks the server uses.
func compareTasks(a, b models.Task) int {
	if n := cmp.Compare(a.ListID, b.ListID); n != 0 {
		return n
	}
	if n := cmp.Compare(a.Position, b.Position); n != 0 {
		return n
	}
	if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
		return n
	}
	return cmp.Compare(a.ID, b.ID)
}

func overlaps(a, b []string) bool {
	for _, id := range a {
		if slices.Contains(b, id) {
			return true
		}
	}
	return false
}

func union(a, b []string) []string {
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}
