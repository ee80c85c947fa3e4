package session

import (
	"context"
	"sort"

	"github.com/TyrellHaywood/echo-sub001/logger"
	"github.com/TyrellHaywood/echo-sub001/model"
	"github.com/TyrellHaywood/echo-sub001/repository"
)

// stamp orders mutation events: timestamp first, actor id as the lexical
// tie-break. The greater actor id wins an equal-timestamp race, identically
// on every client.
type stamp struct {
	ts    int64
	actor string
}

func (s stamp) after(o stamp) bool {
	if s.ts != o.ts {
		return s.ts > o.ts
	}
	return s.actor > o.actor
}

func (s stamp) isZero() bool {
	return s.ts == 0 && s.actor == ""
}

func eventStamp(event *model.TrackMutationEvent) stamp {
	return stamp{ts: event.Timestamp, actor: event.ActorID}
}

// trackState is the merge state for one track. Field values and liveness are
// independent last-writer-wins registers; a delete additionally clears every
// field it dominates, so a later update recreates the record from its own
// fields only.
type trackState struct {
	record      model.TrackRecord
	alive       bool
	aliveStamp  stamp
	deleteStamp stamp
	fieldStamps map[string]stamp
}

// TrackTable is the materialized track table of one project: a fold over the
// mutation event stream. It is not safe for concurrent use; the owning
// ReplicationLog serializes all application on a single goroutine.
type TrackTable struct {
	projectID string
	tracks    map[string]*trackState
}

// NewTrackTable 创建轨道表
func NewTrackTable(projectID string) *TrackTable {
	return &TrackTable{
		projectID: projectID,
		tracks:    make(map[string]*trackState),
	}
}

// Seed installs the durable store's current rows before live replay. Stored
// rows carry one stamp for all fields (the row's UpdatedAt/UpdatedBy).
func (t *TrackTable) Seed(records []model.TrackRecord) {
	for _, record := range records {
		st := stamp{ts: record.UpdatedAt, actor: record.UpdatedBy}
		state := &trackState{
			record:      record,
			alive:       true,
			aliveStamp:  st,
			fieldStamps: make(map[string]stamp),
		}
		for _, field := range trackFieldNames {
			state.fieldStamps[field] = st
		}
		t.tracks[record.ID] = state
	}
}

var trackFieldNames = []string{"audioRef", "gain", "pan", "muted", "durationSeconds", "startOffsetSeconds"}

// Apply merges one mutation event. Returns a ConflictApplyError for events
// that cannot be merged; the rest of the table is unaffected.
func (t *TrackTable) Apply(event *model.TrackMutationEvent) error {
	if err := t.validate(event); err != nil {
		return err
	}

	state, ok := t.tracks[event.TrackID]
	if !ok {
		state = &trackState{
			record: model.TrackRecord{
				ID:        event.TrackID,
				ProjectID: event.ProjectID,
				Gain:      1,
			},
			fieldStamps: make(map[string]stamp),
		}
		t.tracks[event.TrackID] = state
	}

	es := eventStamp(event)

	switch event.Kind {
	case model.MutationDelete:
		if es.after(state.deleteStamp) {
			state.deleteStamp = es
			// Delete dominates every field it is newer than.
			for field, fs := range state.fieldStamps {
				if es.after(fs) {
					delete(state.fieldStamps, field)
					clearTrackField(&state.record, field)
				}
			}
		}
		if state.aliveStamp.isZero() || es.after(state.aliveStamp) {
			state.alive = false
			state.aliveStamp = es
		}

	case model.MutationCreate, model.MutationUpdate:
		t.applyFields(state, event, es)
		if state.aliveStamp.isZero() || es.after(state.aliveStamp) {
			state.alive = true
			state.aliveStamp = es
			state.record.UpdatedAt = event.Timestamp
			state.record.UpdatedBy = event.ActorID
		}
	}

	return nil
}

func (t *TrackTable) applyFields(state *trackState, event *model.TrackMutationEvent, es stamp) {
	apply := func(field string, set func(record *model.TrackRecord)) {
		fs, seen := state.fieldStamps[field]
		if seen && !es.after(fs) {
			return
		}
		// A field older than the newest delete stays dead.
		if !es.after(state.deleteStamp) && !state.deleteStamp.isZero() {
			return
		}
		state.fieldStamps[field] = es
		set(&state.record)
	}

	fields := event.Fields
	if fields.AudioRef != nil {
		apply("audioRef", func(r *model.TrackRecord) { r.AudioRef = *fields.AudioRef })
	}
	if fields.Gain != nil {
		apply("gain", func(r *model.TrackRecord) { r.Gain = *fields.Gain })
	}
	if fields.Pan != nil {
		apply("pan", func(r *model.TrackRecord) { r.Pan = *fields.Pan })
	}
	if fields.Muted != nil {
		apply("muted", func(r *model.TrackRecord) { r.Muted = *fields.Muted })
	}
	if fields.DurationSeconds != nil {
		apply("durationSeconds", func(r *model.TrackRecord) { r.DurationSeconds = *fields.DurationSeconds })
	}
	if fields.StartOffsetSeconds != nil {
		apply("startOffsetSeconds", func(r *model.TrackRecord) { r.StartOffsetSeconds = *fields.StartOffsetSeconds })
	}
}

func (t *TrackTable) validate(event *model.TrackMutationEvent) error {
	if event.TrackID == "" {
		return &model.ConflictApplyError{EventID: event.EventID, Reason: "missing track id"}
	}
	if event.ProjectID != t.projectID {
		return &model.ConflictApplyError{EventID: event.EventID, Reason: "event belongs to another project"}
	}
	if event.Timestamp <= 0 {
		return &model.ConflictApplyError{EventID: event.EventID, Reason: "missing timestamp"}
	}
	if event.ActorID == "" {
		return &model.ConflictApplyError{EventID: event.EventID, Reason: "missing actor id"}
	}
	switch event.Kind {
	case model.MutationCreate, model.MutationUpdate, model.MutationDelete:
	default:
		return &model.ConflictApplyError{EventID: event.EventID, Reason: "unknown mutation kind"}
	}
	if event.Fields.DurationSeconds != nil && *event.Fields.DurationSeconds < 0 {
		return &model.ConflictApplyError{EventID: event.EventID, Reason: "negative duration"}
	}
	if event.Fields.StartOffsetSeconds != nil && *event.Fields.StartOffsetSeconds < 0 {
		return &model.ConflictApplyError{EventID: event.EventID, Reason: "negative start offset"}
	}
	return nil
}

func clearTrackField(record *model.TrackRecord, field string) {
	switch field {
	case "audioRef":
		record.AudioRef = ""
	case "gain":
		record.Gain = 1
	case "pan":
		record.Pan = 0
	case "muted":
		record.Muted = false
	case "durationSeconds":
		record.DurationSeconds = 0
	case "startOffsetSeconds":
		record.StartOffsetSeconds = 0
	}
}

// Snapshot returns the live (non-deleted) tracks ordered by id.
func (t *TrackTable) Snapshot() []model.TrackRecord {
	records := make([]model.TrackRecord, 0, len(t.tracks))
	for _, state := range t.tracks {
		if state.alive {
			records = append(records, state.record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// Get returns one live track by id.
func (t *TrackTable) Get(trackID string) (model.TrackRecord, bool) {
	state, ok := t.tracks[trackID]
	if !ok || !state.alive {
		return model.TrackRecord{}, false
	}
	return state.record, true
}

// ========== 复制日志 ==========

// applyOp is one unit of serialized work for the replication loop.
type applyOp struct {
	run  func()
	done chan struct{}
}

// ReplicationLog owns the materialized table of one project and serializes
// every local and remote mutation on a single goroutine. Local mutations are
// applied optimistically, then broadcast, then persisted; a persistence
// failure is surfaced but the optimistic state is kept.
type ReplicationLog struct {
	projectID string
	table     *TrackTable
	repo      repository.TrackRepository

	// publish broadcasts an accepted local mutation to the other
	// collaborators. Installed by the session manager.
	publish func(event *model.TrackMutationEvent)

	ops  chan applyOp
	done chan struct{}

	hydrated bool
	// Events arriving during hydration are buffered and replayed afterwards
	// so the live stream and the stored snapshot cannot race.
	pending []*model.TrackMutationEvent
}

// NewReplicationLog 创建复制日志
func NewReplicationLog(projectID string, repo repository.TrackRepository, publish func(event *model.TrackMutationEvent)) *ReplicationLog {
	if publish == nil {
		publish = func(*model.TrackMutationEvent) {}
	}
	return &ReplicationLog{
		projectID: projectID,
		table:     NewTrackTable(projectID),
		repo:      repo,
		publish:   publish,
		ops:       make(chan applyOp, 64),
		done:      make(chan struct{}),
	}
}

// Run 启动复制日志主循环
func (l *ReplicationLog) Run() {
	for {
		select {
		case op := <-l.ops:
			op.run()
			close(op.done)
		case <-l.done:
			return
		}
	}
}

// Stop 停止复制日志
func (l *ReplicationLog) Stop() {
	close(l.done)
}

// exec runs fn on the apply goroutine and waits for it.
func (l *ReplicationLog) exec(fn func()) {
	op := applyOp{run: fn, done: make(chan struct{})}
	select {
	case l.ops <- op:
		<-op.done
	case <-l.done:
	}
}

// Hydrate loads the full current track table from the durable store, then
// replays any events that arrived while the load was in flight.
func (l *ReplicationLog) Hydrate(ctx context.Context) error {
	records, err := l.repo.ListTracks(ctx, l.projectID)
	if err != nil {
		return &model.PersistenceError{Op: "hydrate", Err: err}
	}

	l.exec(func() {
		l.table.Seed(records)
		l.hydrated = true
		for _, event := range l.pending {
			if applyErr := l.table.Apply(event); applyErr != nil {
				logger.Warn("dropped buffered mutation",
					logger.ErrorField(applyErr),
					logger.String("project", l.projectID))
			}
		}
		l.pending = nil
	})
	return nil
}

// ApplyLocal applies a locally originated mutation: optimistic table update,
// broadcast, then durable persistence. A PersistenceError does not roll back
// the optimistic update.
func (l *ReplicationLog) ApplyLocal(ctx context.Context, event *model.TrackMutationEvent) error {
	var applyErr error
	l.exec(func() {
		applyErr = l.table.Apply(event)
	})
	if applyErr != nil {
		return applyErr
	}

	l.publish(event)

	if err := l.persist(ctx, event); err != nil {
		logger.Error("mutation persist failed, keeping optimistic state",
			logger.ErrorField(err),
			logger.String("project", l.projectID),
			logger.String("track", event.TrackID))
		return &model.PersistenceError{Op: "apply mutation", Err: err}
	}
	return nil
}

// ApplyRemote merges a mutation received from another collaborator. Events
// arriving during hydration are buffered.
func (l *ReplicationLog) ApplyRemote(event *model.TrackMutationEvent) error {
	var applyErr error
	l.exec(func() {
		if !l.hydrated {
			l.pending = append(l.pending, event)
			return
		}
		applyErr = l.table.Apply(event)
	})
	return applyErr
}

func (l *ReplicationLog) persist(ctx context.Context, event *model.TrackMutationEvent) error {
	if event.Kind == model.MutationDelete {
		// The tombstone may have been superseded before persistence ran;
		// only delete if the track is still gone.
		var alive bool
		l.exec(func() {
			_, alive = l.table.Get(event.TrackID)
		})
		if alive {
			return nil
		}
		return l.repo.DeleteTrack(ctx, event.TrackID)
	}

	var record model.TrackRecord
	var ok bool
	l.exec(func() {
		record, ok = l.table.Get(event.TrackID)
	})
	if !ok {
		// Deleted concurrently; nothing durable to write.
		return nil
	}
	return l.repo.UpsertTrack(ctx, &record)
}

// Snapshot returns the current live tracks.
func (l *ReplicationLog) Snapshot() []model.TrackRecord {
	var records []model.TrackRecord
	l.exec(func() {
		records = l.table.Snapshot()
	})
	return records
}
