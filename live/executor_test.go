package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
	"streamforge.dev/migrator/saga"
)

type liveMemStore struct {
	mu      sync.Mutex
	streams map[string][]model.Event
	closed  map[string]int
}

func newLiveMemStore() *liveMemStore {
	return &liveMemStore{streams: map[string][]model.Event{}, closed: map[string]int{}}
}

func (m *liveMemStore) Head(_ context.Context, stream string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.streams[stream]
	if len(events) == 0 {
		return -1, nil
	}
	return events[len(events)-1].EventVersion, nil
}

func (m *liveMemStore) Read(_ context.Context, doc model.ObjectDocument, start, until int) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, e := range m.streams[doc.Active.StreamIdentifier] {
		if e.EventVersion < start {
			continue
		}
		if until >= 0 && e.EventVersion > until {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *liveMemStore) Append(_ context.Context, doc model.ObjectDocument, override string, expected int, events []model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream := doc.Active.StreamIdentifier
	if override != "" {
		stream = override
	}
	if expected != model.NoExpectedVersion {
		head := -1
		if existing := m.streams[stream]; len(existing) > 0 {
			head = existing[len(existing)-1].EventVersion
		}
		if head != expected {
			return migrateerr.New(migrateerr.AppendConflict, "version conflict", nil)
		}
		if len(events) == 0 {
			m.closed[stream]++
			return nil
		}
	}
	m.streams[stream] = append(m.streams[stream], events...)
	return nil
}

type liveMemDocStore struct {
	mu  sync.Mutex
	doc model.ObjectDocument
}

func (m *liveMemDocStore) Get(_ context.Context, objectName, objectID string) (model.ObjectDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc, nil
}

func (m *liveMemDocStore) Set(_ context.Context, doc model.ObjectDocument) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.Hash = "rev-1"
	m.doc = doc
	return "rev-1", nil
}

func TestLiveExecutor_ConvergesImmediatelyWhenNoNewWrites(t *testing.T) {
	store := newLiveMemStore()
	doc := model.ObjectDocument{ObjectID: "obj-1", ObjectName: "widget", Active: model.StreamInfo{StreamIdentifier: "s1", CurrentVersion: 1}}
	store.streams["s1"] = []model.Event{
		{EventVersion: 0, EventType: "A"},
		{EventVersion: 1, EventType: "B"},
	}
	docStore := &liveMemDocStore{doc: doc}

	sagaExec := saga.New(nil, nil, nil)
	ex := New(sagaExec, nil)

	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		Live:           &model.LiveMigrationOptions{MaxIterations: 10},
		DataStore:      store,
		DocumentStore:  docStore,
	}

	result := ex.Execute(context.Background(), mctx)
	require.True(t, result.Success)
	assert.Equal(t, model.StatusCompleted, result.Status)

	target, _ := store.Read(context.Background(), model.ObjectDocument{Active: model.StreamInfo{StreamIdentifier: "s2"}}, 0, -1)
	assert.Len(t, target, 2)
}

func TestLiveExecutor_CatchesUpConcurrentWrites(t *testing.T) {
	store := newLiveMemStore()
	doc := model.ObjectDocument{ObjectID: "obj-1", ObjectName: "widget", Active: model.StreamInfo{StreamIdentifier: "s1", CurrentVersion: 0}}
	store.streams["s1"] = []model.Event{{EventVersion: 0, EventType: "A"}}
	docStore := &liveMemDocStore{doc: doc}

	sagaExec := saga.New(nil, nil, nil)
	ex := New(sagaExec, nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		store.mu.Lock()
		store.streams["s1"] = append(store.streams["s1"], model.Event{EventVersion: 1, EventType: "B"})
		store.mu.Unlock()
	}()

	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		Live:           &model.LiveMigrationOptions{MaxIterations: 1000, MinSleepBetweenIterations: time.Millisecond},
		DataStore:      store,
		DocumentStore:  docStore,
	}

	result := ex.Execute(context.Background(), mctx)
	require.True(t, result.Success)

	target, _ := store.Read(context.Background(), model.ObjectDocument{Active: model.StreamInfo{StreamIdentifier: "s2"}}, 0, -1)
	assert.Len(t, target, 2)
}

// emptySourceRaceStore lands a write on the source immediately after the
// first Head read, so the executor's very first close attempt races a
// writer on a stream it believes is still empty.
type emptySourceRaceStore struct {
	*liveMemStore
	raceMu   sync.Mutex
	injected bool
}

func (s *emptySourceRaceStore) Head(ctx context.Context, stream string) (int, error) {
	head, err := s.liveMemStore.Head(ctx, stream)
	s.raceMu.Lock()
	inject := stream == "s1" && !s.injected
	if inject {
		s.injected = true
	}
	s.raceMu.Unlock()
	if inject {
		doc := model.ObjectDocument{Active: model.StreamInfo{StreamIdentifier: "s1"}}
		_ = s.liveMemStore.Append(ctx, doc, "", model.NoExpectedVersion, []model.Event{{EventVersion: 0, EventType: "A"}})
	}
	return head, err
}

func TestLiveExecutor_EmptySourceCloseRaceIsDetected(t *testing.T) {
	store := &emptySourceRaceStore{liveMemStore: newLiveMemStore()}
	doc := model.ObjectDocument{ObjectID: "obj-1", ObjectName: "widget", Active: model.StreamInfo{StreamIdentifier: "s1", CurrentVersion: -1}}
	docStore := &liveMemDocStore{doc: doc}

	ex := New(saga.New(nil, nil, nil), nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		Live:           &model.LiveMigrationOptions{MaxIterations: 10},
		DataStore:      store,
		DocumentStore:  docStore,
	}

	result := ex.Execute(context.Background(), mctx)
	require.True(t, result.Success)

	// The close attempt against the believed-empty source must have
	// conflicted with the racing write, forcing another catch-up pass;
	// the raced event ends up on the target, not lost.
	target, _ := store.Read(context.Background(), model.ObjectDocument{Active: model.StreamInfo{StreamIdentifier: "s2"}}, 0, -1)
	require.Len(t, target, 1)
	assert.Equal(t, "A", target[0].EventType)
	assert.Equal(t, 1, store.closed["s1"])
}

func TestLiveExecutor_NonConvergenceFails(t *testing.T) {
	store := newLiveMemStore()
	doc := model.ObjectDocument{ObjectID: "obj-1", ObjectName: "widget", Active: model.StreamInfo{StreamIdentifier: "s1", CurrentVersion: 0}}
	store.streams["s1"] = []model.Event{{EventVersion: 0, EventType: "A"}}
	docStore := &liveMemDocStore{doc: doc}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		v := 1
		for {
			select {
			case <-stop:
				return
			default:
			}
			store.mu.Lock()
			store.streams["s1"] = append(store.streams["s1"], model.Event{EventVersion: v, EventType: "X"})
			store.mu.Unlock()
			v++
			time.Sleep(time.Millisecond)
		}
	}()

	sagaExec := saga.New(nil, nil, nil)
	ex := New(sagaExec, nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		Live:           &model.LiveMigrationOptions{MaxIterations: 5, MinSleepBetweenIterations: 5 * time.Millisecond},
		DataStore:      store,
		DocumentStore:  docStore,
	}

	result := ex.Execute(context.Background(), mctx)
	assert.False(t, result.Success)
	assert.Equal(t, migrateerr.LiveMigrationNoConverge, migrateerr.KindOf(result.Error))
}

func TestLiveExecutor_MissingOptionsRejected(t *testing.T) {
	ex := New(saga.New(nil, nil, nil), nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		DataStore:      newLiveMemStore(),
	}
	result := ex.Execute(context.Background(), mctx)
	assert.False(t, result.Success)
	assert.Equal(t, migrateerr.PreconditionViolated, migrateerr.KindOf(result.Error))
}
