package saga

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamforge.dev/migrator/backup/local"
	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
)

// memStore is version-keyed, like store/bolt's real bucket-per-stream
// layout: an Append carrying a version already present overwrites that
// key instead of duplicating it, so a provider's Restore can safely
// replay backed-up events onto a stream that was never actually
// mutated by the failure under test.
type memStore struct {
	mu      sync.Mutex
	streams map[string]map[int]model.Event
}

func newMemStore() *memStore { return &memStore{streams: map[string]map[int]model.Event{}} }

func (m *memStore) Read(_ context.Context, doc model.ObjectDocument, start, until int) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream := m.streams[doc.Active.StreamIdentifier]
	versions := make([]int, 0, len(stream))
	for v := range stream {
		if v < start {
			continue
		}
		if until >= 0 && v > until {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	out := make([]model.Event, 0, len(versions))
	for _, v := range versions {
		out = append(out, stream[v])
	}
	return out, nil
}

func (m *memStore) Append(_ context.Context, doc model.ObjectDocument, override string, expected int, events []model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream := doc.Active.StreamIdentifier
	if override != "" {
		stream = override
	}
	if expected != model.NoExpectedVersion {
		head := -1
		for v := range m.streams[stream] {
			if v > head {
				head = v
			}
		}
		if head != expected {
			return errors.New("version conflict")
		}
	}
	if m.streams[stream] == nil {
		m.streams[stream] = make(map[int]model.Event)
	}
	for _, e := range events {
		m.streams[stream][e.EventVersion] = e
	}
	return nil
}

func (m *memStore) Head(_ context.Context, stream string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	head := -1
	for v := range m.streams[stream] {
		if v > head {
			head = v
		}
	}
	return head, nil
}

// failingAppendStore wraps a memStore and fails every Append targeting
// failStream, simulating a store outage partway through copy-and-transform
// after a successful backup.
type failingAppendStore struct {
	*memStore
	failStream string
}

func (f *failingAppendStore) Append(ctx context.Context, doc model.ObjectDocument, override string, expected int, events []model.Event) error {
	stream := doc.Active.StreamIdentifier
	if override != "" {
		stream = override
	}
	if stream == f.failStream {
		return errors.New("simulated store outage")
	}
	return f.memStore.Append(ctx, doc, override, expected, events)
}

func checksum(events []model.Event) string {
	h := sha256.New()
	for _, e := range events {
		h.Write([]byte(e.EventType))
		h.Write(e.Payload)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

type memDocStore struct {
	mu   sync.Mutex
	docs map[string]model.ObjectDocument
	rev  int
}

func newMemDocStore(initial model.ObjectDocument) *memDocStore {
	return &memDocStore{docs: map[string]model.ObjectDocument{initial.ObjectID: withHash(initial, "rev-0")}}
}

func withHash(doc model.ObjectDocument, hash string) model.ObjectDocument {
	doc.Hash = hash
	return doc
}

func (m *memDocStore) Get(_ context.Context, objectName, objectID string) (model.ObjectDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[objectID], nil
}

func (m *memDocStore) Set(_ context.Context, doc model.ObjectDocument) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.docs[doc.ObjectID]
	if doc.PrevHash != "" && doc.PrevHash != current.Hash {
		return "", errors.New("revision conflict")
	}
	m.rev++
	newHash := "rev-" + string(rune('0'+m.rev))
	doc.Hash = newHash
	m.docs[doc.ObjectID] = doc
	return newHash, nil
}

func baseDoc() model.ObjectDocument {
	return model.ObjectDocument{
		ObjectID:   "obj-1",
		ObjectName: "widget",
		Active:     model.StreamInfo{StreamIdentifier: "s1", CurrentVersion: 2},
	}
}

func TestExecutor_SimpleMigration_NoTransformer(t *testing.T) {
	dataStore := newMemStore()
	doc := baseDoc()
	_ = dataStore.Append(context.Background(), doc, "", -1, []model.Event{
		{EventVersion: 0, EventType: "A"},
		{EventVersion: 1, EventType: "B"},
		{EventVersion: 2, EventType: "C"},
	})
	docStore := newMemDocStore(doc)

	ex := New(nil, nil, nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		DataStore:      dataStore,
		DocumentStore:  docStore,
	}

	result := ex.Execute(context.Background(), mctx)
	require.True(t, result.Success)
	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.Equal(t, int64(3), result.Statistics.TotalEvents)

	updated, _ := docStore.Get(context.Background(), "widget", "obj-1")
	assert.Equal(t, "s2", updated.Active.StreamIdentifier)
	require.Len(t, updated.TerminatedStreams, 1)
	assert.Equal(t, "s2", updated.TerminatedStreams[0].ContinuationStreamID)
}

type renameTransformer struct{}

func (renameTransformer) Transform(_ context.Context, ev model.Event) (model.Event, error) {
	if ev.EventType == "A" {
		ev.EventType = "A.v2"
	}
	return ev, nil
}

func TestExecutor_WithTransformer(t *testing.T) {
	dataStore := newMemStore()
	doc := baseDoc()
	_ = dataStore.Append(context.Background(), doc, "", -1, []model.Event{
		{EventVersion: 0, EventType: "A"},
		{EventVersion: 1, EventType: "B"},
		{EventVersion: 2, EventType: "C"},
	})
	docStore := newMemDocStore(doc)

	ex := New(nil, nil, nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		Transformer:    renameTransformer{},
		Verification:   &model.VerificationConfiguration{ValidateTransformations: true, SampleSize: 2},
		DataStore:      dataStore,
		DocumentStore:  docStore,
	}

	result := ex.Execute(context.Background(), mctx)
	require.True(t, result.Success)
	assert.Equal(t, int64(3), result.Statistics.EventsTransformed)
	require.NotNil(t, result.VerificationResult)
	assert.True(t, result.VerificationResult.Passed)

	target, _ := dataStore.Read(context.Background(), model.ObjectDocument{Active: model.StreamInfo{StreamIdentifier: "s2"}}, 0, -1)
	require.Len(t, target, 3)
	assert.Equal(t, "A.v2", target[0].EventType)
}

func TestExecutor_EmptySourceStillCutsOver(t *testing.T) {
	dataStore := newMemStore()
	doc := baseDoc()
	doc.Active.CurrentVersion = -1
	docStore := newMemDocStore(doc)

	ex := New(nil, nil, nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		DataStore:      dataStore,
		DocumentStore:  docStore,
	}

	result := ex.Execute(context.Background(), mctx)
	require.True(t, result.Success)
	updated, _ := docStore.Get(context.Background(), "widget", "obj-1")
	assert.Equal(t, "s2", updated.Active.StreamIdentifier)
}

func TestExecutor_SourceEqualsTargetRejected(t *testing.T) {
	ex := New(nil, nil, nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceStreamID: "s1",
		TargetStreamID: "s1",
		DataStore:      newMemStore(),
		DocumentStore:  newMemDocStore(baseDoc()),
	}
	result := ex.Execute(context.Background(), mctx)
	assert.False(t, result.Success)
	assert.Equal(t, model.StatusFailed, result.Status)
}

func TestExecutor_DryRun(t *testing.T) {
	dataStore := newMemStore()
	doc := baseDoc()
	_ = dataStore.Append(context.Background(), doc, "", -1, []model.Event{{EventVersion: 0, EventType: "A"}})

	ex := New(nil, nil, nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		IsDryRun:       true,
		DataStore:      dataStore,
	}
	result := ex.Execute(context.Background(), mctx)
	require.NotNil(t, result.Plan)
	assert.Equal(t, model.StatusCompleted, result.Status)
	assert.False(t, result.Success) // no backup configured -> High risk -> not feasible
}

func TestExecutor_TransformerFailFastAborts(t *testing.T) {
	dataStore := newMemStore()
	doc := baseDoc()
	_ = dataStore.Append(context.Background(), doc, "", -1, []model.Event{
		{EventVersion: 0, EventType: "A"},
		{EventVersion: 1, EventType: "B"},
	})
	docStore := newMemDocStore(doc)

	ex := New(nil, nil, nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		Transformer: model.TransformerFunc(func(_ context.Context, ev model.Event) (model.Event, error) {
			if ev.EventVersion == 1 {
				return model.Event{}, errors.New("boom")
			}
			return ev, nil
		}),
		Verification:  &model.VerificationConfiguration{FailFast: true},
		DataStore:     dataStore,
		DocumentStore: docStore,
	}

	result := ex.Execute(context.Background(), mctx)
	assert.False(t, result.Success)
	assert.Equal(t, model.StatusFailed, result.Status)
}

func TestExecutor_OnTrackerReadyExposesHandle(t *testing.T) {
	dataStore := newMemStore()
	doc := baseDoc()
	_ = dataStore.Append(context.Background(), doc, "", -1, []model.Event{{EventVersion: 0, EventType: "A"}})
	docStore := newMemDocStore(doc)

	var handle model.TrackerHandle
	ex := New(nil, nil, nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		DataStore:      dataStore,
		DocumentStore:  docStore,
		OnTrackerReady: func(h model.TrackerHandle) { handle = h },
	}

	result := ex.Execute(context.Background(), mctx)
	require.True(t, result.Success)
	require.NotNil(t, handle)
	assert.Equal(t, model.StatusCompleted, handle.GetProgress().Status)
}

func TestExecutor_CooperativePauseSuspendsCopyLoop(t *testing.T) {
	dataStore := newMemStore()
	doc := baseDoc()
	_ = dataStore.Append(context.Background(), doc, "", -1, []model.Event{
		{EventVersion: 0, EventType: "A"},
		{EventVersion: 1, EventType: "B"},
	})
	docStore := newMemDocStore(doc)

	var handle model.TrackerHandle
	ex := New(nil, nil, nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		SupportsPause:  true,
		DataStore:      dataStore,
		DocumentStore:  docStore,
		OnTrackerReady: func(h model.TrackerHandle) {
			handle = h
			h.SetPaused(true)
			go func() {
				time.Sleep(50 * time.Millisecond)
				h.SetPaused(false)
			}()
		},
	}

	result := ex.Execute(context.Background(), mctx)
	require.True(t, result.Success)
	require.NotNil(t, handle)
}

func TestExecutor_CancelWhilePausedAborts(t *testing.T) {
	dataStore := newMemStore()
	doc := baseDoc()
	_ = dataStore.Append(context.Background(), doc, "", -1, []model.Event{
		{EventVersion: 0, EventType: "A"},
		{EventVersion: 1, EventType: "B"},
	})
	docStore := newMemDocStore(doc)

	ctx, cancel := context.WithCancel(context.Background())
	ex := New(nil, nil, nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m1",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		SupportsPause:  true,
		DataStore:      dataStore,
		DocumentStore:  docStore,
		OnTrackerReady: func(h model.TrackerHandle) {
			h.SetPaused(true)
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()
		},
	}

	result := ex.Execute(ctx, mctx)
	assert.False(t, result.Success)
	assert.Equal(t, model.StatusFailed, result.Status)
}

// fakeLockProvider hands out at most one lock per key, mimicking the
// mutual-exclusion contract without a Redis round trip.
type fakeLockProvider struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLockProvider() *fakeLockProvider { return &fakeLockProvider{held: map[string]bool{}} }

func (p *fakeLockProvider) Acquire(_ context.Context, key string, _ time.Duration) (model.Lock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held[key] {
		return nil, migrateerr.New(migrateerr.LockAcquisitionFailed, "lock held by another migration", nil)
	}
	p.held[key] = true
	return &fakeLock{provider: p, key: key}, nil
}

type fakeLock struct {
	provider *fakeLockProvider
	key      string
	released bool
}

func (l *fakeLock) ID() string                           { return l.key }
func (l *fakeLock) Key() string                          { return l.key }
func (l *fakeLock) AcquiredAt() time.Time                { return time.Time{} }
func (l *fakeLock) ExpiresAt() time.Time                 { return time.Time{} }
func (l *fakeLock) IsValid(context.Context) bool         { return !l.released }
func (l *fakeLock) Renew(context.Context) (bool, error)  { return !l.released, nil }
func (l *fakeLock) StartHeartbeat(time.Duration, func()) {}
func (l *fakeLock) StopHeartbeat()                       {}

func (l *fakeLock) Release(context.Context) error {
	l.provider.mu.Lock()
	defer l.provider.mu.Unlock()
	l.released = true
	delete(l.provider.held, l.key)
	return nil
}

func TestExecutor_LockContentionFailsSecondMigration(t *testing.T) {
	dataStore := newMemStore()
	doc := baseDoc()
	require.NoError(t, dataStore.Append(context.Background(), doc, "", -1, []model.Event{
		{EventVersion: 0, EventType: "A"},
	}))
	docStore := newMemDocStore(doc)

	lockProvider := newFakeLockProvider()

	// Hold the object's lock as if another migration were in flight.
	held, err := lockProvider.Acquire(context.Background(), "obj-1", time.Second)
	require.NoError(t, err)

	ex := New(lockProvider, nil, nil)
	mctx := &model.MigrationContext{
		MigrationID:    "m2",
		SourceDoc:      doc,
		SourceStreamID: "s1",
		TargetStreamID: "s2",
		LockOptions:    &model.LockOptions{Timeout: 10 * time.Millisecond},
		DataStore:      dataStore,
		DocumentStore:  docStore,
	}
	result := ex.Execute(context.Background(), mctx)
	require.False(t, result.Success)
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Equal(t, migrateerr.LockAcquisitionFailed, migrateerr.KindOf(result.Error))

	// The contending migration must not have touched any stream.
	head, err := dataStore.Head(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, -1, head)

	require.NoError(t, held.Release(context.Background()))

	result = ex.Execute(context.Background(), mctx)
	require.True(t, result.Success)
}

// TestExecutor_RollbackRestoresSourceChecksumOnPostBackupFailure drives
// the backup round trip end to end through the saga: backup succeeds,
// the subsequent target append fails, compensation runs, and the
// restored source stream's checksum must equal the original.
func TestExecutor_RollbackRestoresSourceChecksumOnPostBackupFailure(t *testing.T) {
	dataStore := newMemStore()
	doc := baseDoc()
	sourceEvents := []model.Event{
		{EventVersion: 0, EventType: "A", Payload: []byte("a")},
		{EventVersion: 1, EventType: "B", Payload: []byte("b")},
		{EventVersion: 2, EventType: "C", Payload: []byte("c")},
	}
	require.NoError(t, dataStore.Append(context.Background(), doc, "", -1, sourceEvents))
	docStore := newMemDocStore(doc)

	backupProvider, err := local.New(t.TempDir(), dataStore, nil)
	require.NoError(t, err)

	ex := New(nil, backupProvider, nil)
	mctx := &model.MigrationContext{
		MigrationID:      "m1",
		SourceDoc:        doc,
		SourceStreamID:   "s1",
		TargetStreamID:   "s2",
		Backup:           &model.BackupConfiguration{},
		SupportsRollback: true,
		DataStore:        &failingAppendStore{memStore: dataStore, failStream: "s2"},
		DocumentStore:    docStore,
	}

	result := ex.Execute(context.Background(), mctx)
	require.False(t, result.Success)
	assert.Equal(t, model.StatusRolledBack, result.Status)
	assert.True(t, result.Statistics.RolledBack)
	assert.True(t, result.Statistics.SnapshotCreated)

	restored, err := dataStore.Read(context.Background(), doc, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, checksum(sourceEvents), checksum(restored))
}

// TestExecutor_RollbackWithoutBackupLeavesTargetData covers the
// no-backup compensation branch: status still moves to RolledBack, but
// no restore is attempted (matching the "partial rollback leaves target
// data behind" Open Question resolution).
func TestExecutor_RollbackWithoutBackupLeavesTargetData(t *testing.T) {
	dataStore := newMemStore()
	doc := baseDoc()
	require.NoError(t, dataStore.Append(context.Background(), doc, "", -1, []model.Event{
		{EventVersion: 0, EventType: "A"},
	}))
	docStore := newMemDocStore(doc)

	ex := New(nil, nil, nil)
	mctx := &model.MigrationContext{
		MigrationID:      "m1",
		SourceDoc:        doc,
		SourceStreamID:   "s1",
		TargetStreamID:   "s2",
		SupportsRollback: true,
		DataStore:        &failingAppendStore{memStore: dataStore, failStream: "s2"},
		DocumentStore:    docStore,
	}

	result := ex.Execute(context.Background(), mctx)
	require.False(t, result.Success)
	assert.Equal(t, model.StatusRolledBack, result.Status)
	assert.True(t, result.Statistics.RolledBack)
}
