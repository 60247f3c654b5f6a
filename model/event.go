// Package model defines the entities shared across the migration engine:
// events, streams, object documents, and the migration context/result
// types that flow between the Executor, the Bulk Coordinator, and their
// collaborators.
package model

import "time"

// Event is a single immutable, append-only record in a stream. Versions
// are dense and contiguous starting at 0.
type Event struct {
	EventVersion   int               `json:"eventVersion"`
	EventType      string            `json:"eventType"`
	SchemaVersion  int               `json:"schemaVersion"`
	Timestamp      time.Time         `json:"timestamp"`
	Payload        []byte            `json:"payload"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// StreamInfo describes the physical routing of one incarnation of a
// logical object's event stream. A new StreamInfo is constructed at
// every cutover; the previous one is never mutated in place.
type StreamInfo struct {
	StreamIdentifier string         `json:"streamIdentifier"`
	CurrentVersion   int            `json:"currentVersion"`
	ConnectionName   string         `json:"connectionName"`
	StoreType        string         `json:"storeType"`
	ChunkSize        int            `json:"chunkSize,omitempty"`
	Snapshots        []string       `json:"snapshots,omitempty"`
}

// Empty reports whether the stream has never had anything appended.
func (s StreamInfo) Empty() bool { return s.CurrentVersion < 0 }

// TerminatedStream records a stream identifier that is no longer the
// active incarnation of its object, and what it was continued into.
type TerminatedStream struct {
	StreamIdentifier     string            `json:"streamIdentifier"`
	Reason               string            `json:"reason"`
	ContinuationStreamID string            `json:"continuationStreamId"`
	TerminationDate      time.Time         `json:"terminationDate"`
	StreamVersion        int               `json:"streamVersion"`
	Deleted              bool              `json:"deleted"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// ObjectDocument is the document-store-resident record of a logical
// object: which stream is currently active, and the graveyard of
// streams it has previously been migrated away from.
//
// Hash/PrevHash map onto the document store's native optimistic
// concurrency token (e.g. CouchDB's _rev): Hash is the revision this
// value was read at; PrevHash, when set by a caller constructing a
// document to write, is the revision that write is conditional on.
type ObjectDocument struct {
	ObjectID          string             `json:"objectId"`
	ObjectName        string             `json:"objectName"`
	Active            StreamInfo         `json:"active"`
	TerminatedStreams []TerminatedStream `json:"terminatedStreams,omitempty"`
	SchemaVersion     int                `json:"schemaVersion"`
	Hash              string             `json:"hash"`
	PrevHash          string             `json:"prevHash,omitempty"`
}

// Clone returns a deep-enough copy of the document to be safely mutated
// by a caller building the next revision. Cutover and book-close both
// need this: they must not mutate the document the caller still holds a
// reference to.
func (d ObjectDocument) Clone() ObjectDocument {
	out := d
	out.TerminatedStreams = make([]TerminatedStream, len(d.TerminatedStreams))
	copy(out.TerminatedStreams, d.TerminatedStreams)
	return out
}
