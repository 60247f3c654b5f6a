// Package couchdb implements model.DocumentStore over CouchDB via the
// Kivik client. ObjectDocument.Hash/PrevHash map onto CouchDB's native
// `_rev` MVCC token: Set is conditional on PrevHash matching the
// currently stored revision, turning the document store's "cutover and
// book-close are the only writers" expectation into an enforced
// compare-and-swap instead of a trust assumption.
package couchdb

import (
	"context"
	"fmt"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"streamforge.dev/migrator/config"
	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
)

// envelope is the on-the-wire shape of an ObjectDocument: CouchDB needs
// `_id`/`_rev` at the top level, which model.ObjectDocument deliberately
// does not carry (hash/prevHash are store-agnostic names).
type envelope struct {
	ID                string                   `json:"_id"`
	Rev               string                   `json:"_rev,omitempty"`
	ObjectID          string                   `json:"objectId"`
	ObjectName        string                   `json:"objectName"`
	Active            model.StreamInfo         `json:"active"`
	TerminatedStreams []model.TerminatedStream `json:"terminatedStreams,omitempty"`
	SchemaVersion     int                      `json:"schemaVersion"`
}

func docID(objectName, objectID string) string { return objectName + "/" + objectID }

func toEnvelope(doc model.ObjectDocument) envelope {
	return envelope{
		ID:                docID(doc.ObjectName, doc.ObjectID),
		Rev:               doc.PrevHash,
		ObjectID:          doc.ObjectID,
		ObjectName:        doc.ObjectName,
		Active:            doc.Active,
		TerminatedStreams: doc.TerminatedStreams,
		SchemaVersion:     doc.SchemaVersion,
	}
}

func (e envelope) toDocument() model.ObjectDocument {
	return model.ObjectDocument{
		ObjectID:          e.ObjectID,
		ObjectName:        e.ObjectName,
		Active:            e.Active,
		TerminatedStreams: e.TerminatedStreams,
		SchemaVersion:     e.SchemaVersion,
		Hash:              e.Rev,
	}
}

// Store wraps a Kivik client bound to a single CouchDB database.
type Store struct {
	client *kivik.Client
	db     *kivik.DB
}

// Open connects to url and ensures database exists, creating it if not.
func Open(ctx context.Context, url, database string) (*Store, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("connect to couchdb: %w", err)
	}
	exists, err := client.DBExists(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("check database exists: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, database); err != nil {
			return nil, fmt.Errorf("create database %s: %w", database, err)
		}
	}
	return &Store{client: client, db: client.DB(database)}, nil
}

// OpenFromEnv opens the CouchDB connection named by
// config.LoadCouchDBConfig read under prefix.
func OpenFromEnv(ctx context.Context, prefix string) (*Store, error) {
	cfg := config.LoadCouchDBConfig(prefix)
	return Open(ctx, cfg.URL, cfg.Database)
}

// Get reads the document for (objectName, objectID). A miss (CouchDB's
// 404) maps to a zero-value document and a nil error, so the caller
// sees "never migrated yet" the same way it would see a freshly-created
// in-memory document. Any other failure (connection refused, 5xx,
// malformed body) surfaces as ReadFailed.
func (s *Store) Get(ctx context.Context, objectName, objectID string) (model.ObjectDocument, error) {
	row := s.db.Get(ctx, docID(objectName, objectID))
	var e envelope
	if err := row.ScanDoc(&e); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return model.ObjectDocument{}, nil
		}
		return model.ObjectDocument{}, migrateerr.New(migrateerr.ReadFailed, "couchdb: get document", err)
	}
	return e.toDocument(), nil
}

// Set writes doc, conditional on doc.PrevHash matching the currently
// stored revision when PrevHash is non-empty. Returns the new revision
// as the document's Hash.
func (s *Store) Set(ctx context.Context, doc model.ObjectDocument) (string, error) {
	e := toEnvelope(doc)
	rev, err := s.db.Put(ctx, e.ID, e)
	if err != nil {
		if kivik.HTTPStatus(err) == 409 {
			return "", migrateerr.New(migrateerr.DocumentWriteFailed, "couchdb: revision conflict", err)
		}
		return "", migrateerr.New(migrateerr.DocumentWriteFailed, "couchdb: set document", err)
	}
	return rev, nil
}

// Close releases the underlying client's connections.
func (s *Store) Close() error { return s.client.Close() }
