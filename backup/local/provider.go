// Package local implements model.BackupProvider by writing each backup
// as a single zip archive under a base directory. Restore runs a
// zip-slip-guarded extraction and then replays the decoded events onto
// rctx.Target through a model.DataStore.
package local

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
)

const (
	documentEntry = "document.json"
	eventsEntry   = "events.json"
)

// Provider writes backups as zip files under BaseDir. DataStore is the
// collaborator Restore replays events onto; a nil DataStore means
// Backup/Validate/Delete still work but Restore cannot.
type Provider struct {
	BaseDir   string
	DataStore model.DataStore
	logger    *logrus.Entry
}

// New constructs a Provider rooted at baseDir, creating it if absent.
// dataStore is used by Restore to write decoded events back onto a
// target stream; it may be nil for a provider that only ever backs up.
func New(baseDir string, dataStore model.DataStore, logger *logrus.Entry) (*Provider, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Provider{BaseDir: baseDir, DataStore: dataStore, logger: logger}, nil
}

func (p *Provider) ProviderName() string { return "local-zip" }

// Backup writes bctx.Document and bctx.Events into a single zip archive
// named by a fresh backup id.
func (p *Provider) Backup(ctx context.Context, bctx model.BackupContext, progress func(string)) (model.BackupHandle, error) {
	id := uuid.NewString()
	path := filepath.Join(p.BaseDir, id+".zip")

	if progress != nil {
		progress("opening archive")
	}
	f, err := os.Create(path)
	if err != nil {
		return model.BackupHandle{}, migrateerr.New(migrateerr.Internal, "local backup: create archive", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	docBytes, err := json.Marshal(bctx.Document)
	if err != nil {
		return model.BackupHandle{}, migrateerr.New(migrateerr.Internal, "local backup: marshal document", err)
	}
	if err := writeEntry(zw, documentEntry, docBytes); err != nil {
		return model.BackupHandle{}, migrateerr.New(migrateerr.Internal, "local backup: write document entry", err)
	}

	if progress != nil {
		progress("writing events")
	}
	eventBytes, err := json.Marshal(bctx.Events)
	if err != nil {
		return model.BackupHandle{}, migrateerr.New(migrateerr.Internal, "local backup: marshal events", err)
	}
	if err := writeEntry(zw, eventsEntry, eventBytes); err != nil {
		return model.BackupHandle{}, migrateerr.New(migrateerr.Internal, "local backup: write events entry", err)
	}

	if err := zw.Close(); err != nil {
		return model.BackupHandle{}, migrateerr.New(migrateerr.Internal, "local backup: finalize archive", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return model.BackupHandle{}, migrateerr.New(migrateerr.Internal, "local backup: stat archive", err)
	}

	return model.BackupHandle{
		BackupID:      id,
		ProviderName:  p.ProviderName(),
		Location:      path,
		CreatedAt:     time.Now(),
		ObjectID:      bctx.Document.ObjectID,
		StreamVersion: bctx.Document.Active.CurrentVersion,
		EventCount:    int64(len(bctx.Events)),
		SizeBytes:     info.Size(),
	}, nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Restore validates handle's archive is intact and safe to read, decodes
// its events, and appends them onto rctx.Target's stream through
// DataStore. When rctx.Overwrite is false, the target stream must
// already be empty or Restore fails rather than interleaving with
// whatever is already there.
func (p *Provider) Restore(ctx context.Context, handle model.BackupHandle, rctx model.RestoreContext, progress func(string)) error {
	if progress != nil {
		progress("validating archive entries")
	}
	if err := p.validateEntries(handle.Location); err != nil {
		return err
	}
	events, err := p.ReadEvents(handle)
	if err != nil {
		return err
	}
	return p.restoreEvents(ctx, rctx, events, progress)
}

// validateEntries guards against zip-slip: every entry name in the
// archive must stay within it.
func (p *Provider) validateEntries(location string) error {
	r, err := zip.OpenReader(location)
	if err != nil {
		return migrateerr.New(migrateerr.Internal, "local restore: open archive", err)
	}
	defer r.Close()
	for _, f := range r.File {
		if strings.Contains(f.Name, "..") {
			return migrateerr.New(migrateerr.Internal, "local restore: unsafe entry path "+f.Name, nil)
		}
	}
	return nil
}

// restoreEvents appends events onto rctx.Target's stream through
// DataStore, factored out of Restore so it can be exercised without a
// real archive on disk.
func (p *Provider) restoreEvents(ctx context.Context, rctx model.RestoreContext, events []model.Event, progress func(string)) error {
	if p.DataStore == nil {
		return migrateerr.New(migrateerr.PreconditionViolated, "local restore: no DataStore configured", nil)
	}

	expectedVersion := model.NoExpectedVersion
	if !rctx.Overwrite {
		head, err := p.DataStore.Head(ctx, rctx.Target.Active.StreamIdentifier)
		if err != nil {
			return migrateerr.New(migrateerr.ReadFailed, "local restore: read target head", err)
		}
		if head != -1 {
			return migrateerr.New(migrateerr.PreconditionViolated,
				"local restore: target stream is not empty and overwrite was not requested", nil)
		}
	}

	if progress != nil {
		progress("appending restored events")
	}
	if err := p.DataStore.Append(ctx, rctx.Target, rctx.Target.Active.StreamIdentifier, expectedVersion, events); err != nil {
		return migrateerr.New(migrateerr.AppendFailed, "local restore: append restored events", err)
	}
	return nil
}

// ReadEvents decodes the events entry of handle's archive, for a
// caller that wants to append them back onto a live stream.
func (p *Provider) ReadEvents(handle model.BackupHandle) ([]model.Event, error) {
	r, err := zip.OpenReader(handle.Location)
	if err != nil {
		return nil, migrateerr.New(migrateerr.Internal, "local restore: open archive", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != eventsEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, migrateerr.New(migrateerr.Internal, "local restore: open events entry", err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, migrateerr.New(migrateerr.Internal, "local restore: read events entry", err)
		}
		var events []model.Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, migrateerr.New(migrateerr.Internal, "local restore: decode events", err)
		}
		return events, nil
	}
	return nil, migrateerr.New(migrateerr.Internal, "local restore: events entry not found", nil)
}

func (p *Provider) Validate(ctx context.Context, handle model.BackupHandle) (bool, error) {
	_, err := os.Stat(handle.Location)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, migrateerr.New(migrateerr.Internal, "local validate: stat archive", err)
	}
	r, err := zip.OpenReader(handle.Location)
	if err != nil {
		return false, nil
	}
	defer r.Close()
	return true, nil
}

func (p *Provider) Delete(ctx context.Context, handle model.BackupHandle) error {
	err := os.Remove(handle.Location)
	if err != nil && !os.IsNotExist(err) {
		return migrateerr.New(migrateerr.Internal, "local delete: remove archive", err)
	}
	return nil
}
