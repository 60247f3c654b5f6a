// Package s3 implements model.BackupProvider against an S3-compatible
// bucket: a manager.Uploader built once, MD5 metadata stored alongside
// each object for integrity verification, one object per backup handle
// (the document and its events serialized together as a single JSON
// blob).
package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"streamforge.dev/migrator/config"
	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
)

// Config selects the bucket and, for S3-compatible non-AWS endpoints
// (MinIO, Hetzner, etc.), an override endpoint URL.
type Config struct {
	Region          string
	Bucket          string
	EndpointURL     string // optional: non-AWS S3-compatible endpoint
	AccessKeyID     string
	SecretAccessKey string
	KeyPrefix       string
}

// Provider uploads/downloads backups as single objects in Config.Bucket.
// DataStore is the collaborator Restore replays events onto; a nil
// DataStore means Backup/Validate/Delete still work but Restore cannot.
type Provider struct {
	cfg       Config
	client    *s3.Client
	uploader  *manager.Uploader
	DataStore model.DataStore
}

// New builds a Provider from cfg, resolving AWS configuration with a
// custom endpoint and static credentials when supplied. dataStore is
// used by Restore to write decoded events back onto a target stream; it
// may be nil for a provider that only ever backs up.
func New(ctx context.Context, cfg Config, dataStore model.DataStore) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &Provider{cfg: cfg, client: client, uploader: manager.NewUploader(client), DataStore: dataStore}, nil
}

// NewFromEnv builds a Provider from an S3BackupConfig read under prefix
// (see config.LoadS3BackupConfig).
func NewFromEnv(ctx context.Context, prefix string, dataStore model.DataStore) (*Provider, error) {
	c := config.LoadS3BackupConfig(prefix)
	return New(ctx, Config{
		Region:          c.Region,
		Bucket:          c.Bucket,
		EndpointURL:     c.EndpointURL,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		KeyPrefix:       c.KeyPrefix,
	}, dataStore)
}

func (p *Provider) ProviderName() string { return "s3" }

type snapshot struct {
	Document model.ObjectDocument `json:"document"`
	Events   []model.Event        `json:"events"`
}

func (p *Provider) objectKey(backupID string) string {
	if p.cfg.KeyPrefix != "" {
		return p.cfg.KeyPrefix + "/" + backupID + ".json"
	}
	return backupID + ".json"
}

// Backup serializes bctx into a single JSON object and uploads it with
// an MD5 metadata entry for later integrity checks.
func (p *Provider) Backup(ctx context.Context, bctx model.BackupContext, progress func(string)) (model.BackupHandle, error) {
	id := uuid.NewString()
	snap := snapshot{Document: bctx.Document, Events: bctx.Events}

	data, err := json.Marshal(snap)
	if err != nil {
		return model.BackupHandle{}, migrateerr.New(migrateerr.Internal, "s3 backup: marshal snapshot", err)
	}
	sum := md5.Sum(data)
	key := p.objectKey(id)

	if progress != nil {
		progress("uploading to " + p.cfg.Bucket + "/" + key)
	}
	_, err = p.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"md5": hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		return model.BackupHandle{}, migrateerr.New(migrateerr.Internal, "s3 backup: upload object", err)
	}

	return model.BackupHandle{
		BackupID:      id,
		ProviderName:  p.ProviderName(),
		Location:      "s3://" + p.cfg.Bucket + "/" + key,
		CreatedAt:     time.Now(),
		ObjectID:      bctx.Document.ObjectID,
		StreamVersion: bctx.Document.Active.CurrentVersion,
		EventCount:    int64(len(bctx.Events)),
		SizeBytes:     int64(len(data)),
	}, nil
}

// ReadSnapshot downloads and decodes handle's object for a caller that
// wants to re-append the backed-up events onto a live stream.
func (p *Provider) ReadSnapshot(ctx context.Context, handle model.BackupHandle) (model.ObjectDocument, []model.Event, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.objectKey(handle.BackupID)),
	})
	if err != nil {
		return model.ObjectDocument{}, nil, migrateerr.New(migrateerr.Internal, "s3 restore: get object", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return model.ObjectDocument{}, nil, migrateerr.New(migrateerr.Internal, "s3 restore: read object", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.ObjectDocument{}, nil, migrateerr.New(migrateerr.Internal, "s3 restore: decode snapshot", err)
	}
	return snap.Document, snap.Events, nil
}

// Restore downloads and decodes handle's object, then appends the
// recovered events onto rctx.Target's stream through DataStore.
func (p *Provider) Restore(ctx context.Context, handle model.BackupHandle, rctx model.RestoreContext, progress func(string)) error {
	if progress != nil {
		progress("downloading backup object")
	}
	_, events, err := p.ReadSnapshot(ctx, handle)
	if err != nil {
		return err
	}
	return p.restoreEvents(ctx, rctx, events, progress)
}

// restoreEvents appends events onto rctx.Target's stream through
// DataStore, factored out of Restore so it can be exercised without a
// real S3 endpoint. When rctx.Overwrite is false, the target stream
// must already be empty or Restore fails rather than interleaving with
// whatever is already there.
func (p *Provider) restoreEvents(ctx context.Context, rctx model.RestoreContext, events []model.Event, progress func(string)) error {
	if p.DataStore == nil {
		return migrateerr.New(migrateerr.PreconditionViolated, "s3 restore: no DataStore configured", nil)
	}

	expectedVersion := model.NoExpectedVersion
	if !rctx.Overwrite {
		head, err := p.DataStore.Head(ctx, rctx.Target.Active.StreamIdentifier)
		if err != nil {
			return migrateerr.New(migrateerr.ReadFailed, "s3 restore: read target head", err)
		}
		if head != -1 {
			return migrateerr.New(migrateerr.PreconditionViolated,
				"s3 restore: target stream is not empty and overwrite was not requested", nil)
		}
	}

	if progress != nil {
		progress("appending restored events")
	}
	if err := p.DataStore.Append(ctx, rctx.Target, rctx.Target.Active.StreamIdentifier, expectedVersion, events); err != nil {
		return migrateerr.New(migrateerr.AppendFailed, "s3 restore: append restored events", err)
	}
	return nil
}

func (p *Provider) Validate(ctx context.Context, handle model.BackupHandle) (bool, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.objectKey(handle.BackupID)),
	})
	if err != nil {
		return false, nil
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return false, migrateerr.New(migrateerr.Internal, "s3 validate: read object", err)
	}
	sum := md5.Sum(data)
	expected, ok := out.Metadata["md5"]
	if !ok {
		return true, nil
	}
	return hex.EncodeToString(sum[:]) == expected, nil
}

func (p *Provider) Delete(ctx context.Context, handle model.BackupHandle) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(p.objectKey(handle.BackupID)),
	})
	if err != nil {
		return migrateerr.New(migrateerr.Internal, "s3 delete: delete object", err)
	}
	return nil
}
