// Package metastore persists meta maps, upload records and resume records
// in a single embedded key-value file, so a restart recovers open uploads
// and resumable downloads without a round trip to the provider.
package metastore

import (
	"context"
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/repertory/repertory/pkg/apitypes"
	apierrors "github.com/repertory/repertory/pkg/errors"
)

var (
	bucketMeta   = []byte("meta")
	bucketUpload = []byte("uploads")
	bucketResume = []byte("resume")
)

// Store is a bbolt-backed key-value store keyed by API path.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the database file at path and ensures the
// three top-level buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, apierrors.ErrOSError.WithCause(err).WithOperation("metastore_open").WithContext("path", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketUpload, bucketResume} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apierrors.ErrOSError.WithCause(err).WithOperation("metastore_init_buckets")
	}

	return &Store{db: db}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetMeta returns the meta map for apiPath, or ErrItemNotFound.
func (s *Store) GetMeta(ctx context.Context, apiPath apitypes.ApiPath) (apitypes.MetaMap, error) {
	var m apitypes.MetaMap
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(apiPath))
		if v == nil {
			return apierrors.ErrItemNotFound
		}
		return json.Unmarshal(v, &m)
	})
	if err != nil {
		if e, ok := err.(*apierrors.Error); ok {
			return nil, e
		}
		return nil, apierrors.ErrOSError.WithCause(err).WithOperation("get_meta")
	}
	return m, nil
}

// SetMeta replaces the meta map for apiPath, merging recognised directory
// invariants before persisting.
func (s *Store) SetMeta(ctx context.Context, apiPath apitypes.ApiPath, m apitypes.MetaMap) error {
	apitypes.NormalizeDirectoryMeta(m)
	buf, err := json.Marshal(m)
	if err != nil {
		return apierrors.ErrOSError.WithCause(err).WithOperation("marshal_meta")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(apiPath), buf)
	})
}

// RemoveMeta deletes the meta map for apiPath. Idempotent.
func (s *Store) RemoveMeta(ctx context.Context, apiPath apitypes.ApiPath) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Delete([]byte(apiPath))
	})
}

// RenameMeta moves the meta map (and any upload/resume records) from one key
// to another atomically, for use alongside a provider-level rename.
func (s *Store) RenameMeta(ctx context.Context, from, to apitypes.ApiPath) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketUpload, bucketResume} {
			b := tx.Bucket(name)
			v := b.Get([]byte(from))
			if v == nil {
				continue
			}
			if err := b.Put([]byte(to), v); err != nil {
				return err
			}
			if err := b.Delete([]byte(from)); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutUpload persists an upload record, keyed by api path.
func (s *Store) PutUpload(ctx context.Context, rec apitypes.UploadRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return apierrors.ErrOSError.WithCause(err).WithOperation("marshal_upload")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUpload).Put([]byte(rec.ApiPath), buf)
	})
}

// RemoveUpload deletes the upload record for apiPath. Idempotent.
func (s *Store) RemoveUpload(ctx context.Context, apiPath apitypes.ApiPath) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUpload).Delete([]byte(apiPath))
	})
}

// ListUploads returns every persisted upload record, for queue recovery on
// startup.
func (s *Store) ListUploads(ctx context.Context) ([]apitypes.UploadRecord, error) {
	var out []apitypes.UploadRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUpload).ForEach(func(k, v []byte) error {
			var rec apitypes.UploadRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, apierrors.ErrOSError.WithCause(err).WithOperation("list_uploads")
	}
	return out, nil
}

// PutResume persists a resume record for a cached file with partial content
// and no open handles.
func (s *Store) PutResume(ctx context.Context, rec apitypes.ResumeRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return apierrors.ErrOSError.WithCause(err).WithOperation("marshal_resume")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResume).Put([]byte(rec.ApiPath), buf)
	})
}

// GetResume returns the resume record for apiPath, or ErrItemNotFound.
func (s *Store) GetResume(ctx context.Context, apiPath apitypes.ApiPath) (apitypes.ResumeRecord, error) {
	var rec apitypes.ResumeRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketResume).Get([]byte(apiPath))
		if v == nil {
			return apierrors.ErrItemNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		if e, ok := err.(*apierrors.Error); ok {
			return apitypes.ResumeRecord{}, e
		}
		return apitypes.ResumeRecord{}, apierrors.ErrOSError.WithCause(err).WithOperation("get_resume")
	}
	return rec, nil
}

// RemoveResume deletes the resume record for apiPath. Idempotent.
func (s *Store) RemoveResume(ctx context.Context, apiPath apitypes.ApiPath) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResume).Delete([]byte(apiPath))
	})
}
