package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Image buckets. Session images outlive the bounded detection history,
// so each owner gets its own copy.
const (
	BucketDetection = "detection"
	BucketSession   = "session"
)

var (
	ErrImageNotFound = errors.New("image not found")
	ErrInvalidRef    = errors.New("invalid image reference")
)

type Image struct {
	Ref         string
	ContentType string
	Data        []byte
}

// ImageStore holds the binary images referenced by sessions and detections.
type ImageStore interface {
	Put(ctx context.Context, bucket string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) (*Image, error)
	Release(ctx context.Context, ref string) error
}

// BadgerImageStore keeps images in an embedded badger database.
type BadgerImageStore struct {
	db  *badger.DB
	log zerolog.Logger
}

// OpenBadger opens (or creates) the image database at dir. With inMemory
// set, dir is ignored and nothing touches the disk.
func OpenBadger(dir string, inMemory bool, log zerolog.Logger) (*BadgerImageStore, error) {
	log = log.With().Str("component", "image_store").Logger()

	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log: log})
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{log: log})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open image store: %w", err)
	}
	return &BadgerImageStore{db: db, log: log}, nil
}

func (s *BadgerImageStore) Put(ctx context.Context, bucket string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if bucket == "" || strings.Contains(bucket, ".") {
		return "", fmt.Errorf("%w: bucket %q", ErrInvalidRef, bucket)
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}

	ref := bucket + "." + uuid.NewString()
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(ref), data); err != nil {
			return err
		}
		return txn.Set(typeKey(ref), []byte(contentType))
	})
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return ref, nil
}

func (s *BadgerImageStore) Get(ctx context.Context, ref string) (*Image, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}

	img := &Image{Ref: ref}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(ref))
		if err != nil {
			return err
		}
		if img.Data, err = item.ValueCopy(nil); err != nil {
			return err
		}

		item, err = txn.Get(typeKey(ref))
		if err != nil {
			return err
		}
		ct, err := item.ValueCopy(nil)
		img.ContentType = string(ct)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", ref, err)
	}
	return img, nil
}

// Release deletes ref. Releasing an unknown ref is not an error.
func (s *BadgerImageStore) Release(ctx context.Context, ref string) error {
	if err := validRef(ref); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(dataKey(ref)); err != nil {
			return err
		}
		return txn.Delete(typeKey(ref))
	})
	if err != nil {
		return fmt.Errorf("release image %s: %w", ref, err)
	}
	return nil
}

func (s *BadgerImageStore) Close() error {
	return s.db.Close()
}

func validRef(ref string) error {
	bucket, id, ok := strings.Cut(ref, ".")
	if !ok || bucket == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}

func dataKey(ref string) []byte { return []byte("img/" + ref) }
func typeKey(ref string) []byte { return []byte("ctype/" + ref) }

// badgerLogger routes badger's internal logging into zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(strings.TrimSpace(format), args...)
}
