// Package audio persists synthesized speech so cached handles stay resolvable.
package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schemewise/governance/internal/security"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// PathPrefix is where handles are served over HTTP.
const PathPrefix = "/v1/audio/"

var (
	blobBucket = []byte("audio")
	metaBucket = []byte("audio_meta")

	// ErrNotFound is returned for unknown or expired handles.
	ErrNotFound = errors.New("audio: not found")
)

// Handle is an opaque reference to stored audio.
type Handle struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

type meta struct {
	ContentType string    `json:"contentType"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is a bbolt-backed blob store.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("audio: empty path")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
			return nil, fmt.Errorf("audio: create dir: %w", errMkdir)
		}
	}
	db, errOpen := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if errOpen != nil {
		return nil, fmt.Errorf("audio: open %s: %w", path, errOpen)
	}
	if errInit := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{blobBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); errInit != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audio: init buckets: %w", errInit)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the store is open and initialized.
func (s *Store) Ping(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(blobBucket) == nil || tx.Bucket(metaBucket) == nil {
			return errors.New("audio: buckets missing")
		}
		return nil
	})
}

// Save stores data under a new random id.
func (s *Store) Save(data []byte, contentType string) (Handle, error) {
	if len(data) == 0 {
		return Handle{}, errors.New("audio: empty payload")
	}
	id, errID := security.GenerateRandomString(32)
	if errID != nil {
		return Handle{}, errID
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = "audio/mpeg"
	}
	encoded, errMarshal := json.Marshal(meta{ContentType: contentType, Size: len(data), CreatedAt: s.now().UTC()})
	if errMarshal != nil {
		return Handle{}, errMarshal
	}
	if errUpdate := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blobBucket).Put([]byte(id), data); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put([]byte(id), encoded)
	}); errUpdate != nil {
		return Handle{}, fmt.Errorf("audio: save: %w", errUpdate)
	}
	return Handle{ID: id, URL: PathPrefix + id, ContentType: contentType, Size: len(data)}, nil
}

// Load returns the stored bytes and content type for id.
func (s *Store) Load(id string) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	errView := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(blobBucket).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var m meta
		if err := json.Unmarshal(tx.Bucket(metaBucket).Get([]byte(id)), &m); err != nil {
			return fmt.Errorf("audio: decode meta: %w", err)
		}
		// Values are only valid inside the transaction.
		data = append([]byte(nil), raw...)
		contentType = m.ContentType
		return nil
	})
	if errView != nil {
		return nil, "", errView
	}
	return data, contentType, nil
}

// Sweep deletes entries older than retention and returns how many were removed.
func (s *Store) Sweep(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-retention)
	removed := 0
	errUpdate := s.db.Update(func(tx *bolt.Tx) error {
		metas := tx.Bucket(metaBucket)
		blobs := tx.Bucket(blobBucket)
		var expired [][]byte
		if err := metas.ForEach(func(k, v []byte) error {
			var m meta
			if err := json.Unmarshal(v, &m); err != nil || m.CreatedAt.Before(cutoff) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := metas.Delete(k); err != nil {
				return err
			}
			if err := blobs.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if errUpdate != nil {
		return 0, fmt.Errorf("audio: sweep: %w", errUpdate)
	}
	return removed, nil
}

// StartRetention sweeps the store every interval until ctx is done.
func (s *Store) StartRetention(ctx context.Context, retention, interval time.Duration) {
	if s == nil || retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		for {
			if removed, err := s.Sweep(retention); err != nil {
				log.WithError(err).Warn("audio retention: sweep failed")
			} else if removed > 0 {
				log.Infof("audio retention: removed %d entries (retention=%s)", removed, retention)
			}
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
		}
	}()
	log.Infof("audio retention started (retention=%s interval=%s)", retention, interval)
}
