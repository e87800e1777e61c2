package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrObjectExists   = errors.New("object already exists")
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidName    = errors.New("invalid object name")
)

// Object is a stored blob with its metadata.
type Object struct {
	Name        string
	ContentType string
	Size        int
	UploadedAt  time.Time
	Data        []byte
}

type objectMeta struct {
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Bucket is a write-once object bucket persisted in PebbleDB.
type Bucket struct {
	db            *pebble.DB
	name          string
	publicBaseURL string

	// serializes the exists check with the write
	mu sync.Mutex
}

// Open opens or creates the bucket store under dir.
func Open(dir, name, publicBaseURL string) (*Bucket, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble bucket: %w", err)
	}
	return &Bucket{db: db, name: name, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Upload stores data under name and returns the object path. Existing objects
// are never overwritten.
func (b *Bucket) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	meta, err := json.Marshal(objectMeta{
		ContentType: mimetype.Detect(data).String(),
		Size:        len(data),
		UploadedAt:  time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	_, closer, err := b.db.Get(b.metaKey(name))
	if err == nil {
		closer.Close()
		return "", fmt.Errorf("%s/%s: %w", b.name, name, ErrObjectExists)
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return "", fmt.Errorf("check object: %w", err)
	}

	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(b.dataKey(name), data, nil); err != nil {
		return "", err
	}
	if err := batch.Set(b.metaKey(name), meta, nil); err != nil {
		return "", err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	return name, nil
}

// Get loads an object.
func (b *Bucket) Get(ctx context.Context, name string) (Object, error) {
	if err := validName(name); err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	var meta objectMeta
	if err := b.read(b.metaKey(name), func(v []byte) error { return json.Unmarshal(v, &meta) }); err != nil {
		return Object{}, err
	}
	var data []byte
	if err := b.read(b.dataKey(name), func(v []byte) error {
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	}); err != nil {
		return Object{}, err
	}
	return Object{Name: name, ContentType: meta.ContentType, Size: meta.Size, UploadedAt: meta.UploadedAt, Data: data}, nil
}

// PublicURL resolves the public URL of an object path.
func (b *Bucket) PublicURL(path string) string {
	return b.publicBaseURL + "/storage/v1/object/public/" + url.PathEscape(b.name) + "/" + url.PathEscape(path)
}

func (b *Bucket) Close() error {
	return b.db.Close()
}

func (b *Bucket) read(key []byte, fn func([]byte) error) error {
	v, closer, err := b.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrObjectNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return fn(v)
}

func (b *Bucket) metaKey(name string) []byte { return []byte("meta/" + b.name + "/" + name) }
func (b *Bucket) dataKey(name string) []byte { return []byte("data/" + b.name + "/" + name) }

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}
