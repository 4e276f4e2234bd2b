package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// errGCSPrecondition reports a failed generation precondition
var errGCSPrecondition = errors.New("gcs: precondition failed")

// gcsObject is one object read from a bucket
type gcsObject struct {
	data       []byte
	metadata   map[string]string
	generation int64
}

// gcsBucket is the part of a bucket the backend uses. ifGeneration selects
// the write precondition: -1 unconditional, 0 does-not-exist, >0 exact match.
type gcsBucket interface {
	read(ctx context.Context, name string) (gcsObject, error)
	write(ctx context.Context, name string, data []byte, metadata map[string]string, ifGeneration int64) error
	delete(ctx context.Context, name string) error
	list(ctx context.Context, prefix string) ([]string, error)
	close() error
}

// GCSBackend stores one object per key in a Cloud Storage bucket, using
// generation preconditions for create-if-absent
type GCSBackend struct {
	bucket gcsBucket
	prefix string
	now    func() time.Time
}

// NewGCSBackend creates a client with optional service account credentials
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs backend requires a bucket")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return newGCSBackend(&gcsClientBucket{client: client, handle: client.Bucket(cfg.Bucket)}, cfg.Prefix), nil
}

func newGCSBackend(bucket gcsBucket, prefix string) *GCSBackend {
	return &GCSBackend{bucket: bucket, prefix: prefix, now: time.Now}
}

// Get reads an object
func (g *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := g.bucket.read(ctx, g.prefix+key)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs get %s: %w", key, err)
	}
	if expired(metadataExpiry(obj.metadata, objectExpiresMeta), g.now()) {
		return nil, ErrNotFound
	}
	return obj.data, nil
}

// Put writes an object unconditionally
func (g *GCSBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := g.bucket.write(ctx, g.prefix+key, value, nil, -1); err != nil {
		return fmt.Errorf("gcs put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent writes with DoesNotExist, falling back to a generation match
// when the existing object has expired
func (g *GCSBackend) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := g.now()
	var meta map[string]string
	if exp := expiryFor(ttl, now); !exp.IsZero() {
		meta = map[string]string{objectExpiresMeta: strconv.FormatInt(exp.Unix(), 10)}
	}

	name := g.prefix + key
	err := g.bucket.write(ctx, name, value, meta, 0)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, errGCSPrecondition) {
		return false, fmt.Errorf("gcs conditional put %s: %w", key, err)
	}

	existing, err := g.bucket.read(ctx, name)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs get %s: %w", key, err)
	}
	if !expired(metadataExpiry(existing.metadata, objectExpiresMeta), now) {
		return false, nil
	}
	if err := g.bucket.write(ctx, name, value, meta, existing.generation); err != nil {
		if errors.Is(err, errGCSPrecondition) {
			return false, nil
		}
		return false, fmt.Errorf("gcs replace expired %s: %w", key, err)
	}
	return true, nil
}

// Delete removes an object
func (g *GCSBackend) Delete(ctx context.Context, key string) error {
	err := g.bucket.delete(ctx, g.prefix+key)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", key, err)
	}
	return nil
}

// List returns object names under the prefix
func (g *GCSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := g.bucket.list(ctx, g.prefix+prefix)
	if err != nil {
		return nil, fmt.Errorf("gcs list %s: %w", prefix, err)
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, strings.TrimPrefix(n, g.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the client
func (g *GCSBackend) Close() error {
	return g.bucket.close()
}

// gcsClientBucket adapts a real bucket handle
type gcsClientBucket struct {
	client *gcs.Client
	handle *gcs.BucketHandle
}

func (b *gcsClientBucket) read(ctx context.Context, name string) (gcsObject, error) {
	r, err := b.handle.Object(name).NewReader(ctx)
	if err != nil {
		return gcsObject{}, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return gcsObject{}, err
	}
	return gcsObject{data: data, metadata: r.Metadata(), generation: r.Attrs.Generation}, nil
}

func (b *gcsClientBucket) write(ctx context.Context, name string, data []byte, metadata map[string]string, ifGeneration int64) error {
	obj := b.handle.Object(name)
	switch {
	case ifGeneration == 0:
		obj = obj.If(gcs.Conditions{DoesNotExist: true})
	case ifGeneration > 0:
		obj = obj.If(gcs.Conditions{GenerationMatch: ifGeneration})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = metadata
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return translateGCSError(err)
	}
	return translateGCSError(w.Close())
}

func (b *gcsClientBucket) delete(ctx context.Context, name string) error {
	return b.handle.Object(name).Delete(ctx)
}

func (b *gcsClientBucket) list(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := b.handle.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (b *gcsClientBucket) close() error {
	return b.client.Close()
}

func translateGCSError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return fmt.Errorf("%w: %v", errGCSPrecondition, err)
	}
	return err
}
