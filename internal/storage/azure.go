package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// Azure metadata names must be valid identifiers, so no dash here
const azureExpiresMeta = "expiresat"

// azureBlob is one downloaded blob
type azureBlob struct {
	data     []byte
	metadata map[string]string
	etag     string
}

// azureContainer is the part of a container the backend uses. An empty
// ifMatch with ifNoneMatch false writes unconditionally.
type azureContainer interface {
	download(ctx context.Context, name string) (azureBlob, error)
	upload(ctx context.Context, name string, data []byte, metadata map[string]string, ifMatch string, ifNoneMatch bool) error
	delete(ctx context.Context, name string) error
	list(ctx context.Context, prefix string) ([]string, error)
}

var (
	errAzureNotFound     = errors.New("azure: blob not found")
	errAzurePrecondition = errors.New("azure: condition not met")
)

// AzureBackend stores one block blob per key
type AzureBackend struct {
	container azureContainer
	prefix    string
	now       func() time.Time
}

// NewAzureBackend connects with a shared key credential
func NewAzureBackend(cfg AzureConfig) (*AzureBackend, error) {
	if cfg.AccountName == "" || cfg.Container == "" {
		return nil, errors.New("azure backend requires account_name and container")
	}
	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure credentials: %w", err)
	}
	u, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net/%s", cfg.AccountName, cfg.Container))
	if err != nil {
		return nil, err
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})
	container := &azblobContainer{url: azblob.NewContainerURL(*u, pipeline)}
	return newAzureBackend(container, cfg.Prefix), nil
}

func newAzureBackend(container azureContainer, prefix string) *AzureBackend {
	return &AzureBackend{container: container, prefix: prefix, now: time.Now}
}

// Get downloads a blob
func (a *AzureBackend) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := a.container.download(ctx, a.prefix+key)
	if err != nil {
		if errors.Is(err, errAzureNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("azure get %s: %w", key, err)
	}
	if expired(metadataExpiry(blob.metadata, azureExpiresMeta), a.now()) {
		return nil, ErrNotFound
	}
	return blob.data, nil
}

// Put uploads a blob unconditionally
func (a *AzureBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := a.container.upload(ctx, a.prefix+key, value, nil, "", false); err != nil {
		return fmt.Errorf("azure put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent uploads with If-None-Match: *, replacing an expired blob by
// matching its ETag
func (a *AzureBackend) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := a.now()
	var meta map[string]string
	if exp := expiryFor(ttl, now); !exp.IsZero() {
		meta = map[string]string{azureExpiresMeta: strconv.FormatInt(exp.Unix(), 10)}
	}

	name := a.prefix + key
	err := a.container.upload(ctx, name, value, meta, "", true)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, errAzurePrecondition) {
		return false, fmt.Errorf("azure conditional put %s: %w", key, err)
	}

	existing, err := a.container.download(ctx, name)
	if err != nil {
		if errors.Is(err, errAzureNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("azure get %s: %w", key, err)
	}
	if !expired(metadataExpiry(existing.metadata, azureExpiresMeta), now) {
		return false, nil
	}
	if err := a.container.upload(ctx, name, value, meta, existing.etag, false); err != nil {
		if errors.Is(err, errAzurePrecondition) {
			return false, nil
		}
		return false, fmt.Errorf("azure replace expired %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a blob
func (a *AzureBackend) Delete(ctx context.Context, key string) error {
	err := a.container.delete(ctx, a.prefix+key)
	if err != nil && !errors.Is(err, errAzureNotFound) {
		return fmt.Errorf("azure delete %s: %w", key, err)
	}
	return nil
}

// List returns blob names under the prefix
func (a *AzureBackend) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := a.container.list(ctx, a.prefix+prefix)
	if err != nil {
		return nil, fmt.Errorf("azure list %s: %w", prefix, err)
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, strings.TrimPrefix(n, a.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op
func (a *AzureBackend) Close() error {
	return nil
}

// azblobContainer adapts a container URL
type azblobContainer struct {
	url azblob.ContainerURL
}

func (c *azblobContainer) download(ctx context.Context, name string) (azureBlob, error) {
	blobURL := c.url.NewBlockBlobURL(name)
	response, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return azureBlob{}, translateAzureError(err)
	}
	body := response.Body(azblob.RetryReaderOptions{})
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return azureBlob{}, fmt.Errorf("failed to read blob content: %w", err)
	}
	return azureBlob{data: data, metadata: response.NewMetadata(), etag: string(response.ETag())}, nil
}

func (c *azblobContainer) upload(ctx context.Context, name string, data []byte, metadata map[string]string, ifMatch string, ifNoneMatch bool) error {
	conditions := azblob.ModifiedAccessConditions{}
	if ifNoneMatch {
		conditions.IfNoneMatch = azblob.ETagAny
	}
	if ifMatch != "" {
		conditions.IfMatch = azblob.ETag(ifMatch)
	}
	blobURL := c.url.NewBlockBlobURL(name)
	_, err := blobURL.Upload(ctx, bytes.NewReader(data),
		azblob.BlobHTTPHeaders{ContentType: "application/json"},
		azblob.Metadata(metadata),
		azblob.BlobAccessConditions{ModifiedAccessConditions: conditions},
		azblob.DefaultAccessTier, nil, azblob.ClientProvidedKeyOptions{}, azblob.ImmutabilityPolicyOptions{})
	return translateAzureError(err)
}

func (c *azblobContainer) delete(ctx context.Context, name string) error {
	_, err := c.url.NewBlockBlobURL(name).Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	return translateAzureError(err)
}

func (c *azblobContainer) list(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := c.url.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{Prefix: prefix})
		if err != nil {
			return nil, translateAzureError(err)
		}
		marker = resp.NextMarker
		for _, item := range resp.Segment.BlobItems {
			names = append(names, item.Name)
		}
	}
	return names, nil
}

func translateAzureError(err error) error {
	if err == nil {
		return nil
	}
	var stgErr azblob.StorageError
	if errors.As(err, &stgErr) {
		switch stgErr.ServiceCode() {
		case azblob.ServiceCodeBlobNotFound:
			return fmt.Errorf("%w: %v", errAzureNotFound, err)
		case azblob.ServiceCodeConditionNotMet, azblob.ServiceCodeBlobAlreadyExists:
			return fmt.Errorf("%w: %v", errAzurePrecondition, err)
		}
	}
	return err
}
