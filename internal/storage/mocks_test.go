package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// mockDynamoDB evaluates the conditional put the backend issues
type mockDynamoDB struct {
	mu    sync.Mutex
	items map[string]map[string]ddbtypes.AttributeValue
}

func newMockDynamoDB() *mockDynamoDB {
	return &mockDynamoDB{items: make(map[string]map[string]ddbtypes.AttributeValue)}
}

func attrS(item map[string]ddbtypes.AttributeValue, name string) string {
	if v, ok := item[name].(*ddbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func mockItemKey(item map[string]ddbtypes.AttributeValue) string {
	return attrS(item, ddbPartitionKey) + "\x00" + attrS(item, ddbSortKey)
}

func (m *mockDynamoDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: m.items[mockItemKey(in.Key)]}, nil
}

func (m *mockDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mockItemKey(in.Item)
	if in.ConditionExpression != nil {
		if existing, ok := m.items[key]; ok {
			nowAttr := in.ExpressionAttributeValues[":now"].(*ddbtypes.AttributeValueMemberN)
			sec, _ := strconv.ParseInt(nowAttr.Value, 10, 64)
			if !itemExpired(existing, time.Unix(sec, 0)) {
				return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
			}
		}
	}
	m.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, mockItemKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDynamoDB) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := attrS(in.ExpressionAttributeValues, ":pk")
	skPrefix := attrS(in.ExpressionAttributeValues, ":sk")
	out := &dynamodb.QueryOutput{}
	for _, item := range m.items {
		if attrS(item, ddbPartitionKey) == pk && strings.HasPrefix(attrS(item, ddbSortKey), skPrefix) {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

type mockS3Object struct {
	data []byte
	meta map[string]string
	etag string
}

// mockS3 honours If-None-Match and If-Match the way S3 does
type mockS3 struct {
	mu      sync.Mutex
	objects map[string]mockS3Object
	version int
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string]mockS3Object)}
}

func preconditionFailed() error {
	return &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.data)),
		Metadata: obj.meta,
		ETag:     aws.String(obj.etag),
	}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := aws.ToString(in.Key)
	existing, exists := m.objects[key]
	if aws.ToString(in.IfNoneMatch) == "*" && exists {
		return nil, preconditionFailed()
	}
	if in.IfMatch != nil && (!exists || existing.etag != aws.ToString(in.IfMatch)) {
		return nil, preconditionFailed()
	}
	m.version++
	etag := fmt.Sprintf("%q", strconv.Itoa(m.version))
	m.objects[key] = mockS3Object{data: data, meta: in.Metadata, etag: etag}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: obj.meta, ETag: aws.String(obj.etag)}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key := range m.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
		}
	}
	return out, nil
}

// mockGCSBucket models object generations
type mockGCSBucket struct {
	mu         sync.Mutex
	objects    map[string]gcsObject
	generation int64
	closed     bool
}

func newMockGCSBucket() *mockGCSBucket {
	return &mockGCSBucket{objects: make(map[string]gcsObject)}
}

func (m *mockGCSBucket) read(_ context.Context, name string) (gcsObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[name]
	if !ok {
		return gcsObject{}, gcs.ErrObjectNotExist
	}
	return obj, nil
}

func (m *mockGCSBucket) write(_ context.Context, name string, data []byte, metadata map[string]string, ifGeneration int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.objects[name]
	switch {
	case ifGeneration == 0 && exists:
		return errGCSPrecondition
	case ifGeneration > 0 && (!exists || existing.generation != ifGeneration):
		return errGCSPrecondition
	}
	m.generation++
	m.objects[name] = gcsObject{data: append([]byte(nil), data...), metadata: metadata, generation: m.generation}
	return nil
}

func (m *mockGCSBucket) delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[name]; !ok {
		return gcs.ErrObjectNotExist
	}
	delete(m.objects, name)
	return nil
}

func (m *mockGCSBucket) list(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (m *mockGCSBucket) close() error {
	m.closed = true
	return nil
}

// mockAzureContainer models blob ETags
type mockAzureContainer struct {
	mu      sync.Mutex
	blobs   map[string]azureBlob
	version int
}

func newMockAzureContainer() *mockAzureContainer {
	return &mockAzureContainer{blobs: make(map[string]azureBlob)}
}

func (m *mockAzureContainer) download(_ context.Context, name string) (azureBlob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.blobs[name]
	if !ok {
		return azureBlob{}, errAzureNotFound
	}
	return blob, nil
}

func (m *mockAzureContainer) upload(_ context.Context, name string, data []byte, metadata map[string]string, ifMatch string, ifNoneMatch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.blobs[name]
	if ifNoneMatch && exists {
		return errAzurePrecondition
	}
	if ifMatch != "" && (!exists || existing.etag != ifMatch) {
		return errAzurePrecondition
	}
	m.version++
	m.blobs[name] = azureBlob{data: append([]byte(nil), data...), metadata: metadata, etag: "0x" + strconv.Itoa(m.version)}
	return nil
}

func (m *mockAzureContainer) delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blobs[name]; !ok {
		return errAzureNotFound
	}
	delete(m.blobs, name)
	return nil
}

func (m *mockAzureContainer) list(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name := range m.blobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}
