package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attribute names of the DynamoDB table. The table needs a string partition
// key "pk" and a string sort key "sk"; enabling native TTL on "expires_at"
// lets DynamoDB reclaim expired locks, though reads never depend on it.
const (
	ddbPartitionKey = "pk"
	ddbSortKey      = "sk"
	ddbValue        = "v"
	ddbExpiresAt    = "expires_at"
)

// DynamoDBAPI is the part of the DynamoDB client the backend uses
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBBackend stores records in a single table. The last key segment is
// the sort key and everything before it the partition key, so listing a
// tenant's records is a single-partition Query.
type DynamoDBBackend struct {
	client DynamoDBAPI
	table  string
	now    func() time.Time
}

// NewDynamoDBBackend loads AWS configuration and creates the backend
func NewDynamoDBBackend(ctx context.Context, cfg DynamoDBConfig) (*DynamoDBBackend, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamodb backend requires a table")
	}
	awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.Profile)
	if err != nil {
		return nil, err
	}
	return NewDynamoDBBackendWithClient(dynamodb.NewFromConfig(awsCfg), cfg.Table), nil
}

// NewDynamoDBBackendWithClient creates the backend around an existing client
func NewDynamoDBBackendWithClient(client DynamoDBAPI, table string) *DynamoDBBackend {
	return &DynamoDBBackend{client: client, table: table, now: time.Now}
}

func splitDynamoKey(key string) (string, string) {
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return key, "-"
	}
	return key[:i], key[i+1:]
}

func (d *DynamoDBBackend) itemKey(key string) map[string]ddbtypes.AttributeValue {
	pk, sk := splitDynamoKey(key)
	return map[string]ddbtypes.AttributeValue{
		ddbPartitionKey: &ddbtypes.AttributeValueMemberS{Value: pk},
		ddbSortKey:      &ddbtypes.AttributeValueMemberS{Value: sk},
	}
}

// Get reads an item with strong consistency
func (d *DynamoDBBackend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %s: %w", key, err)
	}
	if len(out.Item) == 0 || itemExpired(out.Item, d.now()) {
		return nil, ErrNotFound
	}
	v, ok := out.Item[ddbValue].(*ddbtypes.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("dynamodb item %s has no binary value", key)
	}
	return v.Value, nil
}

func (d *DynamoDBBackend) item(key string, value []byte, expiresAt time.Time) map[string]ddbtypes.AttributeValue {
	item := d.itemKey(key)
	item[ddbValue] = &ddbtypes.AttributeValueMemberB{Value: value}
	if !expiresAt.IsZero() {
		item[ddbExpiresAt] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt.Unix(), 10)}
	}
	return item
}

// Put writes an item unconditionally
func (d *DynamoDBBackend) Put(ctx context.Context, key string, value []byte) error {
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      d.item(key, value, time.Time{}),
	})
	if err != nil {
		return fmt.Errorf("dynamodb put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent writes the item when no item exists or the existing one has
// expired; the check and the write are one conditional PutItem
func (d *DynamoDBBackend) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := d.now()
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                d.item(key, value, expiryFor(ttl, now)),
		ConditionExpression: aws.String("attribute_not_exists(#pk) OR (attribute_exists(#exp) AND #exp <= :now)"),
		ExpressionAttributeNames: map[string]string{
			"#pk":  ddbPartitionKey,
			"#exp": ddbExpiresAt,
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb conditional put %s: %w", key, err)
	}
	return true, nil
}

// Delete removes an item
func (d *DynamoDBBackend) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       d.itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("dynamodb delete %s: %w", key, err)
	}
	return nil
}

// List queries the partition named by the prefix. The prefix must include
// the final ':' separator, which every Keyspace prefix does.
func (d *DynamoDBBackend) List(ctx context.Context, prefix string) ([]string, error) {
	i := strings.LastIndex(prefix, ":")
	if i < 0 {
		return nil, fmt.Errorf("dynamodb list needs a partition prefix ending in ':', got %q", prefix)
	}
	pk, skPrefix := prefix[:i], prefix[i+1:]

	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": ddbPartitionKey,
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: pk},
		},
	}
	if skPrefix != "" {
		input.KeyConditionExpression = aws.String("#pk = :pk AND begins_with(#sk, :sk)")
		input.ExpressionAttributeNames["#sk"] = ddbSortKey
		input.ExpressionAttributeValues[":sk"] = &ddbtypes.AttributeValueMemberS{Value: skPrefix}
	}

	now := d.now()
	var keys []string
	paginator := dynamodb.NewQueryPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb query %s: %w", prefix, err)
		}
		for _, item := range page.Items {
			if itemExpired(item, now) {
				continue
			}
			sk, ok := item[ddbSortKey].(*ddbtypes.AttributeValueMemberS)
			if !ok {
				continue
			}
			keys = append(keys, pk+":"+sk.Value)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op; the SDK client holds no resources that need closing
func (d *DynamoDBBackend) Close() error {
	return nil
}

func itemExpired(item map[string]ddbtypes.AttributeValue, now time.Time) bool {
	n, ok := item[ddbExpiresAt].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return false
	}
	sec, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return false
	}
	return expired(time.Unix(sec, 0), now)
}
