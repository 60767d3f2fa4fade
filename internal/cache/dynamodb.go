package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tokenbridge/internal/common/errors"
	"tokenbridge/internal/common/logging"
)

const (
	dynamoKeyAttr        = "key"
	dynamoExpirationAttr = "expiration"

	// DefaultProvisionTimeout bounds the wait for a new table to become ACTIVE.
	DefaultProvisionTimeout = 2 * time.Minute
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoBackend.
type DynamoAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	DescribeTimeToLive(ctx context.Context, params *dynamodb.DescribeTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTimeToLiveOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type dynamoItem struct {
	Key        string `dynamodbav:"key"`
	Token      []byte `dynamodbav:"token"`
	Expiration int64  `dynamodbav:"expiration"`
}

// DynamoBackend stores blobs in a DynamoDB table keyed by "key", with the
// sealed payload in "token" and the expiry in "expiration" (epoch seconds),
// the attribute enrolled in the table's TTL sweep.
type DynamoBackend struct {
	api              DynamoAPI
	table            string
	provisionTimeout time.Duration
	pollInterval     time.Duration
	logger           logging.Logger
	now              func() time.Time

	mu          sync.Mutex
	provisioned bool
}

// DynamoOption configures a DynamoBackend.
type DynamoOption func(*DynamoBackend)

// WithProvisionTimeout bounds the wait for the table to become ACTIVE.
func WithProvisionTimeout(d time.Duration) DynamoOption {
	return func(b *DynamoBackend) { b.provisionTimeout = d }
}

// WithPollInterval sets the minimum delay between table status polls.
func WithPollInterval(d time.Duration) DynamoOption {
	return func(b *DynamoBackend) { b.pollInterval = d }
}

// WithDynamoLogger sets the logger.
func WithDynamoLogger(logger logging.Logger) DynamoOption {
	return func(b *DynamoBackend) { b.logger = logger }
}

// WithDynamoClock replaces time.Now for expiration stamps and checks.
func WithDynamoClock(now func() time.Time) DynamoOption {
	return func(b *DynamoBackend) { b.now = now }
}

// NewDynamoBackend creates a backend over table. The table is provisioned
// lazily on first use.
func NewDynamoBackend(api DynamoAPI, table string, opts ...DynamoOption) *DynamoBackend {
	b := &DynamoBackend{
		api:              api,
		table:            table,
		provisionTimeout: DefaultProvisionTimeout,
		pollInterval:     2 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrGlobal(b.logger).WithFields(logging.String("table", table))
	return b
}

// EnsureTable creates the table if it does not exist and enables TTL on
// "expiration" if needed.
// It is idempotent and remembers success; a failure is retried on the next
// call.
func (b *DynamoBackend) EnsureTable(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.provisioned {
		return nil
	}

	if err := b.createTable(ctx); err != nil {
		return err
	}
	if err := b.waitActive(ctx); err != nil {
		return err
	}
	if err := b.enableTTL(ctx); err != nil {
		return err
	}

	b.provisioned = true
	return nil
}

// createTable creates the table unless DescribeTable already finds it, so
// roles without dynamodb:CreateTable can use an existing table.
func (b *DynamoBackend) createTable(ctx context.Context) error {
	_, err := b.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(b.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !stderrors.As(err, &notFound) {
		return errors.CacheError("failed to describe table", err).WithContext("table", b.table)
	}

	_, err = b.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(b.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(dynamoKeyAttr), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(dynamoKeyAttr), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err == nil {
		b.logger.Info("Created DynamoDB cache table")
		return nil
	}

	var inUse *types.ResourceInUseException
	if stderrors.As(err, &inUse) {
		return nil
	}
	return errors.CacheError("failed to create table", err).WithContext("table", b.table)
}

func (b *DynamoBackend) waitActive(ctx context.Context) error {
	waiter := dynamodb.NewTableExistsWaiter(b.api, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = b.pollInterval
		if o.MaxDelay < b.pollInterval {
			o.MaxDelay = b.pollInterval
		}
	})

	err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(b.table)}, b.provisionTimeout)
	if err != nil {
		return errors.CacheError("table did not become active", err).WithContext("table", b.table)
	}
	return nil
}

func (b *DynamoBackend) enableTTL(ctx context.Context) error {
	out, err := b.api.DescribeTimeToLive(ctx, &dynamodb.DescribeTimeToLiveInput{
		TableName: aws.String(b.table),
	})
	if err != nil {
		return errors.CacheError("failed to describe table ttl", err).WithContext("table", b.table)
	}

	if d := out.TimeToLiveDescription; d != nil {
		switch d.TimeToLiveStatus {
		case types.TimeToLiveStatusEnabled, types.TimeToLiveStatusEnabling:
			return nil
		}
	}

	_, err = b.api.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(b.table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(dynamoExpirationAttr),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return errors.CacheError("failed to enable table ttl", err).WithContext("table", b.table)
	}

	b.logger.Info("Enabled TTL on DynamoDB cache table", logging.String("attribute", dynamoExpirationAttr))
	return nil
}

// Get returns the blob at key. Items whose expiration has passed are
// treated as absent because the TTL sweep runs lazily.
func (b *DynamoBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.EnsureTable(ctx); err != nil {
		return nil, err
	}

	out, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            map[string]types.AttributeValue{dynamoKeyAttr: &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, errors.CacheError("malformed cache item", err).WithContext("key", key)
	}
	if item.Expiration <= b.now().Unix() {
		return nil, nil
	}

	return item.Token, nil
}

// Set stores value at key with an expiration of now+ttl.
func (b *DynamoBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := b.EnsureTable(ctx); err != nil {
		return err
	}

	av, err := attributevalue.MarshalMap(dynamoItem{
		Key:        key,
		Token:      value,
		Expiration: b.now().Add(ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	if _, err := b.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Name returns "dynamodb".
func (b *DynamoBackend) Name() string {
	return "dynamodb"
}

// Close is a no-op; the SDK client holds no long-lived connections.
func (b *DynamoBackend) Close() error {
	return nil
}
