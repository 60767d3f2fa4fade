package cache

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"tokenbridge/internal/common/errors"
	"tokenbridge/internal/common/logging"
	"tokenbridge/internal/crypto"
)

// InMemory is the descriptor that selects the in-process backend.
const InMemory = "inmemory"

// Type identifies a backend kind.
type Type string

const (
	TypeMemory   Type = "inmemory"
	TypeRedis    Type = "redis"
	TypeDynamoDB Type = "dynamodb"
)

// Descriptor is a parsed cache connection descriptor.
type Descriptor struct {
	Type  Type
	Redis string
	Table string

	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// ParseDescriptor interprets a connection descriptor:
//
//	inmemory
//	redis://[user:pass@]host:port[/db]   (or rediss://)
//	dynamodb://<table>?region=..&endpoint=..&access_key_id=..&secret_access_key=..
func ParseDescriptor(raw string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == InMemory {
		return Descriptor{Type: TypeMemory}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, errors.ConfigError(fmt.Sprintf("invalid cache descriptor: %v", err))
	}

	switch u.Scheme {
	case "redis", "rediss":
		if u.Host == "" {
			return Descriptor{}, errors.ConfigError("redis cache descriptor has no host")
		}
		return Descriptor{Type: TypeRedis, Redis: raw}, nil

	case "dynamodb":
		if u.Host == "" {
			return Descriptor{}, errors.ConfigError("dynamodb cache descriptor has no table name")
		}
		q := u.Query()
		return Descriptor{
			Type:            TypeDynamoDB,
			Table:           u.Host,
			Region:          q.Get("region"),
			Endpoint:        q.Get("endpoint"),
			AccessKeyID:     q.Get("access_key_id"),
			SecretAccessKey: q.Get("secret_access_key"),
			SessionToken:    q.Get("session_token"),
		}, nil

	default:
		return Descriptor{}, errors.ConfigError(fmt.Sprintf("unsupported cache descriptor scheme %q", u.Scheme))
	}
}

// Open builds the Store selected by descriptor.
func Open(ctx context.Context, descriptor string, codec *crypto.Codec, logger logging.Logger) (*Store, error) {
	if codec == nil {
		return nil, errors.ConfigError("cache requires a codec")
	}

	d, err := ParseDescriptor(descriptor)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, d, logger)
	if err != nil {
		return nil, err
	}

	logging.OrGlobal(logger).Info("Cache backend ready", logging.String("backend", backend.Name()))
	return New(backend, codec, WithLogger(logger)), nil
}

func openBackend(ctx context.Context, d Descriptor, logger logging.Logger) (Backend, error) {
	switch d.Type {
	case TypeMemory:
		return NewMemoryBackend(time.Minute), nil

	case TypeRedis:
		backend, err := DialRedis(ctx, d.Redis)
		if err != nil {
			return nil, errors.CacheError("failed to connect to redis", err)
		}
		return backend, nil

	case TypeDynamoDB:
		api, err := newDynamoClient(ctx, d)
		if err != nil {
			return nil, errors.CacheError("failed to configure dynamodb", err)
		}
		return NewDynamoBackend(api, d.Table, WithDynamoLogger(logger)), nil
	}

	return nil, errors.ConfigError(fmt.Sprintf("unknown cache type %q", d.Type))
}

func newDynamoClient(ctx context.Context, d Descriptor) (*dynamodb.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if d.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(d.Region))
	}
	if d.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(d.AccessKeyID, d.SecretAccessKey, d.SessionToken)))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if d.Endpoint != "" {
			o.BaseEndpoint = aws.String(d.Endpoint)
		}
	}), nil
}
