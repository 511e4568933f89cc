package repository

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
	"github.com/redis/go-redis/v9"
)

const assetKeyPrefix = "ticketdrop:asset:"

type redisAssetRepository struct {
	client redis.UniversalClient
}

// NewRedisAssetRepository stores assets in Redis. GETDEL provides the
// take-once guarantee across any number of depot instances and EX enforces
// the TTL.
func NewRedisAssetRepository(client redis.UniversalClient) AssetRepository {
	return &redisAssetRepository{client: client}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url, password string, db int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *redisAssetRepository) Save(ctx context.Context, id string, asset domain.Asset, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(ctx, assetKeyPrefix+id, encodeAsset(asset), ttl).Result()
	if err != nil {
		return fmt.Errorf("save asset: %w", err)
	}
	if !ok {
		return ErrDuplicateTicket
	}
	return nil
}

// Take reads the remaining TTL and deletes the key in one MULTI block.
func (r *redisAssetRepository) Take(ctx context.Context, id string) (*domain.Asset, error) {
	key := assetKeyPrefix + id

	var (
		ttl *redis.DurationCmd
		get *redis.StringCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ttl = pipe.PTTL(ctx, key)
		get = pipe.GetDel(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("take asset: %w", err)
	}

	raw, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take asset: %w", err)
	}

	asset, err := decodeAsset(raw)
	if err != nil {
		return nil, err
	}
	// PTTL is -1 for keys without expiry
	if remaining := ttl.Val(); remaining > 0 {
		asset.ExpiresAt = time.Now().Add(remaining)
	}
	return asset, nil
}

// Purge is a no-op: Redis expires keys itself.
func (r *redisAssetRepository) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Wire format: uint16 mime length | mime | content.
func encodeAsset(a domain.Asset) []byte {
	mime := a.MimeType
	if len(mime) > 0xffff {
		mime = mime[:0xffff]
	}
	buf := make([]byte, 2+len(mime)+len(a.Content))
	binary.BigEndian.PutUint16(buf, uint16(len(mime)))
	copy(buf[2:], mime)
	copy(buf[2+len(mime):], a.Content)
	return buf
}

func decodeAsset(raw []byte) (*domain.Asset, error) {
	if len(raw) < 2 {
		return nil, errors.New("decode asset: truncated header")
	}
	n := int(binary.BigEndian.Uint16(raw))
	if len(raw) < 2+n {
		return nil, errors.New("decode asset: truncated mime type")
	}
	return &domain.Asset{
		MimeType: string(raw[2 : 2+n]),
		Content:  raw[2+n:],
	}, nil
}
