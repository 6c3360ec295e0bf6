package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

type Generator interface {
	NextMintCode(ctx context.Context, category string) (string, error)
	NextForgeCode(ctx context.Context, category string) (string, error)
	NextSeedBatchCode(ctx context.Context) (string, error)
	NextEditionNumber(ctx context.Context, scope string) (int64, error)
}

type RedisGenerator struct {
	rdb *redis.Client
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
	}
}

// NextMintCode returns a human-facing code for a mint operation,
// e.g. "MNT-250822-001KA".
func (g *RedisGenerator) NextMintCode(ctx context.Context, category string) (string, error) {
	return g.nextDailyCode(ctx, "MNT", category)
}

// NextForgeCode returns a human-facing code for a forge operation.
func (g *RedisGenerator) NextForgeCode(ctx context.Context, category string) (string, error) {
	return g.nextDailyCode(ctx, "FRG", category)
}

// NextSeedBatchCode returns a reference for one catalog seeding run.
func (g *RedisGenerator) NextSeedBatchCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "SEED", "catalog")
}

// NextEditionNumber increments the edition counter for a scope (category or
// season code). Editions are monotonic and never reused.
func (g *RedisGenerator) NextEditionNumber(ctx context.Context, scope string) (int64, error) {
	key := fmt.Sprintf("seq:edition:%s", scope)
	return g.rdb.Incr(ctx, key).Result()
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix, scope string) (string, error) {
	today := time.Now().UTC().Format("060102")
	key := fmt.Sprintf("seq:%s:%s:%s", prefix, scope, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		expire := time.Until(time.Now().Truncate(24 * time.Hour).Add(24*time.Hour - time.Second))
		_ = g.rdb.Expire(ctx, key, expire).Err()
	}

	// Base36 encoding + minimal 3 karakter (padding agar tidak terlalu pendek)
	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))

	// Tambah random 2 karakter biar tampil lebih menarik
	randSuffix, _ := randomAlphaNumeric(2)

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
