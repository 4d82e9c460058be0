package dao

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/ipfs/go-cid"
)

var paymentTokenKey = "pay_token"
var lastAcceptedKey = "pay_last_accepted"
var cachePattern = "pay_*"

func BuildPaymentTokenKey(token string) string {
	return paymentTokenKey + "_" + token
}

func BuildLastAcceptedKey(channelID cid.Cid) string {
	return lastAcceptedKey + "_" + channelID.String()
}

// CleanupCache drops every key this package writes.
func CleanupCache(ctx context.Context, rds *redis.Client) error {
	iter := rds.Scan(ctx, 0, cachePattern, 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	log.Infow("cleanup cache", "keys", len(keys))
	return rds.Del(ctx, keys...).Err()
}
