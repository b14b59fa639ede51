package rediskey

import (
	"fmt"
	"strconv"
)

// Key prefixes shared by everything that writes to Redis.
const (
	RateLimitPrefix = "ratelimit"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildRateLimitKey returns "ratelimit:{route}:{client}:{window}" where
// window is the index of the fixed window the request falls in.
func BuildRateLimitKey(route, client string, window int64) string {
	return NamespaceKey(RateLimitPrefix, route+":"+client+":"+strconv.FormatInt(window, 10))
}
