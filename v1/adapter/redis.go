package adapter

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

const scanBatch = 100

// ScanKeys returns every key matching pattern using SCAN, so large keyspaces
// are walked incrementally instead of blocking the server with KEYS.
func ScanKeys(ctx context.Context, client *redis.Client, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

// EscapePattern escapes the glob metacharacters of a literal key prefix so it
// can be used in a MATCH pattern.
func EscapePattern(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
