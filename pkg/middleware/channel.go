package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

// Key type biar aman di context (tidak bentrok)
type channelKey struct{}

var ChannelContextKey = channelKey{}

// deriveChannelFromAPIKey menebak channel dari pola API key
func deriveChannelFromAPIKey(key string) string {
	switch {
	case strings.HasPrefix(key, "tmk_svc_"):
		return "service"
	case strings.HasPrefix(key, "tmk_ops_"):
		return "backoffice"
	case strings.HasPrefix(key, "tmk_partner_"):
		return "partner"
	default:
		return "api"
	}
}

// Channel tags the request context with the calling channel based on
// the x-api-key prefix.
func Channel() gin.HandlerFunc {
	return func(c *gin.Context) {
		channel := "api"
		if key := c.GetHeader("x-api-key"); key != "" {
			channel = deriveChannelFromAPIKey(key)
		}

		ctx := context.WithValue(c.Request.Context(), ChannelContextKey, channel)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// FromChannel memeriksa apakah context berasal dari channel tertentu
func FromChannel(ctx context.Context, want string) bool {
	ch, ok := ctx.Value(ChannelContextKey).(string)
	return ok && ch == want
}

// GetChannel mengembalikan string channel saat ini (default "api")
func GetChannel(ctx context.Context) string {
	ch, ok := ctx.Value(ChannelContextKey).(string)
	if !ok {
		return "api"
	}
	return ch
}
