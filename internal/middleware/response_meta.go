package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

const (
	responseMetaKey  = "response_meta"
	requestStartKey  = "response_meta_start"
	cacheHitKey      = "cache_hit"
	processingTimeMS = "processing_time_ms"
)

// WithResponseMeta starts collecting envelope metadata for the request.
// Handlers add entries with SetMeta and read them back with ExtractMeta.
func WithResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(requestStartKey, time.Now())
		c.Set(responseMetaKey, map[string]interface{}{})
		c.Next()
	}
}

// SetMeta stores one metadata entry for the current response.
func SetMeta(c *gin.Context, key string, value interface{}) {
	if c == nil {
		return
	}
	meta, ok := lookupMeta(c)
	if !ok {
		meta = map[string]interface{}{}
		c.Set(responseMetaKey, meta)
	}
	meta[key] = value
}

// SetCacheHit reports whether the response body came from the cache.
func SetCacheHit(c *gin.Context, hit bool) {
	SetMeta(c, cacheHitKey, hit)
}

// ExtractMeta returns the collected metadata with the elapsed processing time,
// or nil when nothing was collected.
func ExtractMeta(c *gin.Context) map[string]interface{} {
	if c == nil {
		return nil
	}
	meta, ok := lookupMeta(c)
	if !ok {
		return nil
	}
	if start, ok := c.Value(requestStartKey).(time.Time); ok {
		meta[processingTimeMS] = time.Since(start).Milliseconds()
	}
	return meta
}

func lookupMeta(c *gin.Context) (map[string]interface{}, bool) {
	raw, exists := c.Get(responseMetaKey)
	if !exists {
		return nil, false
	}
	meta, ok := raw.(map[string]interface{})
	return meta, ok
}
