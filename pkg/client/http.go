package client

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// zapLeveled adapts zap to retryablehttp's LeveledLogger.
type zapLeveled struct {
	log *zap.SugaredLogger
}

func (l zapLeveled) Error(msg string, kv ...interface{}) { l.log.Errorw(msg, kv...) }
func (l zapLeveled) Info(msg string, kv ...interface{})  { l.log.Infow(msg, kv...) }
func (l zapLeveled) Debug(msg string, kv ...interface{}) { l.log.Debugw(msg, kv...) }
func (l zapLeveled) Warn(msg string, kv ...interface{})  { l.log.Warnw(msg, kv...) }

// NewRetryable returns an HTTP client with exponential backoff for outbound
// gateway calls. Retries are capped so a dead upstream surfaces quickly
// instead of stalling a worker.
func NewRetryable(timeout time.Duration) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 8 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = zapLeveled{log: zap.L().Sugar()}

	return rc.StandardClient()
}
