package async

import (
	"context"
	"net"
	"strings"

	"github.com/teranos/raidpulse/db"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/logs"
	"github.com/teranos/raidpulse/storage"
)

// ErrorType classifies why an item failed.
type ErrorType string

const (
	ErrorGuildUnresolvable ErrorType = "guild_unresolvable"
	ErrorRateLimited       ErrorType = "rate_limited"
	ErrorNetworkTimeout    ErrorType = "network_timeout"
	ErrorStorage           ErrorType = "storage_error"
	ErrorUnknown           ErrorType = "unknown"
)

// Permanent errors are not retried automatically; the guild is flagged instead.
func (t ErrorType) Permanent() bool {
	return t == ErrorGuildUnresolvable
}

var (
	// ErrUnresolvableGuild rejects work that needs the log API to find a guild
	// it has already failed to find.
	ErrUnresolvableGuild = errors.New("guild is unresolvable")

	// ErrYield is returned through a handler when a manual pause was requested.
	// The processor parks the item with reason manual.
	ErrYield = errors.New("job yielded to pause request")
)

// Classify maps a failure to its ErrorType. Typed errors from the log client
// and storage are matched first; message patterns catch errors that lost
// their type on the way, e.g. through a driver.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorUnknown
	}

	var rateLimited *logs.RateLimitError
	var netErr net.Error
	switch {
	case errors.Is(err, ErrUnresolvableGuild), errors.Is(err, logs.ErrGuildNotFound):
		return ErrorGuildUnresolvable
	case errors.As(err, &rateLimited):
		return ErrorRateLimited
	case errors.Is(err, logs.ErrTimeout), errors.Is(err, logs.ErrGateway), errors.Is(err, context.DeadlineExceeded):
		return ErrorNetworkTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrorNetworkTimeout
	case errors.Is(err, storage.ErrStorage), db.IsBusy(err), db.IsDatabaseClosed(err):
		return ErrorStorage
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "guild") && strings.Contains(msg, "not found"):
		return ErrorGuildUnresolvable
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return ErrorRateLimited
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused"):
		return ErrorNetworkTimeout
	case strings.Contains(msg, "database") || strings.Contains(msg, "sqlite") || strings.Contains(msg, "sql:"):
		return ErrorStorage
	}
	return ErrorUnknown
}
