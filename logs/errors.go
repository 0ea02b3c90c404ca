package logs

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/teranos/raidpulse/errors"
)

var (
	// ErrGuildNotFound means the API knows no guild by that name, realm and region.
	ErrGuildNotFound = errors.New("guild not found by log API")

	// ErrReportNotFound means a report code vanished, e.g. the uploader deleted it.
	ErrReportNotFound = errors.New("report not found by log API")

	// ErrTimeout marks requests that ran out of time on the network.
	ErrTimeout = errors.New("log API request timed out")

	// ErrGateway marks 502, 503 and 504 answers: the API is briefly unreachable
	// behind its gateway and the same call will work later.
	ErrGateway = errors.New("log API gateway unavailable")
)

// RateLimitError is returned when the API refuses a call for budget reasons.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("log API rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return "log API rate limit exceeded"
}

// transportError types a failed round trip. Cancellation of the caller's
// context is passed through untouched.
func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "log API %s", op)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Mark(errors.Wrapf(err, "log API %s", op), ErrTimeout)
	}
	return errors.Wrapf(err, "log API %s", op)
}

// graphQLErrorFor maps the API's error messages onto typed errors.
func graphQLErrorFor(op string, gqlErrs []graphQLError) error {
	msgs := make([]string, 0, len(gqlErrs))
	for _, e := range gqlErrs {
		msgs = append(msgs, e.Message)
	}
	joined := strings.Join(msgs, "; ")
	lower := strings.ToLower(joined)

	notFound := strings.Contains(lower, "not exist") || strings.Contains(lower, "not found") || strings.Contains(lower, "no guild")
	switch {
	case strings.Contains(lower, "guild") && notFound:
		return errors.Wrapf(ErrGuildNotFound, "%s: %s", op, joined)
	case strings.Contains(lower, "report") && notFound:
		return errors.Wrapf(ErrReportNotFound, "%s: %s", op, joined)
	case strings.Contains(lower, "rate limit"):
		return &RateLimitError{}
	}
	return errors.Newf("log API %s: %s", op, joined)
}
