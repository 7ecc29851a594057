package telegram

import (
	"errors"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/transport"
)

// classify maps telebot errors onto the transport taxonomy.
//
// Flood errors become transient with the server's retry-after hint. A 4xx
// application error other than rate limiting is permanent; the recipient-gone
// subset additionally carries an unreachable reason so the delivery worker can
// suppress the recipient. Anything else (5xx, network, timeouts) stays
// unwrapped and is therefore retried.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser):
		return transport.Unreachable(err, "blocked")
	case errors.Is(err, tele.ErrUserIsDeactivated):
		return transport.Unreachable(err, "deactivated")
	case errors.Is(err, tele.ErrChatNotFound):
		return transport.Unreachable(err, "chat_not_found")
	case errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrKickedFromChannel):
		return transport.Unreachable(err, "kicked")
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests {
			// Flood response without a usable retry_after parameter.
			return transport.RetryAfter(err, 0)
		}
		if apiErr.Code >= 400 && apiErr.Code < 500 {
			return transport.Permanent(err)
		}
	}

	return err
}
