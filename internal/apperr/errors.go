package apperr

import (
	"fmt"
	"time"
)

var (
	ErrEmptyMessage    = Validation("message needs content or at least one attachment")
	ErrEmptyContent    = Validation("content cannot be empty")
	ErrEmptyQuery      = Validation("search query cannot be empty")
	ErrNotBound        = FailedPrecondition("no conversation is open")
	ErrDirectOnly      = Validation("read receipts are only available in direct chats")
	ErrNotSender       = Forbidden("only the sender can modify this message")
	ErrNotConnected    = New(CodeNotConnected, "not connected")
	ErrMessageNotFound = NotFound("message not found")
	ErrPinNotFound     = NotFound("message is not pinned")
	ErrAttachmentIndex = NotFound("no pending attachment at that index")
)

// EditWindowExpired reports an edit attempted once window has elapsed.
func EditWindowExpired(window time.Duration) error {
	return Newf(CodeEditWindowExpired, "messages can only be edited within %s", span(window))
}

func span(d time.Duration) string {
	switch {
	case d == time.Minute:
		return "1 minute"
	case d > 0 && d%time.Hour == 0:
		if d == time.Hour {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d > 0 && d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", d/time.Minute)
	}
	return d.String()
}
