package telegram

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"syscall"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "relaybot/internal/transport"
)

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// classify maps telebot and net errors onto the transport error kinds so the
// delivery policy can decide without knowing about telebot.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if secs, ok := retryAfter(err); ok {
		return &kit.RateLimitError{RetryAfter: time.Duration(secs) * time.Second, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(kit.ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Join(kit.ErrTimeout, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) || ne != nil ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.Join(kit.ErrNetwork, err)
	}
	return err
}

func retryAfter(err error) (int, bool) {
	var te *tele.Error
	if errors.As(err, &te) && te.Code != 429 {
		return 0, false
	}
	m := retryAfterRe.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	n, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return n, true
}
