package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	kit "relaybot/internal/transport"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type resetErr struct{}

func (resetErr) Error() string   { return "connection reset" }
func (resetErr) Timeout() bool   { return false }
func (resetErr) Temporary() bool { return false }

func TestClassify(t *testing.T) {
	t.Parallel()

	flood := fmt.Errorf("telegram: Too Many Requests: retry after 7 (429)")
	var rl *kit.RateLimitError
	if !errors.As(classify(flood), &rl) || rl.RetryAfter != 7*time.Second {
		t.Fatalf("classify(flood) = %v, want rate limit 7s", classify(flood))
	}

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), kit.ErrTimeout},
		{"net timeout", timeoutErr{}, kit.ErrTimeout},
		{"net reset", resetErr{}, kit.ErrNetwork},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classify(tt.in); !errors.Is(got, tt.want) {
				t.Fatalf("classify(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	perm := errors.New("telegram: Forbidden: bot was blocked by the user (403)")
	if got := classify(perm); errors.Is(got, kit.ErrNetwork) || errors.Is(got, kit.ErrTimeout) || errors.As(got, &rl) {
		t.Fatalf("classify(forbidden) = %v, want permanent", got)
	}
	if classify(nil) != nil {
		t.Fatalf("classify(nil) != nil")
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText(short) = %q", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("splitText(newline) = %q", got)
	}

	for _, chunk := range splitText(strings.Repeat("x", 25), 10, "") {
		if n := len([]rune(chunk)); n > 10 {
			t.Fatalf("chunk len = %d, want <= 10", n)
		}
	}

	html := strings.Repeat("x", 7) + "<b>y</b>"
	parts := splitText(html, 9, "HTML")
	if parts[0] != strings.Repeat("x", 7) {
		t.Fatalf("splitText(html)[0] = %q, want tag kept whole", parts[0])
	}
}

func TestMarkup(t *testing.T) {
	t.Parallel()

	if markup(nil) != nil {
		t.Fatalf("markup(nil) != nil")
	}
	rm := markup(kit.Keyboard{{{Text: "Claim", Data: "claim:42"}}})
	if got := rm.InlineKeyboard[0][0].Data; got != "claim:42" {
		t.Fatalf("data = %q, want claim:42", got)
	}
}
