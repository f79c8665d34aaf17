package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// Request is one update on its way through the middleware chain.
type Request struct {
	Bot    string
	Update kit.Update
	Key    LaneKey
	ReqID  string
	Log    logx.Logger
	// Route names what the update was parsed as, for logs.
	Route string
}

func newRequest(bot string, up kit.Update, log logx.Logger) *Request {
	r := &Request{Bot: bot, Update: up, ReqID: uuid.NewString()}
	switch {
	case up.Message != nil:
		r.Key = LaneKey{Bot: bot, ChatID: up.Message.ChatID, ActorID: up.Message.FromID}
	case up.Callback != nil:
		r.Key = LaneKey{Bot: bot, ChatID: up.Callback.ChatID, ActorID: up.Callback.FromID}
	}
	r.Log = log.With(logx.String("req_id", r.ReqID), logx.String("bot", bot))
	return r
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Log.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// RequestLog logs every update; fast successful ones only at debug.
func RequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Int64("chat_id", req.Key.ChatID),
				logx.Int64("from_id", req.Key.ActorID),
				logx.String("route", req.Route),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				req.Log.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				req.Log.Info("request ok", fields...)
			default:
				req.Log.Debug("request ok", fields...)
			}
			return err
		}
	}
}
