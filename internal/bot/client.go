package bot

import (
	"context"
	"errors"

	"relaybot/internal/intake"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// ClientHandler serves the client bot.
type ClientHandler struct {
	intake *intake.Service
	bot    kit.Adapter
	log    logx.Logger
}

func NewClient(in *intake.Service, bot kit.Adapter, log logx.Logger) *ClientHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ClientHandler{intake: in, bot: bot, log: log.With(logx.String("comp", "bot.client"))}
}

func (h *ClientHandler) Handle(ctx context.Context, req *Request) error {
	if cb := req.Update.Callback; cb != nil {
		_ = h.bot.AnswerCallback(ctx, cb.ID, "")
		return nil
	}
	act, ok := ParseClient(req.Update)
	if !ok {
		return nil
	}
	msg := *req.Update.Message

	var err error
	switch act.(type) {
	case Welcome:
		req.Route = "welcome"
		err = h.intake.Welcome(ctx, msg)
	case Inbound:
		req.Route = "inbound"
		_, err = h.intake.Receive(ctx, msg)
	}
	switch {
	case err == nil, errors.Is(err, intake.ErrNotRegistered), errors.Is(err, intake.ErrEmpty):
		return nil
	}
	if _, serr := h.bot.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, failureText, nil); serr != nil {
		req.Log.Debug("failure notice not delivered", logx.Err(serr))
	}
	return err
}
