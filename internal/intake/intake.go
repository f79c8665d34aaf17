// Package intake handles the client bot: registration lookups, recording
// inbound messages and handing them to the claim arbitrator.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relaybot/internal/claim"
	"relaybot/internal/eventbus"
	"relaybot/internal/media"
	"relaybot/internal/metrics"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

var (
	ErrNotRegistered = errors.New("intake: client not registered")
	ErrEmpty         = errors.New("intake: empty message")
)

const ackText = "✅ Your message was sent to our managers. Please wait for a reply."

// Recorded is published with eventbus.InboundRecorded.
type Recorded struct {
	MessageID int64
	Client    storage.Client
	Reached   int
}

type Deps struct {
	Store        storage.Store
	Client       kit.Adapter // client bot
	Claims       *claim.Arbitrator
	Media        *media.Cache
	Bus          eventbus.Bus
	Metrics      *metrics.Metrics
	Log          logx.Logger
	SupportEmail string
}

type Service struct {
	st      storage.Store
	client  kit.Adapter
	claims  *claim.Arbitrator
	media   *media.Cache
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
	support string
}

func New(d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	support := strings.TrimSpace(d.SupportEmail)
	if support == "" {
		support = "support@example.com"
	}
	return &Service{
		st:      d.Store,
		client:  d.Client,
		claims:  d.Claims,
		media:   d.Media,
		bus:     d.Bus,
		metrics: d.Metrics,
		log:     log.With(logx.String("comp", "intake")),
		support: support,
	}
}

func (s *Service) reply(ctx context.Context, chatID int64, text string) {
	if _, err := s.client.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		s.log.Warn("client notice not delivered", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (s *Service) notRegistered(ctx context.Context, chatID int64) error {
	s.reply(ctx, chatID, "You are not registered as our B2B client. Please contact "+s.support+".")
	return ErrNotRegistered
}

func (s *Service) lookup(ctx context.Context, in kit.Message) (storage.Client, error) {
	cl, err := s.st.FindClientByTGID(ctx, in.FromID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Client{}, s.notRegistered(ctx, in.ChatID)
	}
	if err != nil {
		return storage.Client{}, fmt.Errorf("intake: find client: %w", err)
	}
	return cl, nil
}

// Welcome answers /start with the client's company credentials.
func (s *Service) Welcome(ctx context.Context, in kit.Message) error {
	cl, err := s.lookup(ctx, in)
	if err != nil {
		return err
	}
	dash := func(v string) string {
		if strings.TrimSpace(v) == "" {
			return "—"
		}
		return v
	}
	var co storage.Company
	if cl.Company != nil {
		co = *cl.Company
	}
	name := cl.Name
	if name == "" {
		name = in.FromName
	}
	m := tgui.New().
		RawLine(tgui.B("Company: ") + tgui.Esc(dash(co.Name))).
		RawLine(tgui.B("ClientID: ") + tgui.Code(dash(co.ClientID))).
		RawLine(tgui.B("ClientSecret: ") + tgui.Code(dash(co.ClientSecret))).
		RawLine(tgui.B("Name: ") + tgui.Esc(dash(name))).
		Build()
	_, err = m.Send(ctx, s.client, kit.ChatTarget{ChatID: in.ChatID})
	return err
}

// Receive records a client message and offers it to every admin. It returns the
// ledger id of the inbound message.
func (s *Service) Receive(ctx context.Context, in kit.Message) (int64, error) {
	cl, err := s.lookup(ctx, in)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Attachment == nil {
		s.reply(ctx, in.ChatID, "Please send text, a photo, a document, a video, a voice note or audio.")
		return 0, ErrEmpty
	}

	rec := storage.NewMessage{
		Direction:       storage.Inbound,
		ClientTGID:      cl.TGID,
		Text:            text,
		CompanySnapshot: cl.CompanyLabel(),
	}
	var att *kit.Attachment
	if in.Attachment != nil {
		cp := *in.Attachment
		rec.FileID = cp.FileID
		rec.FileType = string(cp.Kind)
		if s.media != nil {
			p, err := s.media.Fetch(ctx, s.client, cp)
			if err != nil {
				s.log.Warn("inbound media not cached, admins get text only", logx.String("kind", string(cp.Kind)), logx.Err(err))
			} else {
				cp.LocalPath = p
				rec.FilePath = p
				defer s.media.Remove(p)
			}
		}
		att = &cp
	}

	id, err := s.st.RecordMessage(ctx, rec)
	if err != nil {
		return 0, err
	}
	s.metrics.Inbound()
	s.log.Info("inbound recorded", logx.Int64("message_id", id), logx.Int64("client_tg_id", cl.TGID), logx.Bool("media", att != nil))

	reached, err := s.claims.NotifyAllAdmins(ctx, claim.Notice{MessageID: id, Client: cl, Text: text, Attachment: att})
	if err != nil {
		s.log.Error("admins not notified", logx.Int64("message_id", id), logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.InboundRecorded, Data: Recorded{MessageID: id, Client: cl, Reached: reached}})
	s.reply(ctx, in.ChatID, ackText)
	return id, nil
}
