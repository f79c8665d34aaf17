package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
	"relaybot/pkg/tgui"
)

// CrudPrefix prefixes callback data that opens a form, e.g. "crud:add_admin".
const CrudPrefix = "crud"

type Store interface {
	storage.Directory
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Service struct {
	st  Store
	log logx.Logger
	now func() time.Time
}

func New(st Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{st: st, log: log.With(logx.String("comp", "directory")), now: time.Now}
}

// Prompt is what the admin sees when a form opens.
func Prompt(a Action) tgui.Message {
	return tgui.New().
		Title("✏️", humanize(a)).
		RawLine(tgui.JoinH(" ", tgui.Esc("Send one line:"), tgui.Code(a.Format()))).
		Line("Use /cancel to abort.").
		Build()
}

func humanize(a Action) string {
	switch a {
	case AddAdmin:
		return "Add admin"
	case UpdateAdmin:
		return "Update admin"
	case DeleteAdmin:
		return "Delete admin"
	case AddCompany:
		return "Add company"
	case UpdateCompany:
		return "Update company"
	case DeleteCompany:
		return "Delete company"
	case AddClient:
		return "Add client"
	case UpdateClient:
		return "Update client"
	case DeleteClient:
		return "Delete client"
	}
	return string(a)
}

// Apply runs op and returns a one-line confirmation. Every attempt, failed or
// not, leaves an audit row.
func (s *Service) Apply(ctx context.Context, actorTGID int64, op Op) (string, error) {
	summary, target, err := s.apply(ctx, op)
	e := storage.AuditEntry{At: s.now(), ActorID: actorTGID, Action: "directory." + string(op.Action), Target: target}
	if err != nil {
		e.Fail, e.Error = 1, err.Error()
	} else {
		e.OK = 1
	}
	if aerr := s.st.AppendAudit(ctx, e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(aerr))
	}
	if err != nil {
		s.log.Info("directory change rejected", logx.String("action", string(op.Action)), logx.String("target", target), logx.Err(err))
		return "", err
	}
	s.log.Info("directory changed", logx.String("action", string(op.Action)), logx.String("target", target), logx.Int64("actor", actorTGID))
	return summary, nil
}

func (s *Service) apply(ctx context.Context, op Op) (summary, target string, err error) {
	switch op.Action {
	case AddAdmin:
		target = strconv.FormatInt(op.Admin.TGID, 10)
		a, err := s.st.AddAdmin(ctx, op.Admin)
		if err != nil {
			return "", target, err
		}
		return fmt.Sprintf("Admin %s (%d) added.", nameOr(a.Name, "without name"), a.TGID), target, nil
	case UpdateAdmin:
		target = strconv.FormatInt(op.AdminPatch.TGID, 10)
		a, err := s.st.UpdateAdmin(ctx, op.AdminPatch)
		if err != nil {
			return "", target, err
		}
		return fmt.Sprintf("Admin %d updated: %s, super=%t.", a.TGID, nameOr(a.Name, "-"), a.IsSuper), target, nil
	case DeleteAdmin:
		target = strconv.FormatInt(op.ID, 10)
		if err := s.st.DeleteAdmin(ctx, op.ID); err != nil {
			return "", target, err
		}
		return fmt.Sprintf("Admin %d deleted.", op.ID), target, nil
	case AddCompany:
		target = op.Company.Name
		c, err := s.st.AddCompany(ctx, op.Company)
		if err != nil {
			return "", target, err
		}
		return fmt.Sprintf("Company #%d %s added.", c.ID, c.Name), strconv.FormatInt(c.ID, 10), nil
	case UpdateCompany:
		target = strconv.FormatInt(op.CompanyPatch.ID, 10)
		c, err := s.st.UpdateCompany(ctx, op.CompanyPatch)
		if err != nil {
			return "", target, err
		}
		return fmt.Sprintf("Company #%d %s updated.", c.ID, c.Name), target, nil
	case DeleteCompany:
		target = strconv.FormatInt(op.ID, 10)
		if err := s.st.DeleteCompany(ctx, op.ID); err != nil {
			return "", target, err
		}
		return fmt.Sprintf("Company #%d deleted; its clients are now unassigned.", op.ID), target, nil
	case AddClient:
		target = strconv.FormatInt(op.Client.TGID, 10)
		if err := s.checkCompany(ctx, op.Client.CompanyID); err != nil {
			return "", target, err
		}
		c, err := s.st.AddClient(ctx, op.Client)
		if err != nil {
			return "", target, err
		}
		return fmt.Sprintf("Client %s (%d) added to %s.", nameOr(c.Name, "-"), c.TGID, c.CompanyLabel()), target, nil
	case UpdateClient:
		target = strconv.FormatInt(op.ClientPatch.TGID, 10)
		if op.ClientPatch.CompanyID != nil {
			if err := s.checkCompany(ctx, *op.ClientPatch.CompanyID); err != nil {
				return "", target, err
			}
		}
		c, err := s.st.UpdateClient(ctx, op.ClientPatch)
		if err != nil {
			return "", target, err
		}
		return fmt.Sprintf("Client %d updated: %s, %s.", c.TGID, nameOr(c.Name, "-"), c.CompanyLabel()), target, nil
	case DeleteClient:
		target = strconv.FormatInt(op.ID, 10)
		if err := s.st.DeleteClient(ctx, op.ID); err != nil {
			return "", target, err
		}
		return fmt.Sprintf("Client %d deleted.", op.ID), target, nil
	}
	return "", "", &FormError{Action: op.Action, Reason: "unknown action"}
}

// ErrUnknownCompany is returned when a client form names a missing company.
var ErrUnknownCompany = errors.New("directory: unknown company")

func (s *Service) checkCompany(ctx context.Context, id int64) error {
	if id == 0 {
		return nil
	}
	if _, err := s.st.FindCompany(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w #%d", ErrUnknownCompany, id)
		}
		return err
	}
	return nil
}

// Describe maps an Apply error to text for the admin. The second result is
// false for errors that are not the admin's fault.
func Describe(err error) (string, bool) {
	var fe *FormError
	switch {
	case errors.As(err, &fe):
		return fmt.Sprintf("⚠️ %s. Expected: %s", fe.Reason, fe.Action.Format()), true
	case errors.Is(err, ErrUnknownCompany):
		return "⚠️ No such company.", true
	case errors.Is(err, storage.ErrNotFound):
		return "⚠️ Not found.", true
	case errors.Is(err, storage.ErrConflict):
		return "⚠️ Already exists.", true
	}
	return "⚠️ Something went wrong, try again later.", false
}

func nameOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Section is a menu section with a list view and its forms.
type Section string

const (
	Admins    Section = "admins"
	Companies Section = "companies"
	Clients   Section = "clients"
)

func (s Section) actions() []Action {
	switch s {
	case Admins:
		return []Action{AddAdmin, UpdateAdmin, DeleteAdmin}
	case Companies:
		return []Action{AddCompany, UpdateCompany, DeleteCompany}
	case Clients:
		return []Action{AddClient, UpdateClient, DeleteClient}
	}
	return nil
}

func sectionKeyboard(s Section) kit.Keyboard {
	var btns []kit.Button
	for _, a := range s.actions() {
		btns = append(btns, tgui.Btn(humanize(a), tgui.Data(CrudPrefix, string(a))))
	}
	return tgui.NewInline().Grid(3, btns...).Keyboard()
}

// List renders the section's rows with its form buttons.
func (s *Service) List(ctx context.Context, sec Section) (tgui.Message, error) {
	b := tgui.New()
	switch sec {
	case Admins:
		admins, err := s.st.ListAdmins(ctx)
		if err != nil {
			return tgui.Message{}, err
		}
		b.Title("👮", fmt.Sprintf("Admins (%d)", len(admins)))
		for _, a := range admins {
			line := tgui.JoinH(" ", tgui.Code(strconv.FormatInt(a.TGID, 10)), tgui.Esc(nameOr(a.Name, "-")))
			if a.IsSuper {
				line = tgui.JoinH(" ", line, tgui.I("super"))
			}
			b.RawLine(line)
		}
	case Companies:
		cs, err := s.st.ListCompanies(ctx)
		if err != nil {
			return tgui.Message{}, err
		}
		b.Title("🏢", fmt.Sprintf("Companies (%d)", len(cs)))
		for _, c := range cs {
			b.RawLine(tgui.JoinH(" ", tgui.B("#"+strconv.FormatInt(c.ID, 10)), tgui.Esc(c.Name), tgui.Esc(contactSuffix(c.ContactName))))
		}
	case Clients:
		cl, err := s.st.ListClients(ctx)
		if err != nil {
			return tgui.Message{}, err
		}
		b.Title("👥", fmt.Sprintf("Clients (%d)", len(cl)))
		for _, c := range cl {
			b.RawLine(tgui.JoinH(" ", tgui.Code(strconv.FormatInt(c.TGID, 10)), tgui.Esc(nameOr(c.Name, "-")), tgui.Esc("· "+c.CompanyLabel())))
		}
	default:
		return tgui.Message{}, fmt.Errorf("directory: unknown section %q", sec)
	}
	return b.Inline(sectionKeyboard(sec)).Build(), nil
}

func contactSuffix(contact string) string {
	if contact == "" {
		return ""
	}
	return "(" + contact + ")"
}
