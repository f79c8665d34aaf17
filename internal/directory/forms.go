// Package directory implements the admin, company and client CRUD forms. Each
// form is one line of pipe separated fields; blank fields in update forms keep
// the stored value.
package directory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
)

type Action string

const (
	AddAdmin      Action = "add_admin"
	UpdateAdmin   Action = "update_admin"
	DeleteAdmin   Action = "delete_admin"
	AddCompany    Action = "add_company"
	UpdateCompany Action = "update_company"
	DeleteCompany Action = "delete_company"
	AddClient     Action = "add_client"
	UpdateClient  Action = "update_client"
	DeleteClient  Action = "delete_client"
)

var actions = map[Action]string{
	AddAdmin:      "tg_id|name (or share the user's contact)",
	UpdateAdmin:   "tg_id|name|is_super",
	DeleteAdmin:   "tg_id",
	AddCompany:    "name|contact|client_id|client_secret",
	UpdateCompany: "id|name|contact|client_id|client_secret",
	DeleteCompany: "id",
	AddClient:     "tg_id|name|company_id",
	UpdateClient:  "tg_id|name|company_id",
	DeleteClient:  "tg_id",
}

// ParseAction accepts the action names used in callback data and commands.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.TrimPrefix(strings.TrimSpace(s), "/"))
	_, ok := actions[a]
	return a, ok
}

// Format is the expected input of a.
func (a Action) Format() string { return actions[a] }

// ErrFormat matches every *FormError.
var ErrFormat = errors.New("directory: bad form")

type FormError struct {
	Action Action
	Reason string
}

func (e *FormError) Error() string {
	return fmt.Sprintf("directory: %s: %s (format: %s)", e.Action, e.Reason, e.Action.Format())
}

func (e *FormError) Is(target error) bool { return target == ErrFormat }

func fields(in string) []string {
	parts := strings.Split(strings.TrimSpace(in), "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseID(a Action, what, s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, &FormError{Action: a, Reason: what + " must be a positive number"}
	}
	return id, nil
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y", "так":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func want(a Action, parts []string, min, max int) error {
	if len(parts) < min || len(parts) > max || parts[0] == "" {
		return &FormError{Action: a, Reason: fmt.Sprintf("expected %d to %d fields, got %d", min, max, len(parts))}
	}
	return nil
}

// Op is a parsed form ready to run against the store. Exactly one payload
// field is meaningful for a given Action.
type Op struct {
	Action  Action
	ID      int64 // tg id or company id for deletes
	Admin   storage.Admin
	Company storage.Company
	Client  storage.Client

	AdminPatch   storage.AdminPatch
	CompanyPatch storage.CompanyPatch
	ClientPatch  storage.ClientPatch
}

// Parse turns one form input into an Op. A shared contact is accepted for
// AddAdmin in place of text.
func Parse(a Action, text string, contact *kit.Contact) (Op, error) {
	op := Op{Action: a}
	if a == AddAdmin && contact != nil && contact.UserID != 0 {
		name := strings.TrimSpace(contact.FirstName + " " + contact.LastName)
		op.Admin = storage.Admin{TGID: contact.UserID, Name: name}
		return op, nil
	}

	p := fields(text)
	switch a {
	case AddAdmin:
		if err := want(a, p, 1, 2); err != nil {
			return op, err
		}
		id, err := parseID(a, "tg_id", p[0])
		if err != nil {
			return op, err
		}
		op.Admin = storage.Admin{TGID: id}
		if len(p) == 2 {
			op.Admin.Name = p[1]
		}
	case UpdateAdmin:
		if err := want(a, p, 2, 3); err != nil {
			return op, err
		}
		id, err := parseID(a, "tg_id", p[0])
		if err != nil {
			return op, err
		}
		op.AdminPatch = storage.AdminPatch{TGID: id, Name: optional(p[1])}
		if len(p) == 3 && p[2] != "" {
			v, ok := parseBool(p[2])
			if !ok {
				return op, &FormError{Action: a, Reason: "is_super must be true or false"}
			}
			op.AdminPatch.IsSuper = &v
		}
	case DeleteAdmin, DeleteClient, DeleteCompany:
		if err := want(a, p, 1, 1); err != nil {
			return op, err
		}
		what := "tg_id"
		if a == DeleteCompany {
			what = "id"
		}
		id, err := parseID(a, what, p[0])
		if err != nil {
			return op, err
		}
		op.ID = id
	case AddCompany:
		if err := want(a, p, 1, 4); err != nil {
			return op, err
		}
		p = append(p, "", "", "")[:4]
		op.Company = storage.Company{Name: p[0], ContactName: p[1], ClientID: p[2], ClientSecret: p[3]}
	case UpdateCompany:
		if err := want(a, p, 2, 5); err != nil {
			return op, err
		}
		id, err := parseID(a, "id", p[0])
		if err != nil {
			return op, err
		}
		p = append(p, "", "", "", "")[:5]
		op.CompanyPatch = storage.CompanyPatch{
			ID:           id,
			Name:         optional(p[1]),
			ContactName:  optional(p[2]),
			ClientID:     optional(p[3]),
			ClientSecret: optional(p[4]),
		}
	case AddClient, UpdateClient:
		if err := want(a, p, 2, 3); err != nil {
			return op, err
		}
		id, err := parseID(a, "tg_id", p[0])
		if err != nil {
			return op, err
		}
		var company *int64
		if len(p) == 3 && p[2] != "" {
			cid, err := strconv.ParseInt(p[2], 10, 64)
			if err != nil || cid < 0 {
				return op, &FormError{Action: a, Reason: "company_id must be a number (0 detaches)"}
			}
			company = &cid
		}
		if a == AddClient {
			op.Client = storage.Client{TGID: id, Name: p[1]}
			if company != nil {
				op.Client.CompanyID = *company
			}
		} else {
			op.ClientPatch = storage.ClientPatch{TGID: id, Name: optional(p[1]), CompanyID: company}
		}
	default:
		return op, &FormError{Action: a, Reason: "unknown action"}
	}
	return op, nil
}
