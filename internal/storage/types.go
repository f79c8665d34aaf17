package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a unique key (tg id, claim message id) is taken.
	ErrConflict = errors.New("storage: conflict")
	ErrDisabled = errors.New("storage: disabled")
)

type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

type ClaimStatus string

const (
	ClaimOpen       ClaimStatus = "open"
	ClaimInProgress ClaimStatus = "in_progress"
	ClaimClosed     ClaimStatus = "closed"
)

type Admin struct {
	ID        int64
	TGID      int64
	Name      string
	IsSuper   bool
	CreatedAt time.Time
}

type Company struct {
	ID           int64
	Name         string
	ContactName  string
	ClientID     string
	ClientSecret string
	CreatedAt    time.Time
}

type Client struct {
	ID        int64
	TGID      int64
	Name      string
	CompanyID int64 // 0 when unassigned
	Company   *Company
	CreatedAt time.Time
}

// CompanyLabel is the snapshot stored on messages.
func (c Client) CompanyLabel() string {
	if c.Company != nil && c.Company.Name != "" {
		return c.Company.Name
	}
	if c.CompanyID != 0 {
		return "(company #" + itoa(c.CompanyID) + ")"
	}
	return "(no company)"
}

// Message is a ledger row. Rows are never updated.
type Message struct {
	ID              int64
	ClientTGID      int64
	AdminTGID       int64 // 0 for inbound
	Direction       Direction
	Text            string
	FileID          string
	FileType        string
	FilePath        string
	CompanySnapshot string
	CreatedAt       time.Time
}

type NewMessage struct {
	Direction       Direction
	ClientTGID      int64
	AdminTGID       int64
	Text            string
	FileID          string
	FileType        string
	FilePath        string
	CompanySnapshot string
}

type Claim struct {
	ID        int64
	MessageID int64
	ClientID  int64 // 0 when no client record resolved at claim time
	AdminID   int64
	AdminTGID int64
	AdminName string
	Title     string
	Status    ClaimStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type NewClaim struct {
	MessageID int64
	ClientID  int64
	AdminID   int64
	Title     string
}

type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	OK      int
	Fail    int
	Error   string
	Meta    string
}

// Ledger is the append/query surface used by the relay core.
type Ledger interface {
	RecordMessage(ctx context.Context, m NewMessage) (int64, error)
	FindMessage(ctx context.Context, id int64) (Message, error)
	// CreateClaimIfAbsent inserts a claim unless one exists for the message.
	// created is false when another claim already owns it; the existing claim is returned.
	CreateClaimIfAbsent(ctx context.Context, c NewClaim) (claim Claim, created bool, err error)
	FindClaim(ctx context.Context, id int64) (Claim, error)
	FindClaimByMessage(ctx context.Context, messageID int64) (Claim, error)
	SetClaimStatus(ctx context.Context, id int64, status ClaimStatus) error
	ListClaimsByAdmin(ctx context.Context, adminID int64, status ClaimStatus) ([]Claim, error)
	ListUnclaimed(ctx context.Context, limit int) ([]Message, error)
	CountUnclaimed(ctx context.Context) (int, error)
	CompanyHistory(ctx context.Context, companyID int64, limit int) ([]Message, error)
}

type AdminPatch struct {
	TGID    int64
	Name    *string
	IsSuper *bool
}

type CompanyPatch struct {
	ID           int64
	Name         *string
	ContactName  *string
	ClientID     *string
	ClientSecret *string
}

type ClientPatch struct {
	TGID      int64
	Name      *string
	CompanyID *int64
}

// Directory is admin/company/client CRUD.
type Directory interface {
	ListAdmins(ctx context.Context) ([]Admin, error)
	FindAdminByTGID(ctx context.Context, tgID int64) (Admin, error)
	FindAdmin(ctx context.Context, id int64) (Admin, error)
	AddAdmin(ctx context.Context, a Admin) (Admin, error)
	UpdateAdmin(ctx context.Context, p AdminPatch) (Admin, error)
	DeleteAdmin(ctx context.Context, tgID int64) error

	ListCompanies(ctx context.Context) ([]Company, error)
	FindCompany(ctx context.Context, id int64) (Company, error)
	AddCompany(ctx context.Context, c Company) (Company, error)
	UpdateCompany(ctx context.Context, p CompanyPatch) (Company, error)
	DeleteCompany(ctx context.Context, id int64) error

	ListClients(ctx context.Context) ([]Client, error)
	FindClient(ctx context.Context, id int64) (Client, error)
	FindClientByTGID(ctx context.Context, tgID int64) (Client, error)
	AddClient(ctx context.Context, c Client) (Client, error)
	UpdateClient(ctx context.Context, p ClientPatch) (Client, error)
	DeleteClient(ctx context.Context, tgID int64) error
}

type Store interface {
	Ledger
	Directory
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

type Config struct {
	Driver      string // "sqlite" (default) or "postgres"
	Path        string // sqlite file
	DSN         string // postgres connection string
	BusyTimeout time.Duration
	MaxConns    int32
}
