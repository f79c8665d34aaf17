package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relaybot/pkg/logx"
)

type dialect struct {
	name      string
	numbered  bool // $1, $2 placeholders
	isUnique  func(error) bool
	migration string // embedded migrations root
}

// sqlStore implements Store over database/sql for both drivers. Queries are
// written with '?' placeholders and rebound for postgres.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time

	onClose func()
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

func (s *sqlStore) nowMillis() int64 { return s.now().UnixMilli() }

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *sqlStore) conflict(err error, what string) error {
	if err != nil && s.d.isUnique(err) {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return err
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- messages ----

const messageCols = `m.id, m.client_tg_id, m.admin_tg_id, m.direction, m.text, m.file_id, m.file_type, m.file_path, m.company_snapshot, m.created_at`

type scanner interface{ Scan(dest ...any) error }

func scanMessage(sc scanner) (Message, error) {
	var (
		m       Message
		adminTG sql.NullInt64
		dir     string
		created int64
	)
	if err := sc.Scan(&m.ID, &m.ClientTGID, &adminTG, &dir, &m.Text, &m.FileID, &m.FileType, &m.FilePath, &m.CompanySnapshot, &created); err != nil {
		return Message{}, err
	}
	m.AdminTGID = adminTG.Int64
	m.Direction = Direction(dir)
	m.CreatedAt = fromMillis(created)
	return m, nil
}

func (s *sqlStore) RecordMessage(ctx context.Context, m NewMessage) (int64, error) {
	if m.Direction != Inbound && m.Direction != Outbound {
		return 0, fmt.Errorf("record message: bad direction %q", m.Direction)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO messages(client_tg_id, admin_tg_id, direction, text, file_id, file_type, file_path, company_snapshot, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?) RETURNING id`),
		m.ClientTGID, nullInt(m.AdminTGID), string(m.Direction), m.Text, m.FileID, m.FileType, m.FilePath, m.CompanySnapshot, s.nowMillis(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record message: %w", err)
	}
	return id, nil
}

func (s *sqlStore) FindMessage(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, s.q(`SELECT `+messageCols+` FROM messages m WHERE m.id = ?`), id))
	return m, notFound(err)
}

func (s *sqlStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListUnclaimed(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(ctx, `SELECT `+messageCols+` FROM messages m
		LEFT JOIN claims c ON c.message_id = m.id
		WHERE m.direction = 'in' AND c.id IS NULL
		ORDER BY m.id DESC LIMIT ?`, limit)
}

func (s *sqlStore) CountUnclaimed(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages m
		LEFT JOIN claims c ON c.message_id = m.id
		WHERE m.direction = 'in' AND c.id IS NULL`).Scan(&n)
	return n, err
}

func (s *sqlStore) CompanyHistory(ctx context.Context, companyID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryMessages(ctx, `SELECT `+messageCols+` FROM messages m
		JOIN clients cl ON cl.tg_id = m.client_tg_id
		WHERE cl.company_id = ?
		ORDER BY m.id DESC LIMIT ?`, companyID, limit)
}

// ---- claims ----

const claimSelect = `SELECT c.id, c.message_id, c.client_id, c.admin_id, COALESCE(a.tg_id, 0), COALESCE(a.name, ''),
	c.title, c.status, c.created_at, c.updated_at
	FROM claims c LEFT JOIN admins a ON a.id = c.admin_id`

func scanClaim(sc scanner) (Claim, error) {
	var (
		c                Claim
		clientID         sql.NullInt64
		status           string
		created, updated int64
	)
	if err := sc.Scan(&c.ID, &c.MessageID, &clientID, &c.AdminID, &c.AdminTGID, &c.AdminName, &c.Title, &status, &created, &updated); err != nil {
		return Claim{}, err
	}
	c.ClientID = clientID.Int64
	c.Status = ClaimStatus(status)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

// CreateClaimIfAbsent relies on UNIQUE(message_id): of any number of racing
// inserts exactly one affects a row.
func (s *sqlStore) CreateClaimIfAbsent(ctx context.Context, nc NewClaim) (Claim, bool, error) {
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO claims(message_id, client_id, admin_id, title, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?) ON CONFLICT(message_id) DO NOTHING`),
		nc.MessageID, nullInt(nc.ClientID), nc.AdminID, nc.Title, string(ClaimInProgress), now, now,
	)
	if err != nil {
		return Claim{}, false, fmt.Errorf("create claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Claim{}, false, fmt.Errorf("create claim: %w", err)
	}
	c, err := s.FindClaimByMessage(ctx, nc.MessageID)
	if err != nil {
		return Claim{}, false, fmt.Errorf("create claim: reload: %w", err)
	}
	return c, n == 1, nil
}

func (s *sqlStore) FindClaim(ctx context.Context, id int64) (Claim, error) {
	c, err := scanClaim(s.db.QueryRowContext(ctx, s.q(claimSelect+` WHERE c.id = ?`), id))
	return c, notFound(err)
}

func (s *sqlStore) FindClaimByMessage(ctx context.Context, messageID int64) (Claim, error) {
	c, err := scanClaim(s.db.QueryRowContext(ctx, s.q(claimSelect+` WHERE c.message_id = ?`), messageID))
	return c, notFound(err)
}

func (s *sqlStore) SetClaimStatus(ctx context.Context, id int64, status ClaimStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE claims SET status = ?, updated_at = ? WHERE id = ?`), string(status), s.nowMillis(), id)
	return affectedOrNotFound(res, err)
}

func (s *sqlStore) ListClaimsByAdmin(ctx context.Context, adminID int64, status ClaimStatus) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, s.q(claimSelect+` WHERE c.admin_id = ? AND c.status = ? ORDER BY c.id DESC`), adminID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- audit ----

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit(at, actor_id, action, target, ok, fail, err, meta) VALUES(?,?,?,?,?,?,?,?)`),
		e.At.UnixMilli(), e.ActorID, e.Action, e.Target, e.OK, e.Fail, e.Error, e.Meta,
	)
	return err
}
