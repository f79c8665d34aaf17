package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// ---- admins ----

const adminCols = `id, tg_id, name, is_super, created_at`

func scanAdmin(sc scanner) (Admin, error) {
	var (
		a       Admin
		created int64
	)
	if err := sc.Scan(&a.ID, &a.TGID, &a.Name, &a.IsSuper, &created); err != nil {
		return Admin{}, err
	}
	a.CreatedAt = fromMillis(created)
	return a, nil
}

func (s *sqlStore) ListAdmins(ctx context.Context) ([]Admin, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+adminCols+` FROM admins ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Admin
	for rows.Next() {
		a, err := scanAdmin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindAdminByTGID(ctx context.Context, tgID int64) (Admin, error) {
	a, err := scanAdmin(s.db.QueryRowContext(ctx, s.q(`SELECT `+adminCols+` FROM admins WHERE tg_id = ?`), tgID))
	return a, notFound(err)
}

func (s *sqlStore) FindAdmin(ctx context.Context, id int64) (Admin, error) {
	a, err := scanAdmin(s.db.QueryRowContext(ctx, s.q(`SELECT `+adminCols+` FROM admins WHERE id = ?`), id))
	return a, notFound(err)
}

func (s *sqlStore) AddAdmin(ctx context.Context, a Admin) (Admin, error) {
	a.CreatedAt = s.now()
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO admins(tg_id, name, is_super, created_at) VALUES(?,?,?,?) RETURNING id`),
		a.TGID, a.Name, a.IsSuper, a.CreatedAt.UnixMilli(),
	).Scan(&a.ID)
	if err != nil {
		return Admin{}, s.conflict(err, "add admin")
	}
	return a, nil
}

func (s *sqlStore) UpdateAdmin(ctx context.Context, p AdminPatch) (Admin, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE admins SET name = COALESCE(?, name), is_super = COALESCE(?, is_super) WHERE tg_id = ?`),
		p.Name, p.IsSuper, p.TGID,
	)
	if err := affectedOrNotFound(res, err); err != nil {
		return Admin{}, fmt.Errorf("update admin: %w", err)
	}
	return s.FindAdminByTGID(ctx, p.TGID)
}

func (s *sqlStore) DeleteAdmin(ctx context.Context, tgID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM admins WHERE tg_id = ?`), tgID)
	return affectedOrNotFound(res, err)
}

// ---- companies ----

const companyCols = `id, name, contact_name, client_id, client_secret, created_at`

func scanCompany(sc scanner) (Company, error) {
	var (
		c       Company
		created int64
	)
	if err := sc.Scan(&c.ID, &c.Name, &c.ContactName, &c.ClientID, &c.ClientSecret, &created); err != nil {
		return Company{}, err
	}
	c.CreatedAt = fromMillis(created)
	return c, nil
}

func (s *sqlStore) ListCompanies(ctx context.Context) ([]Company, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+companyCols+` FROM companies ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindCompany(ctx context.Context, id int64) (Company, error) {
	c, err := scanCompany(s.db.QueryRowContext(ctx, s.q(`SELECT `+companyCols+` FROM companies WHERE id = ?`), id))
	return c, notFound(err)
}

func (s *sqlStore) AddCompany(ctx context.Context, c Company) (Company, error) {
	c.CreatedAt = s.now()
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO companies(name, contact_name, client_id, client_secret, created_at) VALUES(?,?,?,?,?) RETURNING id`),
		c.Name, c.ContactName, c.ClientID, c.ClientSecret, c.CreatedAt.UnixMilli(),
	).Scan(&c.ID)
	if err != nil {
		return Company{}, s.conflict(err, "add company")
	}
	return c, nil
}

func (s *sqlStore) UpdateCompany(ctx context.Context, p CompanyPatch) (Company, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE companies SET name = COALESCE(?, name), contact_name = COALESCE(?, contact_name),
		 client_id = COALESCE(?, client_id), client_secret = COALESCE(?, client_secret) WHERE id = ?`),
		p.Name, p.ContactName, p.ClientID, p.ClientSecret, p.ID,
	)
	if err := affectedOrNotFound(res, err); err != nil {
		return Company{}, fmt.Errorf("update company: %w", err)
	}
	return s.FindCompany(ctx, p.ID)
}

// DeleteCompany detaches the company's clients in the same transaction.
func (s *sqlStore) DeleteCompany(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`UPDATE clients SET company_id = NULL WHERE company_id = ?`), id); err != nil {
		return fmt.Errorf("delete company: detach clients: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM companies WHERE id = ?`), id)
	if err := affectedOrNotFound(res, err); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- clients ----

const clientSelect = `SELECT cl.id, cl.tg_id, cl.name, cl.company_id, cl.created_at,
	co.id, co.name, co.contact_name, co.client_id, co.client_secret, co.created_at
	FROM clients cl LEFT JOIN companies co ON co.id = cl.company_id`

func scanClient(sc scanner) (Client, error) {
	var (
		c                          Client
		companyID                  sql.NullInt64
		created                    int64
		coID, coCreated            sql.NullInt64
		coName, coContact          sql.NullString
		coClientID, coClientSecret sql.NullString
	)
	if err := sc.Scan(&c.ID, &c.TGID, &c.Name, &companyID, &created,
		&coID, &coName, &coContact, &coClientID, &coClientSecret, &coCreated); err != nil {
		return Client{}, err
	}
	c.CompanyID = companyID.Int64
	c.CreatedAt = fromMillis(created)
	if coID.Valid {
		c.Company = &Company{
			ID:           coID.Int64,
			Name:         coName.String,
			ContactName:  coContact.String,
			ClientID:     coClientID.String,
			ClientSecret: coClientSecret.String,
			CreatedAt:    fromMillis(coCreated.Int64),
		}
	}
	return c, nil
}

func (s *sqlStore) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, clientSelect+` ORDER BY cl.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindClient(ctx context.Context, id int64) (Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, s.q(clientSelect+` WHERE cl.id = ?`), id))
	return c, notFound(err)
}

func (s *sqlStore) FindClientByTGID(ctx context.Context, tgID int64) (Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, s.q(clientSelect+` WHERE cl.tg_id = ?`), tgID))
	return c, notFound(err)
}

func (s *sqlStore) AddClient(ctx context.Context, c Client) (Client, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO clients(tg_id, name, company_id, created_at) VALUES(?,?,?,?) RETURNING id`),
		c.TGID, c.Name, nullInt(c.CompanyID), s.nowMillis(),
	).Scan(&id)
	if err != nil {
		return Client{}, s.conflict(err, "add client")
	}
	return s.FindClient(ctx, id)
}

func (s *sqlStore) UpdateClient(ctx context.Context, p ClientPatch) (Client, error) {
	var companyID any
	if p.CompanyID != nil {
		companyID = nullInt(*p.CompanyID)
	}
	// A zero company id detaches the client; nil leaves it untouched.
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE clients SET name = COALESCE(?, name),
		 company_id = CASE WHEN ? THEN ? ELSE company_id END
		 WHERE tg_id = ?`),
		p.Name, p.CompanyID != nil, companyID, p.TGID,
	)
	if err := affectedOrNotFound(res, err); err != nil {
		return Client{}, fmt.Errorf("update client: %w", err)
	}
	return s.FindClientByTGID(ctx, p.TGID)
}

func (s *sqlStore) DeleteClient(ctx context.Context, tgID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM clients WHERE tg_id = ?`), tgID)
	return affectedOrNotFound(res, err)
}
