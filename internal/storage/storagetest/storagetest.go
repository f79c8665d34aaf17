// Package storagetest opens throwaway sqlite stores for tests of packages that
// sit on top of the ledger.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

// Open returns a migrated store in t.TempDir, closed on cleanup.
func Open(t testing.TB) storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "ledger.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func AddAdmin(t testing.TB, st storage.Store, tgID int64, name string) storage.Admin {
	t.Helper()
	a, err := st.AddAdmin(context.Background(), storage.Admin{TGID: tgID, Name: name})
	if err != nil {
		t.Fatalf("AddAdmin(%d): %v", tgID, err)
	}
	return a
}

func AddCompany(t testing.TB, st storage.Store, name string) storage.Company {
	t.Helper()
	c, err := st.AddCompany(context.Background(), storage.Company{Name: name, ClientID: "cid-" + name, ClientSecret: "secret-" + name})
	if err != nil {
		t.Fatalf("AddCompany(%s): %v", name, err)
	}
	return c
}

func AddClient(t testing.TB, st storage.Store, tgID int64, name string, companyID int64) storage.Client {
	t.Helper()
	c, err := st.AddClient(context.Background(), storage.Client{TGID: tgID, Name: name, CompanyID: companyID})
	if err != nil {
		t.Fatalf("AddClient(%d): %v", tgID, err)
	}
	return c
}

// Inbound records a client message and returns its id.
func Inbound(t testing.TB, st storage.Store, clientTGID int64, text string) int64 {
	t.Helper()
	id, err := st.RecordMessage(context.Background(), storage.NewMessage{
		Direction:  storage.Inbound,
		ClientTGID: clientTGID,
		Text:       text,
	})
	if err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	return id
}
