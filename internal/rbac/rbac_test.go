package rbac

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"erppilot/internal/catalog"
	"erppilot/internal/types"
)

func TestOracleRolesFreshPerRequest(t *testing.T) {
	src := NewStaticSource(map[string][]types.RoleName{
		"alice": {types.RoleSalesUser},
	})
	oracle := NewOracle(src, catalog.Default())
	ctx := context.Background()

	roles, err := oracle.Roles(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 1 || roles[0] != types.RoleSalesUser {
		t.Fatalf("roles = %v", roles)
	}

	// Revocation must be visible on the next lookup, no cache in between.
	src.Revoke("alice", types.RoleSalesUser)
	roles, err = oracle.Roles(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != 0 {
		t.Fatalf("revoked role still visible: %v", roles)
	}
}

func TestOracleUnknownUser(t *testing.T) {
	oracle := NewOracle(NewStaticSource(nil), catalog.Default())
	_, err := oracle.Roles(context.Background(), "ghost")
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("err = %v, want ErrUnknownUser", err)
	}
}

func TestOracleEmptyUserID(t *testing.T) {
	oracle := NewOracle(NewStaticSource(nil), catalog.Default())
	if _, err := oracle.Roles(context.Background(), ""); err == nil {
		t.Fatal("empty user id should error")
	}
}

func TestAllowedActions(t *testing.T) {
	src := NewStaticSource(map[string][]types.RoleName{
		"bob": {types.RoleStockUser},
	})
	oracle := NewOracle(src, catalog.Default())

	actions, err := oracle.AllowedActions(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	want := map[types.ActionName]bool{
		types.ActionCreateItem:    true,
		types.ActionGetStockLevel: true,
		types.ActionGeneralQuery:  true,
	}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v", actions)
	}
	for _, a := range actions {
		if !want[a] {
			t.Errorf("unexpected action %v for stock user", a)
		}
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLSourceRoundTrip(t *testing.T) {
	db := openTestDB(t)
	src, err := NewSQLSource(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	roles := []types.RoleName{types.RoleSalesUser, types.RoleAccountsUser}
	if err := src.CreateUser(ctx, "carol", "carol@example.com", "Carol", "Jones", roles); err != nil {
		t.Fatal(err)
	}

	got, err := src.RolesFor(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("roles = %v", got)
	}

	// Lookup by email works too.
	if _, err := src.RolesFor(ctx, "carol@example.com"); err != nil {
		t.Errorf("lookup by email failed: %v", err)
	}
}

func TestSQLSourceUnknownUser(t *testing.T) {
	db := openTestDB(t)
	src, err := NewSQLSource(db)
	if err != nil {
		t.Fatal(err)
	}
	_, err = src.RolesFor(context.Background(), "nobody")
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("err = %v, want ErrUnknownUser", err)
	}
}

func TestSQLSourceDuplicateUser(t *testing.T) {
	db := openTestDB(t)
	src, err := NewSQLSource(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := src.CreateUser(ctx, "dave", "dave@example.com", "Dave", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := src.CreateUser(ctx, "dave", "dave2@example.com", "Dave", "", nil); err == nil {
		t.Fatal("duplicate user id should fail")
	}
	if err := src.CreateUser(ctx, "dave2", "dave@example.com", "Dave", "", nil); err == nil {
		t.Fatal("duplicate email should fail")
	}
}

func TestSQLSourceSetRoles(t *testing.T) {
	db := openTestDB(t)
	src, err := NewSQLSource(db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := src.CreateUser(ctx, "erin", "erin@example.com", "Erin", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := src.SetRoles(ctx, "erin", []types.RoleName{types.RoleStockManager}); err != nil {
		t.Fatal(err)
	}
	got, err := src.RolesFor(ctx, "erin")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != types.RoleStockManager {
		t.Fatalf("roles = %v", got)
	}

	if err := src.SetRoles(ctx, "ghost", nil); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("err = %v, want ErrUnknownUser", err)
	}
}
