package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	repo, err := NewSQLiteRepository(db)
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

func newCustomer(name string) *Record {
	return &Record{
		ID:   uuid.NewString(),
		Kind: KindCustomer,
		Name: name,
		Fields: map[string]interface{}{
			"territory": "EU",
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := newCustomer("Acme")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if rec.Version != 1 {
		t.Errorf("version = %d, want 1", rec.Version)
	}

	got, err := repo.Get(ctx, KindCustomer, "Acme", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID {
		t.Errorf("id = %s, want %s", got.ID, rec.ID)
	}
	if got.Fields["territory"] != "EU" {
		t.Errorf("fields = %v", got.Fields)
	}
}

func TestGetNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Get(context.Background(), KindCustomer, "Nobody", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, newCustomer("Acme")); err != nil {
		t.Fatal(err)
	}
	err := repo.Create(ctx, newCustomer("Acme"))
	if !errors.Is(err, ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}

	// Same name under a different kind is fine.
	dup := newCustomer("Acme")
	dup.Kind = KindItem
	if err := repo.Create(ctx, dup); err != nil {
		t.Fatalf("same name, different kind rejected: %v", err)
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := newCustomer("Acme")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec.Fields["territory"] = "US"
	if err := repo.Update(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if rec.Version != 2 {
		t.Errorf("version = %d, want 2", rec.Version)
	}

	got, err := repo.Get(ctx, KindCustomer, "Acme", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields["territory"] != "US" || got.Version != 2 {
		t.Errorf("record after update: %+v", got)
	}
}

func TestUpdateStaleVersionConflicts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := newCustomer("Acme")
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// Two readers at version 1; second writer must conflict.
	first, _ := repo.Get(ctx, KindCustomer, "Acme", "")
	second, _ := repo.Get(ctx, KindCustomer, "Acme", "")

	first.Fields["territory"] = "US"
	if err := repo.Update(ctx, first); err != nil {
		t.Fatal(err)
	}

	second.Fields["territory"] = "APAC"
	err := repo.Update(ctx, second)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// The losing write must not have landed.
	got, _ := repo.Get(ctx, KindCustomer, "Acme", "")
	if got.Fields["territory"] != "US" {
		t.Errorf("conflicting write landed: %v", got.Fields)
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	repo := newTestRepo(t)
	rec := newCustomer("Ghost")
	rec.Version = 1
	err := repo.Update(context.Background(), rec)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOwnedRecordsHiddenFromOtherUsers(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	shared := newCustomer("Acme")
	if err := repo.Create(ctx, shared); err != nil {
		t.Fatal(err)
	}
	private := newCustomer("Initech")
	private.Owner = "alice"
	if err := repo.Create(ctx, private); err != nil {
		t.Fatal(err)
	}

	// The owner sees their record; everyone else gets not-found.
	if _, err := repo.Get(ctx, KindCustomer, "Initech", "alice"); err != nil {
		t.Errorf("owner cannot read own record: %v", err)
	}
	if _, err := repo.Get(ctx, KindCustomer, "Initech", "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound for non-owner", err)
	}

	// Shared rows stay visible to all.
	if _, err := repo.Get(ctx, KindCustomer, "Acme", "bob"); err != nil {
		t.Errorf("shared record hidden: %v", err)
	}

	aliceList, err := repo.List(ctx, KindCustomer, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	bobList, err := repo.List(ctx, KindCustomer, "bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(aliceList) != 2 || len(bobList) != 1 {
		t.Errorf("alice sees %d, bob sees %d; want 2 and 1", len(aliceList), len(bobList))
	}

	if n, _ := repo.Count(ctx, KindCustomer, "bob"); n != 1 {
		t.Errorf("bob count = %d, want 1", n)
	}

	if ok, err := repo.Visible(ctx, "bob", KindCustomer, "Initech"); err != nil || ok {
		t.Errorf("Visible(bob, Initech) = %v, %v; want false, nil", ok, err)
	}
	if ok, err := repo.Visible(ctx, "alice", KindCustomer, "Initech"); err != nil || !ok {
		t.Errorf("Visible(alice, Initech) = %v, %v; want true, nil", ok, err)
	}
}

func TestListAndCount(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := repo.Create(ctx, newCustomer(fmt.Sprintf("Customer-%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.Create(ctx, &Record{ID: uuid.NewString(), Kind: KindItem, Name: "Widget"}); err != nil {
		t.Fatal(err)
	}

	customers, err := repo.List(ctx, KindCustomer, "", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(customers) != 3 {
		t.Errorf("listed %d customers, want 3 (limit)", len(customers))
	}

	n, err := repo.Count(ctx, KindCustomer, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("count = %d, want 5", n)
	}

	all, err := repo.List(ctx, KindCustomer, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("default limit list = %d records, want 5", len(all))
	}
}
