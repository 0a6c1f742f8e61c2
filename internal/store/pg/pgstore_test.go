package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"modguard.org/internal/action"
	"modguard.org/internal/audit"
	"modguard.org/internal/directory"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func userRows(id, role string, active bool) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{"id", "role", "active", "created_at", "updated_at"}).
		AddRow(id, role, active, now, now)
}

func TestEnsureUserUpsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`insert into users`).
		WithArgs("u1").
		WillReturnRows(userRows("u1", "member", true))

	u, err := s.EnsureUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if u.ID != "u1" || u.Role != "member" || !u.Active {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`select id, role, active, created_at, updated_at from users`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "active", "created_at", "updated_at"}))

	if _, err := s.GetUser(context.Background(), "missing"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateGroupConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`insert into groups`).
		WithArgs("g1", "owner").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}))
	mock.ExpectRollback()

	if _, err := s.CreateGroup(context.Background(), "g1", "owner"); !errors.Is(err, directory.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPromoteAdminRequiresMembership(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`update groups set updated_at`).
		WithArgs("g1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`select 1 from group_members`).
		WithArgs("g1", "outsider").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	err := s.PromoteAdmin(context.Background(), "g1", "outsider")
	if !errors.Is(err, directory.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMutateGroupNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`update groups set updated_at`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := s.AddMember(context.Background(), "missing", "u1"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func recordRows(key, state string, attempts int) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"key", "action_kind", "actor_id", "group_id", "target_id", "state",
		"result", "attempts", "last_error", "created_at", "updated_at", "completed_at",
	}).AddRow(key, "ban", "actor", "g1", "target", state, nil, attempts, nil, now, now, nil)
}

func TestCreateRecordWinsRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`insert into action_records`).
		WithArgs("k1", "ban", "actor", "g1", "target", "authorizing", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`select .+ from action_records`).
		WithArgs("k1").
		WillReturnRows(recordRows("k1", "authorizing", 0))

	rec := action.Record{Key: "k1", Kind: action.KindBan, ActorID: "actor", GroupID: "g1", TargetID: "target", State: action.StateAuthorizing}
	stored, created, err := s.Create(context.Background(), rec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created || stored.Key != "k1" {
		t.Fatalf("expected winning create, got created=%v rec=%+v", created, stored)
	}
}

func TestCreateRecordLosesRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`insert into action_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select .+ from action_records`).
		WithArgs("k1").
		WillReturnRows(recordRows("k1", "completed", 1))

	rec := action.Record{Key: "k1", Kind: action.KindBan, ActorID: "actor", State: action.StateAuthorizing}
	stored, created, err := s.Create(context.Background(), rec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created {
		t.Fatal("expected losing create")
	}
	if stored.State != action.StateCompleted {
		t.Fatalf("expected pre-existing record, got %+v", stored)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`select .+ from action_records`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"key", "action_kind", "actor_id", "group_id", "target_id", "state",
			"result", "attempts", "last_error", "created_at", "updated_at", "completed_at",
		}))

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRecordNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`update action_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := action.Record{Key: "missing", State: action.StateFailed, Attempts: 1}
	if err := s.Update(context.Background(), rec); !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListStuck(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().UTC().Add(-time.Minute)

	mock.ExpectQuery(`select .+ from action_records`).
		WithArgs("dispatched", cutoff).
		WillReturnRows(recordRows("k1", "dispatched", 2))

	stuck, err := s.ListStuck(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ListStuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].State != action.StateDispatched {
		t.Fatalf("unexpected result: %+v", stuck)
	}
}

func TestAuditAppendReturnsSequence(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`insert into audit_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(42))

	seq, err := s.Append(context.Background(), audit.Entry{
		ActorID: "actor",
		Kind:    "execute_ban",
		Outcome: audit.OutcomeAllowed,
		Detail:  map[string]string{"reason": "granted"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 42 {
		t.Fatalf("unexpected seq: %d", seq)
	}
}

func TestAuditAppendRejectsInvalid(t *testing.T) {
	s, _ := newMockStore(t)
	if _, err := s.Append(context.Background(), audit.Entry{}); !errors.Is(err, audit.ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestAuditAppendWrapsStoreFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`insert into audit_entries`).
		WillReturnError(errors.New("connection refused"))

	_, err := s.Append(context.Background(), audit.Entry{
		ActorID: "actor", Kind: "execute_ban", Outcome: audit.OutcomeAllowed,
	})
	if !errors.Is(err, audit.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAuditQueryFilters(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"seq", "ts", "actor_id", "group_id", "target_id", "kind", "outcome", "bypass", "detail"}).
		AddRow(7, now, "actor", "g1", "target", "execute_ban", "denied", false, `{"reason":"no_permission"}`)
	mock.ExpectQuery(`select seq, ts, actor_id`).
		WithArgs(uint64(0), "actor", "g1", 100).
		WillReturnRows(rows)

	items, next, err := s.Query(context.Background(), audit.Filter{Actor: "actor", Group: "g1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(items) != 1 || next != 7 {
		t.Fatalf("unexpected result: %+v next=%d", items, next)
	}
	if items[0].Detail["reason"] != "no_permission" {
		t.Fatalf("detail not decoded: %+v", items[0])
	}
}
