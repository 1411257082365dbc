package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/executor"
)

var archiveColumns = []string{"id", "session_id", "spec", "status", "output", "error", "steps", "tokens", "duration_ms", "created_at", "started_at", "finished_at"}

func TestSQLArchiveInitSchema(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(schema, mockResult{}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	archive := &SQLArchive{db: db}
	if err := archive.initSchema(context.Background()); err != nil {
		t.Fatalf("init schema failed: %v", err)
	}
}

func TestSQLArchiveRecord(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(upsertTaskSQL, mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	started := time.UnixMilli(1_700_000_000_000)
	archive := &SQLArchive{db: db}
	task := executor.Task{
		ID:            "t1",
		Spec:          executor.TaskSpec{SessionID: "s1", Goal: "alpha"},
		Status:        executor.StatusCompleted,
		Output:        "alpha",
		StepsExecuted: 1,
		TokensUsed:    2,
		DurationMs:    15,
		CreatedAt:     started,
		StartedAt:     &started,
	}
	if err := archive.Record(context.Background(), task); err != nil {
		t.Fatalf("record failed: %v", err)
	}
}

func TestSQLArchiveRecordFailure(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		{typ: opExec, query: upsertTaskSQL, err: errors.New("connection reset")},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	archive := &SQLArchive{db: db}
	err := archive.Record(context.Background(), executor.Task{ID: "t1", CreatedAt: time.Now()})
	if !xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}
}

func TestSQLArchiveFind(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: archiveColumns,
		values: [][]driver.Value{{
			"t1", "s1", `{"sessionId":"s1","goal":"alpha","maxSteps":3}`, "timeout", "", "deadline exceeded",
			int64(2), int64(9), int64(1500), int64(1_700_000_000_000), int64(1_700_000_000_100), nil,
		}},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+taskColumns+` FROM subagent_tasks WHERE id = ?`, rows),
		queryOp(`SELECT `+taskColumns+` FROM subagent_tasks WHERE id = ?`, mockRowsData{columns: archiveColumns}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	archive := &SQLArchive{db: db}
	task, ok, err := archive.Find(context.Background(), "t1")
	if err != nil || !ok {
		t.Fatalf("find failed: ok=%v err=%v", ok, err)
	}
	if task.Status != executor.StatusTimeout || task.StepsExecuted != 2 || task.TokensUsed != 9 || task.DurationMs != 1500 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Spec.Goal != "alpha" || task.Spec.MaxSteps != 3 || task.Spec.SessionID != "s1" {
		t.Fatalf("spec not restored: %+v", task.Spec)
	}
	if task.StartedAt == nil || task.FinishedAt != nil {
		t.Fatalf("unexpected timestamps: started=%v finished=%v", task.StartedAt, task.FinishedAt)
	}

	if _, ok, err := archive.Find(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestSQLArchiveListBySession(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: archiveColumns,
		values: [][]driver.Value{
			{"t2", "s1", `{"sessionId":"s1","goal":"b"}`, "failed", "", "boom", int64(1), int64(1), int64(5), int64(2), nil, nil},
			{"t1", "s1", `{"sessionId":"s1","goal":"a"}`, "completed", "a", "", int64(1), int64(2), int64(4), int64(1), nil, nil},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+taskColumns+` FROM subagent_tasks WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	archive := &SQLArchive{db: db}
	tasks, err := archive.ListBySession(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t2" || tasks[1].Status != executor.StatusCompleted {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestOpenDatabaseRequiresDSN(t *testing.T) {
	t.Parallel()

	if _, err := NewSQLArchive(context.Background(), Config{}); !xerrors.HasCode(err, xerrors.CodeInitializationError) {
		t.Fatalf("expected initialization error, got %v", err)
	}
	if _, err := NewSQLArchive(context.Background(), Config{DSN: "not a dsn"}); !xerrors.HasCode(err, xerrors.CodeValidation) {
		t.Fatalf("expected validation error for malformed dsn, got %v", err)
	}
}
