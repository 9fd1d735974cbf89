package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
)

const testJobID = "7b0c4f4e-3f6a-4d38-9d55-2b1f3f0e9a11"

func sampleRecord() core.JobRecord {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return core.JobRecord{
		ID:      testJobID,
		Request: core.JobRequest{URLs: []string{"https://www.bct.gov.tn/a", "https://www.ins.tn/b"}, AnalysisMode: core.AnalysisStandard},
		Status:  core.JobPartial,
		Tasks: []core.UrlTask{
			{
				URL: "https://www.bct.gov.tn/a", State: core.UrlSucceeded, Strategy: core.StrategyStructured, Attempts: 1,
				Extraction: &core.ExtractionResult{URL: "https://www.bct.gov.tn/a", Content: "long page", ContentLength: 9, StatusCode: 200},
				Analysis:   &core.AnalysisResult{Indicators: []core.Indicator{{Name: "inflation", Value: 9.3, Unit: "%", Period: "2023"}}, Confidence: 0.7},
			},
			{URL: "https://www.ins.tn/b", State: core.UrlFailed, Strategy: core.StrategyRendering, Attempts: 3, Error: &core.TaskError{Kind: core.KindBlocked, Message: "403 Forbidden"}},
		},
		Result: core.JobResult{
			JobID:      testJobID,
			Status:     core.JobPartial,
			Indicators: []core.IndicatorRecord{{Indicator: core.Indicator{Name: "inflation", Value: 9.3, Unit: "%", Period: "2023"}, SourceURL: "https://www.bct.gov.tn/a", Confidence: 0.7}},
		},
		CreatedAt:  created,
		StartedAt:  created.Add(time.Second),
		FinishedAt: created.Add(time.Minute),
	}
}

func TestSaveJobWritesAllTablesInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM url_tasks WHERE job_id=\$1`).WithArgs(testJobID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO url_tasks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO url_tasks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM indicators WHERE job_id=\$1`).WithArgs(testJobID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO indicators`).
		WithArgs(testJobID, "inflation", 9.3, "%", "2023", nil, "https://www.bct.gov.tn/a", 0.7, false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := st.Consume(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveJobRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO jobs`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if err := st.SaveJob(context.Background(), sampleRecord()); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}

	if err := st.SaveJob(context.Background(), core.JobRecord{ID: "not-a-uuid"}); err == nil {
		t.Fatal("expected id validation error")
	}
}

var jobCols = []string{"id", "status", "request", "result", "error_kind", "error_message", "created_at", "started_at", "finished_at"}
var taskCols = []string{"job_id", "url", "state", "strategy", "attempts", "enriched", "error_kind", "error_message", "extraction", "analysis", "started_at", "finished_at"}

func TestGetJobLoadsTasks(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	rec := sampleRecord()
	req, _ := json.Marshal(rec.Request)
	res, _ := json.Marshal(rec.Result)
	analysis, _ := json.Marshal(rec.Tasks[0].Analysis)

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).WithArgs(testJobID).
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(testJobID, "partial", req, res, nil, nil, rec.CreatedAt, rec.StartedAt, rec.FinishedAt))
	mock.ExpectQuery(`FROM url_tasks\s+WHERE job_id = ANY\(\$1\)`).WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow(testJobID, rec.Tasks[0].URL, "succeeded", "structured", 1, false, nil, nil, nil, analysis, nil, nil).
			AddRow(testJobID, rec.Tasks[1].URL, "failed", "rendering", 3, false, "ExtractionBlocked", "403 Forbidden", nil, nil, nil, nil))

	got, err := st.GetJob(context.Background(), testJobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != core.JobPartial || len(got.Tasks) != 2 || len(got.Result.Indicators) != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Tasks[0].Analysis == nil || got.Tasks[0].Analysis.Indicators[0].Value != 9.3 {
		t.Fatalf("analysis not decoded: %+v", got.Tasks[0])
	}
	if got.Tasks[1].Error == nil || got.Tasks[1].Error.Kind != core.KindBlocked {
		t.Fatalf("task error not decoded: %+v", got.Tasks[1])
	}
	if snap := got.Snapshot(); snap.Phase != core.PhasePartial || len(snap.PerURL) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).WithArgs(testJobID).WillReturnRows(sqlmock.NewRows(jobCols))

	if _, err := st.GetJob(context.Background(), testJobID); !errors.Is(err, core.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := st.GetJob(context.Background(), "nope"); !errors.Is(err, core.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for malformed id, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListJobsFiltersByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	rec := sampleRecord()
	req, _ := json.Marshal(rec.Request)
	res, _ := json.Marshal(rec.Result)

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE status = \$1 ORDER BY created_at DESC LIMIT 20`).WithArgs("partial").
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(testJobID, "partial", req, res, nil, nil, rec.CreatedAt, nil, rec.FinishedAt))
	mock.ExpectQuery(`FROM url_tasks`).WithArgs(sqlmock.AnyArg()).WillReturnRows(sqlmock.NewRows(taskCols))

	got, err := st.ListJobs(context.Background(), core.JobFilter{Status: core.JobPartial, Limit: 20})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(got) != 1 || got[0].ID != testJobID || !got[0].StartedAt.IsZero() {
		t.Fatalf("unexpected list: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimIdempotency(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := &Store{DB: db}

	mock.ExpectQuery(`INSERT INTO idempotency_keys`).WithArgs("jobs.requested", "evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}).AddRow(true))
	mock.ExpectQuery(`INSERT INTO idempotency_keys`).WithArgs("jobs.requested", "evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}))

	first, err := st.ClaimIdempotency(context.Background(), "jobs.requested", "evt-1")
	if err != nil || !first {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	second, err := st.ClaimIdempotency(context.Background(), "jobs.requested", "evt-1")
	if err != nil || second {
		t.Fatalf("second claim = %v, %v", second, err)
	}
	if _, err := st.ClaimIdempotency(context.Background(), "", "x"); err == nil {
		t.Fatal("expected validation error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
