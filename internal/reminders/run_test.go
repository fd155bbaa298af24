package reminders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

func sampleRun() *JobRun {
	return &JobRun{
		ID:        "run-1",
		AsOfDate:  "2025-06-03",
		Timezone:  "America/Mexico_City",
		Status:    RunRunning,
		StartedAt: time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC),
	}
}

func TestSQLRunStoreLifecycle(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLRunStore(db)
	run := sampleRun()

	mock.ExpectExec("INSERT INTO job_runs").
		WithArgs("run-1", "2025-06-03", "America/Mexico_City", false, "running", run.StartedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.Start(context.Background(), run))

	run.Status = RunPartial
	run.TotalTenants = 2
	run.TotalAppointments = 3
	run.RemindersSent = 2
	run.Errors = []string{"tenant t1 appointment a: send: boom"}
	run.FinishedAt = run.StartedAt.Add(time.Minute)
	mock.ExpectExec("UPDATE job_runs").
		WithArgs("run-1", "partial", 2, 3, 2, 0, 0, sqlmock.AnyArg(), run.FinishedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Finish(context.Background(), run))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRunStoreWrapsErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO job_runs").WillReturnError(errors.New("disk full"))
	err = NewSQLRunStore(db).Start(context.Background(), sampleRun())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-1")
}

type fakeDynamo struct {
	inputs []*dynamodb.PutItemInput
	err    error
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoRunStorePutsItemWithTTL(t *testing.T) {
	client := &fakeDynamo{}
	store := NewDynamoRunStore(client, "reminder-runs")
	run := sampleRun()

	require.NoError(t, store.Start(context.Background(), run))
	run.Status = RunCompleted
	require.NoError(t, store.Finish(context.Background(), run))

	require.Len(t, client.inputs, 2)
	start := client.inputs[0]
	assert.Equal(t, "reminder-runs", *start.TableName)
	require.NotNil(t, start.ConditionExpression)
	assert.Equal(t, "attribute_not_exists(runId)", *start.ConditionExpression)
	assert.Nil(t, client.inputs[1].ConditionExpression)

	var got JobRun
	require.NoError(t, attributevalue.UnmarshalMap(client.inputs[1].Item, &got))
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Equal(t, run.StartedAt.Add(runRecordTTL).Unix(), got.ExpiresAt)
}

func TestMultiRunStoreIgnoresMirrorFailures(t *testing.T) {
	primary := NewMemoryRunStore()
	mirror := NewDynamoRunStore(&fakeDynamo{err: errors.New("throttled")}, "runs")
	store := NewMultiRunStore(logging.NewWithWriter(discard{}, "error"), primary, mirror)

	run := sampleRun()
	require.NoError(t, store.Start(context.Background(), run))
	run.Status = RunCompleted
	require.NoError(t, store.Finish(context.Background(), run))

	got, ok := primary.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, RunCompleted, got.Status)
}

func TestMultiRunStorePrimaryFailureFails(t *testing.T) {
	primary := NewMemoryRunStore()
	store := NewMultiRunStore(nil, primary)
	require.Error(t, store.Finish(context.Background(), sampleRun()), "finish before start")
}
