package cleanup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cliprr/internal/catalog"
	"cliprr/internal/domain"
	"cliprr/internal/fpstore"
	"cliprr/internal/jobstore"
	"cliprr/internal/queue"
	"cliprr/internal/tempstore"
)

func newTestCoordinator(t *testing.T) (*Coordinator, sqlmock.Sqlmock, *queue.Broker) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	jobs := jobstore.New(db, log)
	cat := catalog.New(db)
	fps := fpstore.New(db)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	broker := queue.New(rdb, log)

	temp := tempstore.New(t.TempDir())

	return New(jobs, cat, broker, temp, fps, log), mock, broker
}

// expectFPDelete sets up the two best-effort fingerprint/detection-result
// deletes fpstore.DeleteByEpisodeFile runs for episodeFileID.
func expectFPDelete(mock sqlmock.Sqlmock, episodeFileID int64) {
	mock.ExpectExec("DELETE FROM episode_fingerprints WHERE episode_file_id").
		WithArgs(episodeFileID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM detection_results WHERE episode_file_id").
		WithArgs(episodeFileID).WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestCoordinator_DeleteProcessingJobs_RemovesBrokerEntryBeforeStoreRow(t *testing.T) {
	c, mock, broker := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, broker.Enqueue(ctx, queue.EpisodeProcessing, domain.BrokerJobID(5), map[string]any{
		"storeJobId": 5, "episodeFileId": 50,
	}))

	now := time.Now()
	jobRows := sqlmock.NewRows([]string{
		"id", "media_file_id", "status", "intro_start", "intro_end", "credits_start",
		"credits_end", "confidence_score", "manual_verified", "processing_notes",
		"created_date", "updated_date",
	}).AddRow(int64(5), int64(50), domain.JobCompleted, nil, nil, nil, nil, nil, false, nil, now, now)
	mock.ExpectQuery("SELECT (.+) FROM processing_jobs WHERE id").WithArgs(int64(5)).WillReturnRows(jobRows)

	efRows := sqlmock.NewRows([]string{"id", "show_id", "season_number", "episode_number", "path", "size"}).
		AddRow(int64(50), int64(1), 1, 1, "/media/ep.mkv", int64(100))
	mock.ExpectQuery("SELECT (.+) FROM episode_files WHERE id").WithArgs(int64(50)).WillReturnRows(efRows)
	expectFPDelete(mock, 50)

	mock.ExpectExec("DELETE FROM processing_jobs WHERE id = ANY").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.DeleteProcessingJobs(ctx, []int64{5}, false)
	require.NoError(t, err)

	job, err := broker.GetByBrokerID(ctx, domain.BrokerJobID(5))
	require.NoError(t, err)
	assert.Nil(t, job, "broker entry should have been removed")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCoordinator_HandleCleanupJob_RoutesDeleteProcessingJobs(t *testing.T) {
	c, mock, broker := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, broker.Enqueue(ctx, queue.EpisodeProcessing, domain.BrokerJobID(9), map[string]any{
		"storeJobId": 9, "episodeFileId": 90,
	}))

	now := time.Now()
	jobRows := sqlmock.NewRows([]string{
		"id", "media_file_id", "status", "intro_start", "intro_end", "credits_start",
		"credits_end", "confidence_score", "manual_verified", "processing_notes",
		"created_date", "updated_date",
	}).AddRow(int64(9), int64(90), domain.JobCompleted, nil, nil, nil, nil, nil, false, nil, now, now)
	mock.ExpectQuery("SELECT (.+) FROM processing_jobs WHERE id").WithArgs(int64(9)).WillReturnRows(jobRows)
	mock.ExpectQuery("SELECT (.+) FROM episode_files WHERE id").WithArgs(int64(90)).
		WillReturnError(jobstore.ErrNotFound)
	expectFPDelete(mock, 90)
	mock.ExpectExec("DELETE FROM processing_jobs WHERE id = ANY").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	payload, err := json.Marshal(CleanupJobPayload{Op: "deleteProcessingJobs", JobIDs: []int64{9}})
	require.NoError(t, err)

	err = c.HandleCleanupJob(ctx, payload)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCoordinator_HandleCleanupJob_RoutesDeleteShowsAndCleanup(t *testing.T) {
	c, mock, broker := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, broker.Enqueue(ctx, queue.EpisodeProcessing, domain.BrokerJobID(3), map[string]any{
		"storeJobId": 3, "episodeFileId": 30,
	}))

	idRows := sqlmock.NewRows([]string{"media_file_id", "id"}).AddRow(int64(30), int64(3))
	mock.ExpectQuery("SELECT (.+) FROM processing_jobs pj").WithArgs(sqlmock.AnyArg()).WillReturnRows(idRows)
	expectFPDelete(mock, 30)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM shows WHERE id = ANY").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payload, err := json.Marshal(CleanupJobPayload{Op: "deleteShowsAndCleanup", ShowIDs: []int64{1}})
	require.NoError(t, err)

	err = c.HandleCleanupJob(ctx, payload)
	require.NoError(t, err)

	job, err := broker.GetByBrokerID(ctx, domain.BrokerJobID(3))
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCoordinator_HandleCleanupJob_UnknownOpErrors(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	payload, err := json.Marshal(CleanupJobPayload{Op: "bogus"})
	require.NoError(t, err)

	err = c.HandleCleanupJob(context.Background(), payload)
	assert.Error(t, err)
}

func TestCoordinator_HandleCleanupJob_MalformedPayloadErrors(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.HandleCleanupJob(context.Background(), json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestCoordinator_DeleteProcessingJobs_All_PausesAndFlushesQueues(t *testing.T) {
	c, mock, broker := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, broker.Enqueue(ctx, queue.EpisodeProcessing, domain.BrokerJobID(1), map[string]any{
		"storeJobId": 1, "episodeFileId": 1,
	}))

	mock.ExpectQuery("SELECT (.+) FROM processing_jobs WHERE").WillReturnRows(
		sqlmock.NewRows([]string{
			"id", "media_file_id", "status", "intro_start", "intro_end", "credits_start",
			"credits_end", "confidence_score", "manual_verified", "processing_notes",
			"created_date", "updated_date",
		}),
	)
	// No jobs means DeleteBatch's paging loop never runs, so no DELETE is
	// expected here.

	err := c.DeleteProcessingJobs(ctx, nil, true)
	require.NoError(t, err)

	for _, q := range queue.CPUGroup {
		paused, perr := broker.Reserve(ctx, q, 10*time.Millisecond)
		require.NoError(t, perr)
		assert.Nil(t, paused, "queue %s should hold no reservable job after the flush", q)
	}

	counts, err := broker.Snapshot(ctx, queue.EpisodeProcessing)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts.Waiting)
}
