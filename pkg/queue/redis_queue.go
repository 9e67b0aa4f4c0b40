// Package queue runs interpretation jobs over a Redis stream consumer
// group. Job progress lives in a hash per job so callers can poll it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"cabohealth/internal/util"

	"github.com/redis/go-redis/v9"
)

const (
	fieldJobID      = "job_id"
	fieldAnalysisID = "analysis_id"
)

type RedisQueueConfig struct {
	Client     redis.UniversalClient
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	BatchSize  int64
}

// RedisJobQueue delivers each job to one consumer of the group. Messages a
// crashed consumer left pending are reclaimed after ClaimIdle.
type RedisJobQueue struct {
	client     redis.UniversalClient
	stream     string
	deadLetter string
	group      string
	consumer   string
	jobTTL     time.Duration
	maxRetries int
	block      time.Duration
	claimIdle  time.Duration
	retryDelay time.Duration
	maxLen     int64
	batch      int64
	groupOnce  sync.Once
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	if cfg.Client == nil {
		return nil, errors.New("queue redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &RedisJobQueue{
		client:     cfg.Client,
		stream:     stream,
		deadLetter: stream + ":dlq",
		group:      orDefault(cfg.Group, "default"),
		consumer:   orDefault(cfg.Consumer, util.NewID()),
		jobTTL:     positive(cfg.JobTTL, 24*time.Hour),
		maxRetries: int(positive(int64(cfg.MaxRetries), 3)),
		block:      positive(cfg.Block, 5*time.Second),
		claimIdle:  positive(cfg.ClaimIdle, 2*time.Minute),
		retryDelay: positive(cfg.RetryDelay, 2*time.Second),
		maxLen:     positive(cfg.MaxLen, 10000),
		batch:      positive(cfg.BatchSize, 10),
	}
	return q, nil
}

// Enqueue stores the job as queued and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, analysisID string, meta map[string]string) (JobStatus, error) {
	analysisID = strings.TrimSpace(analysisID)
	if analysisID == "" {
		return JobStatus{}, errors.New("analysisId required")
	}
	now := time.Now().UTC()
	job := JobStatus{
		ID:          util.NewID(),
		AnalysisID:  analysisID,
		Meta:        meta,
		Status:      StatusQueued,
		MaxAttempts: q.maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rec, err := newRecord(job)
	if err != nil {
		return JobStatus{}, err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(job.ID), rec)
		pipe.Expire(ctx, q.jobKey(job.ID), q.jobTTL)
		pipe.XAdd(ctx, q.addArgs(q.stream, job.ID, job.AnalysisID))
		return nil
	})
	if err != nil {
		return JobStatus{}, fmt.Errorf("enqueue %s: %w", analysisID, err)
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	cmd := q.client.HGetAll(ctx, q.jobKey(jobID))
	fields, err := cmd.Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(fields) == 0 {
		return JobStatus{}, false, nil
	}
	var rec jobRecord
	if err := cmd.Scan(&rec); err != nil {
		return JobStatus{}, false, fmt.Errorf("scan job %s: %w", jobID, err)
	}
	job, err := rec.status(jobID)
	if err != nil {
		return JobStatus{}, false, err
	}
	return job, true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := range concurrency {
		go q.consume(ctx, fmt.Sprintf("%s-%d", q.consumer, i), handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.groupOnce.Do(func() {
		// Start at 0 so jobs enqueued before any worker existed are delivered.
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			slog.Warn("queue group create failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consume(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		msgs, err := q.next(ctx, consumer)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("queue read failed", "stream", q.stream, "consumer", consumer, "err", err)
				sleep(ctx, time.Second)
			}
			continue
		}
		for _, msg := range msgs {
			q.handle(ctx, msg, handler)
		}
	}
}

// next returns reclaimed stale messages first, then blocks for new ones.
func (q *RedisJobQueue) next(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.batch,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    q.batch,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (q *RedisJobQueue) handle(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values[fieldJobID].(string)
	analysisID, _ := msg.Values[fieldAnalysisID].(string)
	if jobID == "" || analysisID == "" {
		slog.Warn("queue dropped malformed message", "stream", q.stream, "msg_id", msg.ID)
		q.ack(ctx, msg.ID)
		return
	}
	job, err := q.beginAttempt(ctx, jobID, analysisID)
	if err != nil {
		slog.Error("queue job state unavailable", "job_id", jobID, "err", err)
		q.ack(ctx, msg.ID)
		return
	}

	err = handler(ctx, job)
	switch {
	case err == nil:
		_ = q.setStatus(ctx, jobID, StatusDone, "")
		q.ack(ctx, msg.ID)
	case IsPermanent(err) || job.FinalAttempt():
		_ = q.setStatus(ctx, jobID, StatusFailed, err.Error())
		q.deadLetterAndAck(ctx, msg.ID, job, err)
	default:
		_ = q.setStatus(ctx, jobID, StatusQueued, err.Error())
		if !sleep(ctx, q.retryDelay) {
			return
		}
		if err := q.requeueAndAck(ctx, msg.ID, jobID, analysisID); err != nil {
			slog.Warn("queue requeue failed; message stays pending", "job_id", jobID, "err", err)
		}
	}
}

// beginAttempt counts the attempt atomically, so a reclaimed message is
// charged against the same budget as the original delivery.
func (q *RedisJobQueue) beginAttempt(ctx context.Context, jobID, analysisID string) (JobStatus, error) {
	key := q.jobKey(jobID)
	now := time.Now().UTC().UnixMilli()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "attempts", 1)
		pipe.HSet(ctx, key,
			"analysis_id", analysisID,
			"status", StatusProcessing,
			"max_attempts", q.maxRetries,
			"updated_at", now,
		)
		pipe.HSetNX(ctx, key, "created_at", now)
		pipe.Expire(ctx, key, q.jobTTL)
		return nil
	})
	if err != nil {
		return JobStatus{}, err
	}
	job, _, err := q.GetJob(ctx, jobID)
	return job, err
}

func (q *RedisJobQueue) setStatus(ctx context.Context, jobID, status, errMsg string) error {
	key := q.jobKey(jobID)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "status", status, "error", errMsg, "updated_at", time.Now().UTC().UnixMilli())
		pipe.Expire(ctx, key, q.jobTTL)
		return nil
	})
	return err
}

func (q *RedisJobQueue) ack(ctx context.Context, msgID string) {
	_, _ = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.stream, q.group, msgID)
		pipe.XDel(ctx, q.stream, msgID)
		return nil
	})
}

// requeueAndAck appends a fresh copy and retires the delivered message in
// one transaction; on failure the original stays pending for reclaim.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, analysisID string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, q.addArgs(q.stream, jobID, analysisID))
		pipe.XAck(ctx, q.stream, q.group, msgID)
		pipe.XDel(ctx, q.stream, msgID)
		return nil
	})
	return err
}

func (q *RedisJobQueue) deadLetterAndAck(ctx context.Context, msgID string, job JobStatus, cause error) {
	args := q.addArgs(q.deadLetter, job.ID, job.AnalysisID)
	values := args.Values.(map[string]any)
	values["error"] = cause.Error()
	values["attempts"] = strconv.Itoa(job.Attempts)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, args)
		pipe.XAck(ctx, q.stream, q.group, msgID)
		pipe.XDel(ctx, q.stream, msgID)
		return nil
	})
	if err != nil {
		slog.Error("queue dead-letter failed", "job_id", job.ID, "err", err)
	}
}

func (q *RedisJobQueue) addArgs(stream, jobID, analysisID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{fieldJobID: jobID, fieldAnalysisID: analysisID},
	}
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return "job:" + q.stream + ":" + jobID
}

// sleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func positive[T int64 | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}
