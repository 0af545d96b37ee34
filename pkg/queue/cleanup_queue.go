// Package queue holds storage cleanup work that could not finish inline. A job
// names the stored objects left behind by a failed delete; consumers retry the
// removal until it succeeds or the attempt budget runs out.
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

	"github.com/redis/go-redis/v9"

	"pdfshelf/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// keySep joins object keys in one stream field. Object keys never contain it.
const keySep = "\n"

type Job struct {
	ID           string    `json:"id"`
	BookID       string    `json:"bookId"`
	Keys         []string  `json:"keys"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler performs one job. A non-nil error schedules a retry.
type Handler func(ctx context.Context, job Job) error

type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
	Logger     *slog.Logger
}

// CleanupQueue is a Redis stream with a consumer group. Job state lives in a
// hash per job so operators can inspect it after the stream entry is gone.
type CleanupQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	logger       *slog.Logger
	now          func() time.Time
	once         sync.Once
	groupErr     error
}

func NewCleanupQueue(cfg Config) (*CleanupQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &CleanupQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        orDefault(strings.TrimSpace(cfg.Group), "catalog-cleanup"),
		consumerBase: orDefault(strings.TrimSpace(cfg.Consumer), util.NewID()),
		jobTTL:       positive(cfg.JobTTL, 7*24*time.Hour),
		maxRetries:   int(positive(int64(cfg.MaxRetries), 5)),
		block:        positive(cfg.Block, 5*time.Second),
		claimIdle:    positive(cfg.ClaimIdle, time.Minute),
		retryDelay:   positive(cfg.RetryDelay, 5*time.Second),
		maxLen:       positive(cfg.MaxLen, 10000),
		readCount:    positive(cfg.ReadCount, 10),
		claimCount:   positive(cfg.ClaimCount, 10),
		logger:       cfg.Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func positive[T int64 | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

func (q *CleanupQueue) Close() error {
	return q.client.Close()
}

// Enqueue records a cleanup job for keys left behind by bookID.
func (q *CleanupQueue) Enqueue(ctx context.Context, bookID string, keys []string) (Job, error) {
	keys = compactKeys(keys)
	if len(keys) == 0 {
		return Job{}, errors.New("object keys required")
	}
	now := q.now()
	job := Job{
		ID:        util.NewID(),
		BookID:    strings.TrimSpace(bookID),
		Keys:      keys,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, q.addArgs(job)).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func compactKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func (q *CleanupQueue) addArgs(job Job) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":  job.ID,
			"book_id": job.BookID,
			"keys":    strings.Join(job.Keys, keySep),
		},
	}
}

func (q *CleanupQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start runs concurrency consumers until ctx is done.
func (q *CleanupQueue) Start(ctx context.Context, concurrency int, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		go q.consumeLoop(ctx, fmt.Sprintf("%s-%d", q.consumerBase, i), handler)
	}
	return nil
}

func (q *CleanupQueue) ensureGroup(ctx context.Context) error {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

func (q *CleanupQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("cleanup queue read failed", "stream", q.stream, "err", err)
			sleep(ctx, q.retryDelay)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// claimPending takes over entries a crashed consumer left unacknowledged.
func (q *CleanupQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *CleanupQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	rawKeys, _ := msg.Values["keys"].(string)
	if jobID == "" || rawKeys == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, msg)
	if err != nil {
		q.logger.Warn("cleanup job state unavailable", "job_id", jobID, "err", err)
		return
	}
	herr := handler(ctx, job)
	if herr == nil {
		_ = q.mark(ctx, job, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		_ = q.mark(ctx, job, StatusFailed, herr.Error())
		q.ackAndDel(ctx, msg.ID)
		q.logger.Error("cleanup job gave up", "job_id", job.ID, "book_id", job.BookID, "keys", job.Keys, "err", herr)
		return
	}
	_ = q.mark(ctx, job, StatusQueued, herr.Error())
	sleep(ctx, q.retryDelay)
	if err := q.requeueAndAck(ctx, msg.ID, job); err != nil {
		q.logger.Warn("cleanup job requeue failed", "job_id", job.ID, "err", err)
	}
}

func (q *CleanupQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck moves a failed job to the tail in one transaction, so a crash
// leaves either the old pending entry or the new one.
func (q *CleanupQueue) requeueAndAck(ctx context.Context, msgID string, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(job))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *CleanupQueue) markProcessing(ctx context.Context, jobID string, msg redis.XMessage) (Job, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !found {
		// The state hash expired; rebuild it from the stream entry.
		bookID, _ := msg.Values["book_id"].(string)
		job = Job{ID: jobID, BookID: bookID, CreatedAt: q.now()}
	}
	if raw, _ := msg.Values["keys"].(string); raw != "" {
		job.Keys = strings.Split(raw, keySep)
	}
	job.Attempts++
	if err := q.mark(ctx, job, StatusProcessing, job.ErrorMessage); err != nil {
		return Job{}, err
	}
	job.Status = StatusProcessing
	return job, nil
}

func (q *CleanupQueue) mark(ctx context.Context, job Job, status, errMsg string) error {
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = q.now()
	return q.writeStatus(ctx, job)
}

func (q *CleanupQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"bookId":    job.BookID,
		"keys":      strings.Join(job.Keys, keySep),
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *CleanupQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{
		ID:           jobID,
		BookID:       data["bookId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if v := data["keys"]; v != "" {
		job.Keys = strings.Split(v, keySep)
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
