package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/hookflow/pkg/api"
)

// RedisLog is an EventLog backed by Redis. It uses a simple key structure:
//
//	<prefix>run:<run id>      => JSON run record
//	<prefix>events:<run id>   => LIST of JSON events, index seq-1
//	<prefix>wf:<workflow id>  => latest run id for the workflow
//	<prefix>active            => SET of non-terminal run ids
//
// Writes are optimistic transactions: WATCH the keys that decide the
// outcome, check them, then MULTI/EXEC the change.
type RedisLog struct {
	client *redis.Client
	prefix string
}

var _ EventLog = (*RedisLog)(nil)

// createRetries bounds how often CreateRun retries a lost WATCH race before
// giving up.
const createRetries = 5

// redisRun is the stored form of a RunRecord.
type redisRun struct {
	WorkflowID   string      `json:"workflow_id"`
	RunID        string      `json:"run_id"`
	WorkflowType string      `json:"workflow_type"`
	TaskQueue    string      `json:"task_queue,omitempty"`
	Status       api.Status  `json:"status"`
	Result       api.Payload `json:"result,omitzero"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	ErrorType    string      `json:"error_type,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	LastSeq      int64       `json:"last_seq"`
	CreatedAt    int64       `json:"created_at"`
	UpdatedAt    int64       `json:"updated_at"`
}

// NewRedisLog creates a RedisLog.
// prefix is optional but recommended (e.g. "hookflow:").
func NewRedisLog(client *redis.Client, prefix string) *RedisLog {
	if prefix == "" {
		prefix = "hookflow:"
	}
	return &RedisLog{client: client, prefix: prefix}
}

func (s *RedisLog) keyRun(id string) string { return s.prefix + "run:" + id }
func (s *RedisLog) keyEvents(id string) string { return s.prefix + "events:" + id }
func (s *RedisLog) keyWorkflow(wfID string) string { return s.prefix + "wf:" + wfID }
func (s *RedisLog) keyActive() string { return s.prefix + "active" }

func encodeRedisRun(rec RunRecord) ([]byte, error) {
	return json.Marshal(redisRun{
		WorkflowID:   rec.WorkflowID,
		RunID:        rec.RunID,
		WorkflowType: rec.WorkflowType,
		TaskQueue:    rec.TaskQueue,
		Status:       rec.Status,
		Result:       rec.Result,
		ErrorKind:    string(rec.ErrorKind),
		ErrorType:    rec.ErrorType,
		ErrorMessage: rec.ErrorMessage,
		LastSeq:      rec.LastSeq,
		CreatedAt:    rec.CreatedAt.UnixNano(),
		UpdatedAt:    rec.UpdatedAt.UnixNano(),
	})
}

func decodeRedisRun(data []byte) (RunRecord, error) {
	var r redisRun
	if err := json.Unmarshal(data, &r); err != nil {
		return RunRecord{}, fmt.Errorf("hookflow: decode run: %w", err)
	}
	return RunRecord{
		WorkflowID:   r.WorkflowID,
		RunID:        r.RunID,
		WorkflowType: r.WorkflowType,
		TaskQueue:    r.TaskQueue,
		Status:       r.Status,
		Result:       r.Result,
		ErrorKind:    api.ErrorKind(r.ErrorKind),
		ErrorType:    r.ErrorType,
		ErrorMessage: r.ErrorMessage,
		LastSeq:      r.LastSeq,
		CreatedAt:    unixNanoUTC(r.CreatedAt),
		UpdatedAt:    unixNanoUTC(r.UpdatedAt),
	}, nil
}

// getRun loads a run record with any redis.Cmdable (client or Tx).
func (s *RedisLog) getRun(ctx context.Context, c redis.Cmdable, runID string) (RunRecord, error) {
	data, err := c.Get(ctx, s.keyRun(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return RunRecord{}, ErrRunNotFound
		}
		return RunRecord{}, fmt.Errorf("hookflow: redis get run: %w", err)
	}
	return decodeRedisRun(data)
}

func (s *RedisLog) CreateRun(ctx context.Context, rec RunRecord, first api.Event) error {
	if err := validateFirst(rec, first); err != nil {
		return err
	}
	rec, first = prepareFirst(rec, first)

	runData, err := encodeRedisRun(rec)
	if err != nil {
		return err
	}
	evData, err := json.Marshal(first)
	if err != nil {
		return fmt.Errorf("hookflow: encode event: %w", err)
	}

	wfKey := s.keyWorkflow(rec.WorkflowID)
	for range createRetries {
		var exists *RunExistsError
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, wfKey).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				existing, err := s.getRun(ctx, tx, cur)
				if err != nil && !errors.Is(err, ErrRunNotFound) {
					return err
				}
				if err == nil && !existing.Status.IsTerminal() {
					exists = &RunExistsError{Run: existing}
					return nil
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.keyRun(rec.RunID), runData, 0)
				pipe.RPush(ctx, s.keyEvents(rec.RunID), evData)
				pipe.Set(ctx, wfKey, rec.RunID, 0)
				pipe.SAdd(ctx, s.keyActive(), rec.RunID)
				return nil
			})
			return err
		}, wfKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("hookflow: redis create run: %w", err)
		}
		if exists != nil {
			return exists
		}
		return nil
	}
	return fmt.Errorf("%w: create run for %s", ErrConcurrentAppend, rec.WorkflowID)
}

func (s *RedisLog) Append(ctx context.Context, runID string, expectedSeq int64, ev api.Event) (int64, error) {
	seq := expectedSeq + 1
	ev = stampEvent(ev, seq)
	evData, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("hookflow: encode event: %w", err)
	}

	runKey := s.keyRun(runID)
	var appendErr error
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.getRun(ctx, tx, runID)
		if err != nil {
			appendErr = err
			return nil
		}
		if err := classifyAppend(rec, expectedSeq); err != nil {
			appendErr = err
			return nil
		}
		next := applyEvent(rec, seq, ev)
		runData, err := encodeRedisRun(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, s.keyEvents(runID), evData)
			pipe.Set(ctx, runKey, runData, 0)
			if next.Status.IsTerminal() {
				pipe.SRem(ctx, s.keyActive(), runID)
			}
			return nil
		})
		return err
	}, runKey)

	if errors.Is(err, redis.TxFailedErr) {
		return 0, fmt.Errorf("%w: run %s", ErrConcurrentAppend, runID)
	}
	if err != nil {
		return 0, fmt.Errorf("hookflow: redis append: %w", err)
	}
	if appendErr != nil {
		return 0, appendErr
	}
	return seq, nil
}

func (s *RedisLog) Read(ctx context.Context, runID string) iter.Seq2[api.Event, error] {
	return func(yield func(api.Event, error) bool) {
		key := s.keyEvents(runID)
		for start := int64(0); ; start += readPageSize {
			items, err := s.client.LRange(ctx, key, start, start+readPageSize-1).Result()
			if err != nil {
				yield(api.Event{}, fmt.Errorf("hookflow: redis read events: %w", err))
				return
			}
			if start == 0 && len(items) == 0 {
				if _, err := s.getRun(ctx, s.client, runID); err != nil {
					yield(api.Event{}, err)
				}
				return
			}
			for _, item := range items {
				var ev api.Event
				if err := json.Unmarshal([]byte(item), &ev); err != nil {
					yield(api.Event{}, fmt.Errorf("hookflow: decode event: %w", err))
					return
				}
				if !yield(ev, nil) {
					return
				}
			}
			if len(items) < readPageSize {
				return
			}
		}
	}
}

func (s *RedisLog) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	return s.getRun(ctx, s.client, runID)
}

func (s *RedisLog) CurrentRun(ctx context.Context, workflowID string) (RunRecord, error) {
	runID, err := s.client.Get(ctx, s.keyWorkflow(workflowID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return RunRecord{}, ErrRunNotFound
		}
		return RunRecord{}, fmt.Errorf("hookflow: redis get workflow: %w", err)
	}
	return s.getRun(ctx, s.client, runID)
}

func (s *RedisLog) ListActive(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.keyActive()).Result()
	if err != nil {
		return nil, fmt.Errorf("hookflow: redis list active: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
