package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/hookflow/pkg/api"
)

// MongoLog is an EventLog backed by MongoDB. Each run is one document that
// embeds its history, so every append is a single-document compare-and-set
// on last_seq. A partial unique index on running documents enforces at most
// one active run per workflow id.
type MongoLog struct {
	coll *mongo.Collection
}

var _ EventLog = (*MongoLog)(nil)

type mongoRun struct {
	RunID        string       `bson:"_id"`
	WorkflowID   string       `bson:"workflow_id"`
	WorkflowType string       `bson:"workflow_type"`
	TaskQueue    string       `bson:"task_queue"`
	Status       string       `bson:"status"`
	Result       string       `bson:"result,omitempty"`
	ErrorKind    string       `bson:"error_kind,omitempty"`
	ErrorType    string       `bson:"error_type,omitempty"`
	ErrorMessage string       `bson:"error_message,omitempty"`
	LastSeq      int64        `bson:"last_seq"`
	CreatedAt    int64        `bson:"created_at"`
	UpdatedAt    int64        `bson:"updated_at"`
	Events       []mongoEvent `bson:"events,omitempty"`
}

// mongoEvent keeps the JSON body so histories are byte-identical across
// backends.
type mongoEvent struct {
	Seq  int64  `bson:"seq"`
	Type string `bson:"type"`
	Body string `bson:"body"`
}

// NewMongoLog creates a MongoLog using the given client, database and
// collection names and ensures its indexes exist.
func NewMongoLog(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoLog, error) {
	if dbName == "" {
		dbName = "hookflow"
	}
	if collName == "" {
		collName = "runs"
	}
	coll := client.Database(dbName).Collection(collName)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "workflow_id", Value: 1}},
			Options: options.Index().
				SetName("one_active_run").
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "status", Value: string(api.StatusRunning)}}),
		},
		{
			Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("by_workflow"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("hookflow: mongo indexes: %w", err)
	}
	return &MongoLog{coll: coll}, nil
}

func toMongoEvent(ev api.Event) (mongoEvent, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return mongoEvent{}, fmt.Errorf("hookflow: encode event: %w", err)
	}
	return mongoEvent{Seq: ev.Seq, Type: string(ev.Type), Body: string(body)}, nil
}

func (d mongoRun) record() (RunRecord, error) {
	rec := RunRecord{
		WorkflowID:   d.WorkflowID,
		RunID:        d.RunID,
		WorkflowType: d.WorkflowType,
		TaskQueue:    d.TaskQueue,
		Status:       api.Status(d.Status),
		ErrorKind:    api.ErrorKind(d.ErrorKind),
		ErrorType:    d.ErrorType,
		ErrorMessage: d.ErrorMessage,
		LastSeq:      d.LastSeq,
		CreatedAt:    unixNanoUTC(d.CreatedAt),
		UpdatedAt:    unixNanoUTC(d.UpdatedAt),
	}
	if d.Result != "" {
		if err := json.Unmarshal([]byte(d.Result), &rec.Result); err != nil {
			return RunRecord{}, fmt.Errorf("hookflow: decode result: %w", err)
		}
	}
	return rec, nil
}

func (s *MongoLog) CreateRun(ctx context.Context, rec RunRecord, first api.Event) error {
	if err := validateFirst(rec, first); err != nil {
		return err
	}
	rec, first = prepareFirst(rec, first)

	me, err := toMongoEvent(first)
	if err != nil {
		return err
	}
	doc := mongoRun{
		RunID:        rec.RunID,
		WorkflowID:   rec.WorkflowID,
		WorkflowType: rec.WorkflowType,
		TaskQueue:    rec.TaskQueue,
		Status:       string(rec.Status),
		LastSeq:      rec.LastSeq,
		CreatedAt:    rec.CreatedAt.UnixNano(),
		UpdatedAt:    rec.UpdatedAt.UnixNano(),
		Events:       []mongoEvent{me},
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, gerr := s.CurrentRun(ctx, rec.WorkflowID)
			if gerr != nil {
				return fmt.Errorf("hookflow: mongo create run: %w", err)
			}
			return &RunExistsError{Run: existing}
		}
		return fmt.Errorf("hookflow: mongo create run: %w", err)
	}
	return nil
}

func (s *MongoLog) Append(ctx context.Context, runID string, expectedSeq int64, ev api.Event) (int64, error) {
	seq := expectedSeq + 1
	ev = stampEvent(ev, seq)
	me, err := toMongoEvent(ev)
	if err != nil {
		return 0, err
	}

	set := bson.M{"last_seq": seq, "updated_at": ev.At.UnixNano()}
	if st, ok := ev.Type.TerminalStatus(); ok {
		closed := applyEvent(RunRecord{}, seq, ev)
		set["status"] = string(st)
		set["error_kind"] = string(closed.ErrorKind)
		set["error_type"] = closed.ErrorType
		set["error_message"] = closed.ErrorMessage
		if !closed.Result.IsEmpty() {
			b, err := json.Marshal(closed.Result)
			if err != nil {
				return 0, fmt.Errorf("hookflow: encode result: %w", err)
			}
			set["result"] = string(b)
		}
	}

	filter := bson.M{"_id": runID, "last_seq": expectedSeq, "status": string(api.StatusRunning)}
	update := bson.M{"$push": bson.M{"events": me}, "$set": set}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("hookflow: mongo append: %w", err)
	}
	if res.MatchedCount == 0 {
		rec, gerr := s.GetRun(ctx, runID)
		if gerr != nil {
			return 0, gerr
		}
		if cerr := classifyAppend(rec, expectedSeq); cerr != nil {
			return 0, cerr
		}
		return 0, fmt.Errorf("%w: run %s", ErrConcurrentAppend, runID)
	}
	return seq, nil
}

func (s *MongoLog) Read(ctx context.Context, runID string) iter.Seq2[api.Event, error] {
	return func(yield func(api.Event, error) bool) {
		for skip := 0; ; skip += readPageSize {
			opts := options.FindOne().SetProjection(bson.M{
				"events": bson.M{"$slice": bson.A{skip, readPageSize}},
			})
			var doc mongoRun
			if err := s.coll.FindOne(ctx, bson.M{"_id": runID}, opts).Decode(&doc); err != nil {
				if errors.Is(err, mongo.ErrNoDocuments) {
					err = ErrRunNotFound
				}
				yield(api.Event{}, err)
				return
			}
			for _, me := range doc.Events {
				var ev api.Event
				if err := json.Unmarshal([]byte(me.Body), &ev); err != nil {
					yield(api.Event{}, fmt.Errorf("hookflow: decode event: %w", err))
					return
				}
				if !yield(ev, nil) {
					return
				}
			}
			if len(doc.Events) < readPageSize {
				return
			}
		}
	}
}

var withoutEvents = bson.M{"events": 0}

func (s *MongoLog) findRun(ctx context.Context, filter bson.M, opts *options.FindOneOptions) (RunRecord, error) {
	var doc mongoRun
	if err := s.coll.FindOne(ctx, filter, opts.SetProjection(withoutEvents)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return RunRecord{}, ErrRunNotFound
		}
		return RunRecord{}, fmt.Errorf("hookflow: mongo load run: %w", err)
	}
	return doc.record()
}

func (s *MongoLog) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	return s.findRun(ctx, bson.M{"_id": runID}, options.FindOne())
}

func (s *MongoLog) CurrentRun(ctx context.Context, workflowID string) (RunRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	return s.findRun(ctx, bson.M{"workflow_id": workflowID}, opts)
}

func (s *MongoLog) ListActive(ctx context.Context) ([]string, error) {
	cur, err := s.coll.Find(ctx,
		bson.M{"status": string(api.StatusRunning)},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("hookflow: mongo list active: %w", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}
