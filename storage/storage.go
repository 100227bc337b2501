package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"canvas-sync/domain"
)

// Storage provides the durable mirror of accepted mutations: a task table
// keyed by board, and a change journal queue for downstream consumers. The
// canonical collection lives in memory; this layer only rehydrates it at
// board open and records accepted mutations behind it.
type Storage struct {
	taskTable *aztables.Client
	journal   *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, journalQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	jq, err := azqueue.NewQueueClientFromConnectionString(connStr, journalQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: svc.NewClient(tasksTable), journal: jq}, nil
}

// taskEntity flattens a task into table properties. Subtasks and metadata
// are stored as JSON strings since table columns are scalar.
type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
	Subtasks    string `json:"Subtasks"`
	Metadata    string `json:"Metadata"`
}

func encodeTask(board string, t domain.Task) ([]byte, error) {
	subs, err := sonic.Marshal(t.Subtasks)
	if err != nil {
		return nil, err
	}
	meta, err := sonic.Marshal(t.Metadata)
	if err != nil {
		return nil, err
	}
	ent := taskEntity{
		Entity:      aztables.Entity{PartitionKey: board, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Subtasks:    string(subs),
		Metadata:    string(meta),
	}
	return sonic.Marshal(ent)
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
	}
	if ent.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
		if err != nil {
			return domain.Task{}, err
		}
		t.CreatedAt = ts
	}
	if ent.UpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, ent.UpdatedAt)
		if err != nil {
			return domain.Task{}, err
		}
		t.UpdatedAt = ts
	}
	if ent.Subtasks != "" {
		if err := sonic.Unmarshal([]byte(ent.Subtasks), &t.Subtasks); err != nil {
			return domain.Task{}, err
		}
	}
	if ent.Metadata != "" {
		if err := sonic.Unmarshal([]byte(ent.Metadata), &t.Metadata); err != nil {
			return domain.Task{}, err
		}
	}
	return t, nil
}

// LoadBoard retrieves every persisted task for the given board.
func (s *Storage) LoadBoard(ctx context.Context, board string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + board + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// UpsertTask creates or replaces the persisted copy of a task.
func (s *Storage) UpsertTask(ctx context.Context, board string, t domain.Task) error {
	payload, err := encodeTask(board, t)
	if err != nil {
		return err
	}
	_, err = s.taskTable.UpsertEntity(ctx, payload, nil)
	return err
}

// DeleteTask removes the persisted copy of a task. Missing entities are
// tolerated so replayed deletes stay idempotent.
func (s *Storage) DeleteTask(ctx context.Context, board, id string) error {
	_, err := s.taskTable.DeleteEntity(ctx, board, id, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil
		}
	}
	return err
}

// changeMessage is the journal payload for one accepted mutation.
type changeMessage struct {
	Board    string                 `json:"board"`
	Revision uint64                 `json:"revision"`
	Patch    sonic.NoCopyRawMessage `json:"patch"`
}

// EnqueueChange records an accepted mutation's patch envelope on the change
// journal queue.
func (s *Storage) EnqueueChange(ctx context.Context, board string, revision uint64, envelope []byte) error {
	data, err := sonic.Marshal(changeMessage{Board: board, Revision: revision, Patch: envelope})
	if err != nil {
		return err
	}
	_, err = s.journal.EnqueueMessage(ctx, string(data), nil)
	return err
}
