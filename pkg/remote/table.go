package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"github.com/harrisonrobin/taskmirror/pkg/model"
)

// MaxTransactionActions is the Table service limit per entity group
// transaction.
const MaxTransactionActions = 100

const cursorRowKey = "cursor"

const edmInt64 = "Edm.Int64"

type taskEntity struct {
	aztables.Entity
	Title           string `json:"Title"`
	Description     string `json:"Description"`
	Completed       bool   `json:"Completed"`
	Category        string `json:"Category"`
	StartDate       string `json:"StartDate"`
	StartTime       string `json:"StartTime"`
	AlertTimeNs     string `json:"AlertTimeNs"`
	AlertTimeNsType string `json:"AlertTimeNs@odata.type"`
	ReminderKind    string `json:"ReminderKind"`
	Subtasks        string `json:"Subtasks"`
	Attachments     string `json:"Attachments"`
	Notes           string `json:"Notes"`
	CreatedAtNs     string `json:"CreatedAtNs"`
	CreatedAtNsType string `json:"CreatedAtNs@odata.type"`
	UpdatedAtNs     string `json:"UpdatedAtNs"`
	UpdatedAtNsType string `json:"UpdatedAtNs@odata.type"`
}

type cursorEntity struct {
	aztables.Entity
	LastSyncNs     string `json:"LastSyncNs"`
	LastSyncNsType string `json:"LastSyncNs@odata.type"`
}

// TableStore keeps the replica in Azure Table storage. Each user is one
// partition, so a batch is a single entity group transaction.
type TableStore struct {
	tasks    *aztables.Client
	metadata *aztables.Client
}

// NewTableStore connects with a storage connection string. Missing tables are
// created.
func NewTableStore(ctx context.Context, connStr, tasksTable, metadataTable string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{tasksTable, metadataTable} {
		if _, err := svc.CreateTable(ctx, name, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return nil, fmt.Errorf("create table %s: %w", name, err)
			}
		}
	}
	return &TableStore{tasks: svc.NewClient(tasksTable), metadata: svc.NewClient(metadataTable)}, nil
}

func (s *TableStore) Close() error { return nil }

func (s *TableStore) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.metadata.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	_, err := pager.NextPage(ctx)
	return err
}

func (s *TableStore) UpsertBatch(ctx context.Context, userID string, tasks []model.Task) error {
	for start := 0; start < len(tasks); start += MaxTransactionActions {
		end := min(start+MaxTransactionActions, len(tasks))
		actions := make([]aztables.TransactionAction, 0, end-start)
		for _, t := range tasks[start:end] {
			payload, err := marshalTaskEntity(userID, t)
			if err != nil {
				return fmt.Errorf("encode task %s: %w", t.ID, err)
			}
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeInsertReplace,
				Entity:     payload,
			})
		}
		if _, err := s.tasks.SubmitTransaction(ctx, actions, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *TableStore) DeleteByKey(ctx context.Context, userID, taskID string) error {
	_, err := s.tasks.DeleteEntity(ctx, userID, taskID, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (s *TableStore) SelectModifiedSince(ctx context.Context, userID string, since time.Time) ([]model.Task, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and UpdatedAtNs gt %dL", escapeFilter(userID), nanos(since))
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out []model.Task
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			t, err := unmarshalTaskEntity(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *TableStore) GetCursor(ctx context.Context, userID string) (time.Time, bool, error) {
	resp, err := s.metadata.GetEntity(ctx, userID, cursorRowKey, nil)
	if isNotFound(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	var ent cursorEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return time.Time{}, false, err
	}
	n, err := strconv.ParseInt(ent.LastSyncNs, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("bad cursor for %s: %w", userID, err)
	}
	return fromNanos(n), true, nil
}

// SetCursor only replaces an older cursor. The ETag check makes a concurrent
// writer fail instead of moving the cursor backwards.
func (s *TableStore) SetCursor(ctx context.Context, userID string, at time.Time) error {
	payload, err := sonic.Marshal(cursorEntity{
		Entity:         aztables.Entity{PartitionKey: userID, RowKey: cursorRowKey},
		LastSyncNs:     strconv.FormatInt(nanos(at), 10),
		LastSyncNsType: edmInt64,
	})
	if err != nil {
		return err
	}

	resp, err := s.metadata.GetEntity(ctx, userID, cursorRowKey, nil)
	if isNotFound(err) {
		_, err = s.metadata.AddEntity(ctx, payload, nil)
		return err
	}
	if err != nil {
		return err
	}
	var current cursorEntity
	if err := sonic.Unmarshal(resp.Value, &current); err != nil {
		return err
	}
	if n, err := strconv.ParseInt(current.LastSyncNs, 10, 64); err == nil && n >= nanos(at) {
		return nil
	}
	etag := resp.ETag
	_, err = s.metadata.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	return err
}

func marshalTaskEntity(userID string, t model.Task) ([]byte, error) {
	cols, err := encodeColumns(t)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(taskEntity{
		Entity:          aztables.Entity{PartitionKey: userID, RowKey: t.ID},
		Title:           t.Title,
		Description:     t.Description,
		Completed:       t.Completed,
		Category:        cols.Category,
		StartDate:       formatOptional(t.StartDate),
		StartTime:       formatOptional(t.StartTime),
		AlertTimeNs:     strconv.FormatInt(alertNanos(t.AlertTime), 10),
		AlertTimeNsType: edmInt64,
		ReminderKind:    string(t.ReminderKind),
		Subtasks:        cols.Subtasks,
		Attachments:     cols.Attachments,
		Notes:           t.Notes,
		CreatedAtNs:     strconv.FormatInt(nanos(t.CreatedAt), 10),
		CreatedAtNsType: edmInt64,
		UpdatedAtNs:     strconv.FormatInt(nanos(t.UpdatedAt), 10),
		UpdatedAtNsType: edmInt64,
	})
}

func unmarshalTaskEntity(raw []byte) (model.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(raw, &ent); err != nil {
		return model.Task{}, err
	}
	t := model.Task{
		ID:           ent.RowKey,
		Title:        ent.Title,
		Description:  ent.Description,
		Completed:    ent.Completed,
		ReminderKind: model.ReminderKind(ent.ReminderKind),
		Notes:        ent.Notes,
	}
	var err error
	if t.StartDate, err = parseDate(ent.StartDate); err != nil {
		return t, err
	}
	if t.StartTime, err = parseTimeOfDay(ent.StartTime); err != nil {
		return t, err
	}
	alert, _ := strconv.ParseInt(ent.AlertTimeNs, 10, 64)
	created, _ := strconv.ParseInt(ent.CreatedAtNs, 10, 64)
	updated, _ := strconv.ParseInt(ent.UpdatedAtNs, 10, 64)
	t.AlertTime = alertFromNanos(alert)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	err = decodeColumns(columns{Category: ent.Category, Subtasks: ent.Subtasks, Attachments: ent.Attachments}, &t)
	return t, err
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func escapeFilter(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}
