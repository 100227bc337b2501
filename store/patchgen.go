package store

import (
	"reflect"
	"time"

	"github.com/google/uuid"

	"canvas-sync/domain"
)

// normalizeSubtasks assigns ids to new subtasks and pins the parent
// back-reference.
func normalizeSubtasks(taskID string, subs []domain.Subtask) []domain.Subtask {
	if subs == nil {
		return nil
	}
	out := make([]domain.Subtask, len(subs))
	copy(out, subs)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
		out[i].TaskID = taskID
	}
	return out
}

// mergeTask folds the supplied fields of upd into t and returns the
// field-granular replace ops describing what actually changed. Untouched and
// value-identical fields emit nothing, keeping patches minimal. When at
// least one field changed, updated_at is refreshed and its replace appended
// last.
func mergeTask(t *domain.Task, upd domain.TaskUpdate, now time.Time) ([]domain.PatchOperation, error) {
	ops := make([]domain.PatchOperation, 0, 4)

	appendReplace := func(field string, value any) error {
		op, err := domain.ReplaceField(t.ID, field, value)
		if err != nil {
			return err
		}
		ops = append(ops, op)
		return nil
	}

	if upd.Title != nil && *upd.Title != t.Title {
		t.Title = *upd.Title
		if err := appendReplace(domain.FieldTitle, t.Title); err != nil {
			return nil, err
		}
	}
	if upd.Description != nil && *upd.Description != t.Description {
		t.Description = *upd.Description
		if err := appendReplace(domain.FieldDescription, t.Description); err != nil {
			return nil, err
		}
	}
	if upd.Status != nil && *upd.Status != t.Status {
		t.Status = *upd.Status
		if err := appendReplace(domain.FieldStatus, t.Status); err != nil {
			return nil, err
		}
	}
	if upd.Subtasks != nil {
		subs := normalizeSubtasks(t.ID, *upd.Subtasks)
		if !reflect.DeepEqual(subs, t.Subtasks) {
			t.Subtasks = subs
			if err := appendReplace(domain.FieldSubtasks, t.Subtasks); err != nil {
				return nil, err
			}
		}
	}
	if upd.Metadata != nil && !reflect.DeepEqual(*upd.Metadata, t.Metadata) {
		t.Metadata = *upd.Metadata
		if err := appendReplace(domain.FieldMetadata, t.Metadata); err != nil {
			return nil, err
		}
	}

	if len(ops) == 0 {
		return nil, nil
	}

	t.UpdatedAt = now
	if err := appendReplace(domain.FieldUpdatedAt, t.UpdatedAt); err != nil {
		return nil, err
	}
	return ops, nil
}
