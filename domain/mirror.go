package domain

import (
	"time"

	"github.com/bytedance/sonic"
)

// Mirror is an observer-side replica of the task collection. It is not
// internally synchronized; the owning loop applies patches and readers go
// through the owner.
type Mirror struct {
	tasks map[string]Task
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{tasks: make(map[string]Task)}
}

// Reset discards the replica, as happens on every reconnect before the
// fresh snapshot arrives.
func (m *Mirror) Reset() {
	m.tasks = make(map[string]Task)
}

// Len returns the number of mirrored tasks.
func (m *Mirror) Len() int {
	return len(m.tasks)
}

// Task looks up a single mirrored task.
func (m *Mirror) Task(id string) (Task, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns a deep copy of the replica.
func (m *Mirror) Tasks() map[string]Task {
	return CloneTasks(m.tasks)
}

// Apply applies a patch batch in order. An operation that cannot be applied
// is reported as a PatchApplicationError and skipped; the rest of the batch
// still applies.
func (m *Mirror) Apply(ops []PatchOperation) []error {
	var errs []error
	for _, op := range ops {
		if err := m.applyOp(op); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (m *Mirror) applyOp(op PatchOperation) error {
	segs, ok := splitPath(op.Path)
	if !ok {
		return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "unresolvable path"}
	}
	switch len(segs) {
	case 0:
		return m.applyCollection(op)
	case 1:
		return m.applyTask(op, segs[0])
	default:
		return m.applyField(op, segs[0], segs[1])
	}
}

func (m *Mirror) applyCollection(op PatchOperation) error {
	if op.Op != OpReplace {
		return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "only replace is valid at the collection root"}
	}
	var tasks map[string]Task
	if err := sonic.Unmarshal(op.Value, &tasks); err != nil {
		return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "malformed value: " + err.Error()}
	}
	if tasks == nil {
		tasks = make(map[string]Task)
	}
	m.tasks = tasks
	return nil
}

func (m *Mirror) applyTask(op PatchOperation, id string) error {
	switch op.Op {
	case OpAdd, OpReplace:
		if _, exists := m.tasks[id]; exists && op.Op == OpAdd {
			return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "task already present"}
		}
		if _, exists := m.tasks[id]; !exists && op.Op == OpReplace {
			return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "task not present"}
		}
		var t Task
		if err := sonic.Unmarshal(op.Value, &t); err != nil {
			return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "malformed value: " + err.Error()}
		}
		m.tasks[id] = t
		return nil
	case OpRemove:
		if _, exists := m.tasks[id]; !exists {
			return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "task not present"}
		}
		delete(m.tasks, id)
		return nil
	default:
		return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "unknown op"}
	}
}

func (m *Mirror) applyField(op PatchOperation, id, field string) error {
	t, exists := m.tasks[id]
	if !exists {
		return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "task not present"}
	}
	if op.Op != OpReplace && op.Op != OpRemove {
		return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "unknown op for a task field"}
	}

	set := func(target any) error {
		if op.Op == OpRemove {
			return nil
		}
		if err := sonic.Unmarshal(op.Value, target); err != nil {
			return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "malformed value: " + err.Error()}
		}
		return nil
	}

	switch field {
	case FieldTitle:
		var v string
		if err := set(&v); err != nil {
			return err
		}
		t.Title = v
	case FieldDescription:
		var v string
		if err := set(&v); err != nil {
			return err
		}
		t.Description = v
	case FieldStatus:
		var v Status
		if err := set(&v); err != nil {
			return err
		}
		t.Status = v
	case FieldCreatedAt:
		var v time.Time
		if err := set(&v); err != nil {
			return err
		}
		t.CreatedAt = v
	case FieldUpdatedAt:
		var v time.Time
		if err := set(&v); err != nil {
			return err
		}
		t.UpdatedAt = v
	case FieldSubtasks:
		var v []Subtask
		if err := set(&v); err != nil {
			return err
		}
		t.Subtasks = v
	case FieldMetadata:
		var v map[string]any
		if err := set(&v); err != nil {
			return err
		}
		t.Metadata = v
	default:
		return PatchApplicationError{Op: op.Op, Path: op.Path, Reason: "unknown field"}
	}
	m.tasks[id] = t
	return nil
}
