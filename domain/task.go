package domain

import "time"

// Status enumerates the lifecycle states a task can be in.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "inprogress"
	StatusInReview   Status = "inreview"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a member of the status enumeration.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusInReview, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Subtask is a child item of a task. TaskID is a back-reference used only
// for lookup; the parent task owns the subtask list.
type Subtask struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
	Done   bool   `json:"done"`
}

// Task represents a single board item in the canonical collection.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Subtasks    []Subtask      `json:"subtasks,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy so a mutation of the original never leaks into
// snapshots or mirrors.
func (t Task) Clone() Task {
	cp := t
	if t.Subtasks != nil {
		cp.Subtasks = make([]Subtask, len(t.Subtasks))
		copy(cp.Subtasks, t.Subtasks)
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// TaskDraft carries the fields accepted when creating a task. ID is optional;
// a fresh one is assigned when empty. An empty status defaults to todo.
type TaskDraft struct {
	ID          string         `json:"id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status,omitempty"`
	Subtasks    []Subtask      `json:"subtasks,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TaskUpdate carries a partial update; nil fields are left untouched.
type TaskUpdate struct {
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Status      *Status         `json:"status,omitempty"`
	Subtasks    *[]Subtask      `json:"subtasks,omitempty"`
	Metadata    *map[string]any `json:"metadata,omitempty"`
}

// Empty reports whether the update supplies no fields at all.
func (u TaskUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.Status == nil && u.Subtasks == nil && u.Metadata == nil
}

// CloneTasks deep-copies a task collection.
func CloneTasks(tasks map[string]Task) map[string]Task {
	out := make(map[string]Task, len(tasks))
	for id, t := range tasks {
		out[id] = t.Clone()
	}
	return out
}
