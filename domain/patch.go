package domain

import (
	"strings"

	"github.com/bytedance/sonic"
)

// Op tags a patch operation variant.
type Op string

const (
	OpAdd     Op = "add"
	OpReplace Op = "replace"
	OpRemove  Op = "remove"
)

// CollectionPath is the root path of the task collection; the attach
// snapshot is a single replace at this path.
const CollectionPath = "/tasks"

// Field names addressable below a task path.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldCreatedAt   = "created_at"
	FieldUpdatedAt   = "updated_at"
	FieldSubtasks    = "subtasks"
	FieldMetadata    = "metadata"
)

// PatchOperation is one add/replace/remove instruction targeting a path in
// the collection. The value is kept pre-marshalled so a batch is encoded
// once and shared by every subscriber.
type PatchOperation struct {
	Op    Op                     `json:"op"`
	Path  string                 `json:"path"`
	Value sonic.NoCopyRawMessage `json:"value,omitempty"`
}

// Envelope is the wire message of the patch stream. Exactly one of the two
// shapes is populated: a patch batch or the end-of-stream marker.
type Envelope struct {
	JsonPatch []PatchOperation `json:"JsonPatch,omitempty"`
	Finished  bool             `json:"finished,omitempty"`
}

// TaskPath returns the path addressing a whole task.
func TaskPath(id string) string {
	return CollectionPath + "/" + id
}

// FieldPath returns the path addressing a single task field.
func FieldPath(id, field string) string {
	return CollectionPath + "/" + id + "/" + field
}

// AddTask builds the add emitted when a task is created.
func AddTask(t Task) (PatchOperation, error) {
	raw, err := sonic.Marshal(t)
	if err != nil {
		return PatchOperation{}, err
	}
	return PatchOperation{Op: OpAdd, Path: TaskPath(t.ID), Value: raw}, nil
}

// ReplaceField builds a field-granular replace carrying an absolute value.
func ReplaceField(id, field string, value any) (PatchOperation, error) {
	raw, err := sonic.Marshal(value)
	if err != nil {
		return PatchOperation{}, err
	}
	return PatchOperation{Op: OpReplace, Path: FieldPath(id, field), Value: raw}, nil
}

// RemoveTask builds the remove emitted when a task is deleted.
func RemoveTask(id string) PatchOperation {
	return PatchOperation{Op: OpRemove, Path: TaskPath(id)}
}

// ReplaceCollection builds the whole-collection replace sent to a newly
// attached session in place of its patch history.
func ReplaceCollection(tasks map[string]Task) (PatchOperation, error) {
	raw, err := sonic.Marshal(tasks)
	if err != nil {
		return PatchOperation{}, err
	}
	return PatchOperation{Op: OpReplace, Path: CollectionPath, Value: raw}, nil
}

// splitPath resolves a path into its collection-relative segments:
// ["" ] for the collection root, [id] for a task, [id, field] for a field.
func splitPath(path string) ([]string, bool) {
	if path == CollectionPath {
		return nil, true
	}
	rest, ok := strings.CutPrefix(path, CollectionPath+"/")
	if !ok || rest == "" {
		return nil, false
	}
	segs := strings.Split(rest, "/")
	if len(segs) > 2 {
		return nil, false
	}
	for _, s := range segs {
		if s == "" {
			return nil, false
		}
	}
	return segs, true
}
