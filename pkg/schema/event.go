package schema

import "time"

// TopicTaskUpdated is the bus topic every task mutation is published on.
const TopicTaskUpdated = "TASK_UPDATED"

// Change actions carried on a ChangeEvent.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// ChangeEvent is broadcast to live subscribers after a task mutation.
// Task is the post-mutation snapshot, or the pre-deletion one for deletes.
type ChangeEvent struct {
	Topic  string    `json:"topic"`
	Action string    `json:"action"`
	Task   Task      `json:"task"`
	At     time.Time `json:"at"`
}
