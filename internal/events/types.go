// Package events defines the lifecycle subjects published by the coordinator.
package events

// Event types for tasks
const (
	TaskEnqueued  = "task.enqueued"
	TaskAssigned  = "task.assigned"
	TaskRequeued  = "task.requeued"
	TaskCompleted = "task.completed"
	TaskCancelled = "task.cancelled"
	TaskLog       = "task.log"
)

// Event types for agents
const (
	AgentRegistered = "agent.registered"
	AgentOffline    = "agent.offline"
)

// BuildTaskLogSubject creates a log subject for a single task
func BuildTaskLogSubject(taskID string) string {
	return TaskLog + "." + taskID
}

// BuildTaskLogWildcardSubject matches log lines of every task
func BuildTaskLogWildcardSubject() string {
	return TaskLog + ".*"
}
