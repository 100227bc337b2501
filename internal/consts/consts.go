// Package consts holds keys shared between the service and its tests.
package consts

// TasksKeyPrefix prefixes the per-board snapshot cache key in redis.
const TasksKeyPrefix = "canvas:tasks:"
