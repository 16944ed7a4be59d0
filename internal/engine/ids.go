package engine

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var idNamespace = uuid.MustParse("6f1c9a0e-4b7d-5e2a-9c3f-8d1b2a7e4f60")

// DeriveID returns a stable uuid for the given parts. Re-delivered events
// derive the same ids, so creating a record twice collapses into one.
func DeriveID(parts ...string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.Join(parts, "/"))).String()
}

// NewID returns a random uuid.
func NewID() string {
	return uuid.NewString()
}

func childRuntimeID(parentRuntimeID string, ordinal int) string {
	return DeriveID(parentRuntimeID, "child", strconv.Itoa(ordinal))
}

func nextRuntimeID(runtimeID string) string {
	return DeriveID(runtimeID, "next")
}

func taskID(runtimeID string) string {
	return DeriveID(runtimeID, "task")
}

func rootRuntimeID(planExecutionID string) string {
	return DeriveID(planExecutionID, "root")
}

// RollbackPlanExecutionID is the id of the rollback run of a plan
// execution.
func RollbackPlanExecutionID(planExecutionID string) string {
	return DeriveID(planExecutionID, "rollback")
}
