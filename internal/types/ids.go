// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type ThreadID string
type TurnID string
type ItemID string
type ApprovalID string

func NewApprovalID() ApprovalID {
	return ApprovalID(uuid.New().String())
}

func NewCorrelationID() string {
	return uuid.New().String()
}
