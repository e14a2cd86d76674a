package audit

import "time"

// Виды событий журнала
const (
	KindDecision          = "decision"
	KindApprovalSubmitted = "approval.submitted"
	KindApprovalApproved  = "approval.approved"
	KindApprovalRejected  = "approval.rejected"
	KindApprovalExpired   = "approval.expired"
	KindPolicyCreated     = "policy.created"
	KindPolicyUpdated     = "policy.updated"
	KindPolicyDeleted     = "policy.deleted"
)

type Event struct {
	ID             string    `json:"id"`             // UUID события
	Timestamp      time.Time `json:"timestamp"`
	ActorID        string    `json:"actorId"`        // Кто запросил доступ или кто рецензент
	Kind           string    `json:"kind"`
	RequestSummary string    `json:"requestSummary"` // Кто, куда, что

	// Результат: verdict для решений, status для заявок
	Verdict         string `json:"verdict,omitempty"`
	Status          string `json:"status,omitempty"`
	MatchedPolicyID string `json:"matchedPolicyId,omitempty"`
	ApprovalID      string `json:"approvalId,omitempty"`

	SnapshotVersion uint64 `json:"snapshotVersion"`
	TraceID         string `json:"traceId,omitempty"` // Сквозной ID запроса
}

// Filter - выборка для консоли
type Filter struct {
	ActorID string
	Kind    string
	Limit   int
}
