package domain

// Verdict - итог проверки одного запроса
type Verdict string

const (
	VerdictAllow           Verdict = "ALLOW"
	VerdictDeny            Verdict = "DENY"
	VerdictRequireApproval Verdict = "REQUIRE_APPROVAL"
)

// ReasonNoApplicablePolicy - fail-closed исход, когда ни одна политика не подошла.
const ReasonNoApplicablePolicy = "no applicable policy"

type Decision struct {
	Verdict         Verdict `json:"verdict"`
	MatchedPolicyID string  `json:"matchedPolicyId"` // Пусто, если политика не найдена
	Reason          string  `json:"reason"`
	SnapshotVersion uint64  `json:"snapshotVersion"`
}
