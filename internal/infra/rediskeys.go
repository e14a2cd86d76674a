package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "bastion"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPolicyRefresh - новая версия набора политик, остальные инстансы перезагружаются
	RedisChanPolicyRefresh = RedisNamespace + ":policies:refresh"
	// RedisChanApprovalDecisions - решения рецензентов для шлюза подключений
	RedisChanApprovalDecisions = RedisNamespace + ":approvals:decisions"
)
