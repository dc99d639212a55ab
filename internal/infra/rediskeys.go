package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "riskgate"
)

// Ключи состояния
const (
	RedisKeyReconciliation  = RedisNamespace + ":decisions:reconciliation" // HASH id -> решение без аудита
	RedisStreamDecisions    = RedisNamespace + ":decisions:stream"         // события для explainability
	RedisKeyLockAnalysis    = RedisNamespace + ":lock:rollout-analysis"
	RedisKeyScoringDisabled = RedisNamespace + ":scoring:disabled_set"  // семейства только на правилах
)

// Каналы Pub/Sub (события)
const (
	RedisChanRulesUpdate   = RedisNamespace + ":rules:update"
	RedisChanScorersUpdate = RedisNamespace + ":scorers:update"
	RedisChanRouting       = RedisNamespace + ":rollouts:routing"
	RedisChanReviewQueue   = RedisNamespace + ":reviews:queued"
	RedisChanKillSwitch    = RedisNamespace + ":scoring:kill-switch"
)
