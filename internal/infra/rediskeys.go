package infra

const (
	// RedisNamespace — базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "aflow"
)

// Каналы Pub/Sub (события и сигналы)
const (
	// RedisChanEvents — внешняя шина: сюда системы публикуют события,
	// которые Event Bridge матчит на триггеры воркфлоу.
	RedisChanEvents = RedisNamespace + ":events"

	// RedisChanRunWakeup — сигнал движку переоценить запуск.
	// Payload: "<run_id>" либо "<run_id>:cancel".
	RedisChanRunWakeup = RedisNamespace + ":runs:wakeup"

	// RedisChanWorkflowUpdate — сигнал о смене статуса/версии воркфлоу,
	// по нему Event Bridge перестраивает индекс триггеров.
	RedisChanWorkflowUpdate = RedisNamespace + ":workflows:update"

	// RedisChanAgentUpdate — сигнал о регистрации/удалении агента,
	// по нему движок перечитывает кэш реестра.
	RedisChanAgentUpdate = RedisNamespace + ":agents:update"
)
