package domain

import "time"

// IdempotencyStatus — этап обработки запроса с ключом идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing — запрос принят, ответ ещё не готов.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone — запрос выполнен, сохранённый ответ можно отдавать повторно.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed — обработка завершилась ошибкой, ответ с ней сохранён.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord — состояние обработки запроса с idempotency-key.
// После завершения запроса хранит готовый HTTP-ответ для повторной выдачи.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// InFlight сообщает, что запрос с этим ключом ещё обрабатывается
// и сохранённого ответа пока нет.
func (r IdempotencyRecord) InFlight() bool {
	return r.Status == IdempotencyStatusProcessing
}

// Expired сообщает, что срок хранения записи истёк к моменту now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.IsZero() && !r.TTLAt.After(now)
}
