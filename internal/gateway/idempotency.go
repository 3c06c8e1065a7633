package gateway

import (
	"github.com/google/uuid"
)

// idempotencyNamespace - пространство имён UUIDv5 для ключей шлюза.
var idempotencyNamespace = uuid.MustParse("6f1c1f2e-4b8a-5d3e-9c0a-7e2b1d4f8a90")

// IdempotencyKey детерминированно выводит ключ из (тип события, задание, транзакция).
// Повтор после падения до подтверждения даёт тот же ключ.
func IdempotencyKey(eventType string, bountyID, transactionID uuid.UUID) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(eventType+":"+bountyID.String()+":"+transactionID.String())).String()
}
