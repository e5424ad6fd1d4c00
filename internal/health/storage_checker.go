package health

import (
	"time"

	"github.com/labrise/ims/internal/domain"
)

// StorageChecker проверяет, что StoragePort подключён и отвечает на чтения.
type StorageChecker struct {
	name    string
	storage domain.StoragePort
}

// NewStorageChecker создаёт проверку порта хранилища.
func NewStorageChecker(name string, storage domain.StoragePort) *StorageChecker {
	return &StorageChecker{name: name, storage: storage}
}

// Check выполняет проверку соединения.
func (c *StorageChecker) Check() Check {
	start := time.Now()

	if c.storage == nil || !c.storage.IsConnected() {
		return Check{
			Name:       c.name,
			Status:     StatusUnhealthy,
			Message:    "storage is not connected",
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	// Лёгкое чтение подтверждает, что порт обслуживает запросы.
	if _, err := c.storage.ListProductsByCategory(""); err != nil {
		return Check{
			Name:       c.name,
			Status:     StatusDegraded,
			Message:    err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	return Check{
		Name:       c.name,
		Status:     StatusHealthy,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

var _ Checker = (*StorageChecker)(nil)
