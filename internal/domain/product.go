package domain

import (
	"strings"
	"time"
)

// Product описывает товарную позицию каталога.
// Запись создаётся внешним каталогом, сервис меняет только StockQuantity.
type Product struct {
	// ID присваивается хранилищем при сохранении.
	ID string
	// SKU — внешний артикул товара, уникален в пределах каталога.
	SKU string
	// Name — отображаемое имя товара.
	Name string
	// Description — произвольное описание.
	Description string
	// Category используется для выборок каталога.
	Category string
	// Brand — производитель.
	Brand string
	// BasePriceMinor — базовая цена в минимальных денежных единицах (например, копейки).
	BasePriceMinor int64
	// Currency — код валюты цены.
	Currency string
	// StockQuantity — доступный остаток, всегда >= 0.
	StockQuantity int32
	// IsActive показывает, доступен ли товар для продажи.
	IsActive bool
	// CreatedAt/UpdatedAt фиксируют жизненный цикл записи.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateInvariants проверяет базовые инварианты товара и возвращает список замечаний.
func (p *Product) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, ErrProductNameRequired)
	}
	if strings.TrimSpace(p.SKU) == "" {
		errs = append(errs, ErrProductSKURequired)
	}
	if p.BasePriceMinor < 0 {
		errs = append(errs, ErrPriceNegative)
	}
	if p.StockQuantity < 0 {
		errs = append(errs, ErrStockNegative)
	}

	return errs
}
