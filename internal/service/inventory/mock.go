package inventory

import "github.com/labrise/ims/internal/domain"

// FlakyPort оборачивает StoragePort и подменяет результаты отдельных
// операций заранее настроенными ошибками. Используется в тестах для
// проверки компенсаций: откат после неудачного списания или commit.
type FlakyPort struct {
	domain.StoragePort

	SaveOrderErr error
	CommitErr    error
	BeginErr     error

	// DecrementFailAfter задаёт, после скольких успешных списаний
	// следующее вернёт DecrementErr. -1 отключает инъекцию.
	DecrementFailAfter int
	DecrementErr       error

	DecrementCalls int
	RollbackCalls  int
	CommitCalls    int
}

// NewFlakyPort возвращает обёртку с отключённой инъекцией ошибок.
func NewFlakyPort(inner domain.StoragePort) *FlakyPort {
	return &FlakyPort{
		StoragePort:        inner,
		DecrementFailAfter: -1,
	}
}

func (f *FlakyPort) BeginTx() (domain.TxToken, error) {
	if f.BeginErr != nil {
		return domain.NoTx, f.BeginErr
	}
	return f.StoragePort.BeginTx()
}

func (f *FlakyPort) SaveOrder(tx domain.TxToken, order domain.Order) (string, error) {
	if f.SaveOrderErr != nil {
		return "", f.SaveOrderErr
	}
	return f.StoragePort.SaveOrder(tx, order)
}

func (f *FlakyPort) DecrementStock(tx domain.TxToken, id string, qty int32) error {
	if f.DecrementFailAfter >= 0 && f.DecrementCalls >= f.DecrementFailAfter {
		f.DecrementCalls++
		return f.DecrementErr
	}
	f.DecrementCalls++
	return f.StoragePort.DecrementStock(tx, id, qty)
}

func (f *FlakyPort) CommitTx(tx domain.TxToken) error {
	f.CommitCalls++
	if f.CommitErr != nil {
		// Реальный порт откатывает транзакцию при неудачном commit.
		_ = f.StoragePort.RollbackTx(tx)
		return f.CommitErr
	}
	return f.StoragePort.CommitTx(tx)
}

func (f *FlakyPort) RollbackTx(tx domain.TxToken) error {
	f.RollbackCalls++
	return f.StoragePort.RollbackTx(tx)
}

var _ domain.StoragePort = (*FlakyPort)(nil)
