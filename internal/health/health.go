// Пакет health собирает состояние компонентов IMS (хранилище, kafka) в один
// отчёт для /healthz и /readyz.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status — состояние отдельного компонента либо сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

var statusRank = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

func worse(a, b Status) Status {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// Check — результат одной проверки.
type Check struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Message    string    `json:"message,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Checker выполняет проверку компонента.
type Checker interface {
	Check() Check
}

// CheckerFunc адаптирует функцию под Checker.
type CheckerFunc func() Check

func (f CheckerFunc) Check() Check { return f() }

// Report — агрегированный отчёт по всем компонентам.
type Report struct {
	Status        Status           `json:"status"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Components    map[string]Check `json:"components,omitempty"`
}

// Registry хранит зарегистрированные проверки и строит Report по требованию.
// Подходит для конкурентной регистрации и опроса.
type Registry struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	startedAt time.Time
}

func NewRegistry(version string) *Registry {
	return &Registry{
		checkers:  make(map[string]Checker),
		version:   version,
		startedAt: time.Now(),
	}
}

// Register добавляет проверку; повторная регистрация имени заменяет старую.
func (r *Registry) Register(name string, checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
}

func (r *Registry) snapshot() map[string]Checker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	checkers := make(map[string]Checker, len(r.checkers))
	for name, checker := range r.checkers {
		checkers[name] = checker
	}
	return checkers
}

// Report прогоняет все проверки. Итоговый статус — худший из компонентных.
func (r *Registry) Report() Report {
	now := time.Now()
	report := Report{
		Status:        StatusHealthy,
		Version:       r.version,
		UptimeSeconds: int64(now.Sub(r.startedAt).Seconds()),
		GeneratedAt:   now,
		Components:    make(map[string]Check),
	}

	for name, checker := range r.snapshot() {
		check := checker.Check()
		if check.CheckedAt.IsZero() {
			check.CheckedAt = time.Now()
		}
		report.Components[name] = check
		report.Status = worse(report.Status, check.Status)
	}
	return report
}

// ServeHTTP отдаёт полный отчёт. 503 только при unhealthy: degraded сервис
// продолжает принимать трафик.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	report := r.Report()

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(report)
}

// ReadinessHandler — краткий ответ для оркестратора.
func (r *Registry) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if r.Report().Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// NewPingChecker оборачивает функцию связности: nil — healthy, ошибка —
// unhealthy с её текстом.
func NewPingChecker(name string, ping func() error) CheckerFunc {
	return func() Check {
		start := time.Now()
		check := Check{
			Name:      name,
			Status:    StatusHealthy,
			CheckedAt: start,
		}
		if err := ping(); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		}
		check.DurationMs = time.Since(start).Milliseconds()
		return check
	}
}
