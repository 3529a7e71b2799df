package quota

import (
	"errors"
	"fmt"

	"faas-control/internal/observability"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ErrBundleNotFound is returned when an application references a
// resource bundle that does not exist.
var ErrBundleNotFound = errors.New("resource bundle not found")

// QuotaExceededError is an advisory denial, not a system fault. Callers
// surface it to the tenant with the current count and the limit.
type QuotaExceededError struct {
	Limit   int `json:"limit"`
	Current int `json:"current"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("function quota exceeded: %d of %d in use", e.Current, e.Limit)
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Limit   int
	Current int
}

// Admission gates function-count mutations against the application's
// subscribed resource bundle.
type Admission struct {
	lg zerolog.Logger
}

func NewAdmission(lg zerolog.Logger) *Admission {
	return &Admission{lg: lg.With().Str("component", "quota-admission").Logger()}
}

// Admit applies delta to the application's usage counter inside tx and
// checks the result against the bundle limit. The counter is bumped
// with an atomic SQL expression, so two concurrent creators racing for
// the last slot serialize on the row lock and the loser re-reads the
// winner's committed count. On a deny the caller must roll tx back,
// which also undoes the bump.
func (a *Admission) Admit(tx *gorm.DB, appID, bundleID string, delta int) (Decision, error) {
	var bundle Bundle
	if err := tx.First(&bundle, "id = ?", bundleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Decision{}, fmt.Errorf("%w: %s", ErrBundleNotFound, bundleID)
		}
		return Decision{}, fmt.Errorf("load bundle: %w", err)
	}

	counter := UsageCounter{AppID: appID}
	if err := tx.FirstOrCreate(&counter, UsageCounter{AppID: appID}).Error; err != nil {
		return Decision{}, fmt.Errorf("ensure usage counter: %w", err)
	}

	if err := tx.Model(&UsageCounter{}).Where("app_id = ?", appID).
		Update("functions", gorm.Expr("functions + ?", delta)).Error; err != nil {
		return Decision{}, fmt.Errorf("update usage counter: %w", err)
	}

	var updated UsageCounter
	if err := tx.First(&updated, "app_id = ?", appID).Error; err != nil {
		return Decision{}, fmt.Errorf("reread usage counter: %w", err)
	}

	if delta > 0 && updated.Functions > bundle.FunctionLimit {
		a.lg.Debug().
			Str("app_id", appID).
			Int("limit", bundle.FunctionLimit).
			Int("current", updated.Functions-delta).
			Msg("admission denied")
		observability.QuotaDenials.Inc()
		return Decision{Allowed: false, Limit: bundle.FunctionLimit, Current: updated.Functions - delta}, nil
	}

	if updated.Functions < 0 {
		if err := tx.Model(&UsageCounter{}).Where("app_id = ?", appID).
			Update("functions", 0).Error; err != nil {
			return Decision{}, fmt.Errorf("clamp usage counter: %w", err)
		}
		updated.Functions = 0
	}

	return Decision{Allowed: true, Limit: bundle.FunctionLimit, Current: updated.Functions}, nil
}

// Release decrements the usage counter when a function is removed. It
// never denies; a missing counter row is treated as zero.
func (a *Admission) Release(tx *gorm.DB, appID string) error {
	var counter UsageCounter
	err := tx.First(&counter, "app_id = ?", appID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load usage counter: %w", err)
	}
	next := counter.Functions - 1
	if next < 0 {
		next = 0
	}
	if err := tx.Model(&UsageCounter{}).Where("app_id = ?", appID).
		Update("functions", next).Error; err != nil {
		return fmt.Errorf("update usage counter: %w", err)
	}
	return nil
}
