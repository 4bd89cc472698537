package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidateCron accepts what the reconcile scheduler runs: five standard fields
// or a descriptor such as @hourly or @every 30s.
func ValidateCron(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("empty cron expression")
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return nil
}
