package ivr

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// Validate checks a captured answer against the step's validation rule.
// day_laborable requires the day, taken in the month of now, to fall on a
// weekday.
func Validate(rule, value string, now time.Time) error {
	switch rule {
	case "", models.ValidationNone:
		return nil

	case models.ValidationDay1To28:
		_, err := parseDay(value)
		return err

	case models.ValidationDayLaborable:
		day, err := parseDay(value)
		if err != nil {
			return err
		}
		date := time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, now.Location())
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return fmt.Errorf("day %d falls on a weekend", day)
		}
		return nil

	default:
		return fmt.Errorf("unknown validation rule %q", rule)
	}
}

func parseDay(value string) (int, error) {
	day, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", value)
	}
	if day < 1 || day > 28 {
		return 0, fmt.Errorf("day %d out of range 1-28", day)
	}
	return day, nil
}
