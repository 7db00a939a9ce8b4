package database

import "fmt"

// BudgetExceededError is returned when a channel reservation would push a
// user's used channels past the maximum. It carries the accounting state so
// callers can surface a structured domain error.
type BudgetExceededError struct {
	UserID    int64
	Max       int
	Used      int
	Requested int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("channel budget exceeded for user %d: max=%d used=%d requested=%d",
		e.UserID, e.Max, e.Used, e.Requested)
}
