package shared

import "fmt"

// CreditLimitLockKey builds the lock key serializing writes to one client's credit account.
func CreditLimitLockKey(clientID int64) string {
	return fmt.Sprintf("credit:client:%d:lock", clientID)
}
