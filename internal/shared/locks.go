package shared

import "fmt"

// StockLockKey builds the lock key guarding one warehouse/product aggregate.
func StockLockKey(warehouseID, productID int64) string {
	return fmt.Sprintf("inventory:lock:%d:%d", warehouseID, productID)
}
