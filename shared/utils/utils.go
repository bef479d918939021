package utils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	TransactionIDPrefix = "txn"

	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// GenerateID generates a unique ID with the given prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// ParseAccountID parses a string-encoded numeric account id.
func ParseAccountID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("account id is empty")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("account id %q is not numeric", raw)
	}
	if id < 0 {
		return 0, fmt.Errorf("account id %q is negative", raw)
	}
	return id, nil
}

// ValidateTransactionID validates the transaction ID format
func ValidateTransactionID(transactionID string) bool {
	rest, ok := strings.CutPrefix(transactionID, TransactionIDPrefix+"-")
	if !ok {
		return false
	}
	return uuid.Validate(rest) == nil
}

// ClampLimit normalises a list limit query parameter.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
