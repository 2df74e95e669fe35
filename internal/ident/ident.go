package ident

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewTransactionID returns a new internal transaction identifier.
// The timestamp prefix keeps ids roughly sortable; the UUID suffix makes
// collisions across concurrent callers vanishingly unlikely.
func NewTransactionID() string {
	return "txn-" + time.Now().UTC().Format("20060102150405") + "-" + shortUUID()
}

// NewMerchantOrderID returns the correlation key sent to the gateway and
// echoed back in webhooks and status queries.
func NewMerchantOrderID() string {
	return "mo-" + time.Now().UTC().Format("20060102150405") + "-" + shortUUID()
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
