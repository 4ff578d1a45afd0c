package api

// LedgerStatus is the slice of the ledger client the health endpoint reads.
type LedgerStatus interface {
	BreakerState() string
}
