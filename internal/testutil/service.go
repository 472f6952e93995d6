package testutil

import (
	"testing"

	"fleetledger/internal/ledger"
)

// TestService bundles a Service with the stubs behind it so tests can move
// the clock and inspect the vault.
type TestService struct {
	*ledger.Service
	DB    ledger.Database
	Clock *StubClock
	IDs   *StubIDGenerator
}

// NewTestService creates a Service over an in-memory database and vault with
// a fixed clock, sequential ids and no encryption.
func NewTestService(t *testing.T, opts ledger.Options) *TestService {
	t.Helper()

	db := NewTestDatabase(t)
	clock := FixedClock()
	ids := NewStubIDGenerator()
	svc := ledger.NewService(db, NewTestVault(), nil, ledger.NewNopLogger(), clock, ids, opts)
	return &TestService{Service: svc, DB: db, Clock: clock, IDs: ids}
}
