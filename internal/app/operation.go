package app

// Operation tracks a CLI command that may mutate the ledger.
// Operations are created in memory with ID=0. Only mutating commands
// persist them (giving them an auto-increment ID from the audit log).
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Username   string
	Status     string // "success" or "error"
}

// NewOperation creates a new in-memory operation.
func NewOperation(operation, parameters, username string) *Operation {
	return &Operation{
		Operation:  operation,
		Parameters: parameters,
		Username:   username,
		Status:     "success",
	}
}

// Persisted returns true if this operation has been saved to the audit log.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed when err is not nil.
func (op *Operation) Fail(err error) {
	if err != nil {
		op.Status = "error"
	}
}
