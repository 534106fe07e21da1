package storage

import "fmt"

// ContractViolation is the panic value for caller bugs: touching data in
// the wrong residency, ref count underflow, capability changes after
// allocation, moving a buffer mid-transfer.
type ContractViolation struct {
	Buffer string
	Op     string
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("storage %q: %s: %s", e.Buffer, e.Op, e.Reason)
}

func (s *Storage) violate(op, format string, args ...any) {
	panic(&ContractViolation{Buffer: s.name, Op: op, Reason: fmt.Sprintf(format, args...)})
}
