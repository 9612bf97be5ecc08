package payment

// Operation names a lifecycle operation that can move a payment between states.
type Operation string

const (
	OpAuthorize Operation = "authorize"
	OpCapture   Operation = "capture"
	OpVoid      Operation = "void"
	OpRefund    Operation = "refund"
)

// transitions lists, per current status, the operations allowed and the
// statuses each may produce. Statuses with no entry are terminal.
var transitions = map[Status]map[Operation][]Status{
	StatusPending: {
		OpAuthorize: {StatusAuthorized, StatusDeclined, StatusFailed},
	},
	StatusAuthorized: {
		OpCapture: {StatusCaptured},
		OpVoid:    {StatusVoided},
	},
	StatusCaptured: {
		OpRefund: {StatusRefunded, StatusPartiallyRefunded},
	},
	StatusPartiallyRefunded: {
		OpRefund: {StatusRefunded, StatusPartiallyRefunded},
	},
}

// receiptStatuses are the states for which a receipt can be issued.
var receiptStatuses = map[Status]bool{
	StatusCaptured:          true,
	StatusRefunded:          true,
	StatusPartiallyRefunded: true,
}

// CanApply reports whether op is permitted from status s.
func CanApply(s Status, op Operation) bool {
	_, ok := transitions[s][op]
	return ok
}

// CanTransition reports whether op may move a payment from one status to another.
func CanTransition(from Status, op Operation, to Status) bool {
	for _, next := range transitions[from][op] {
		if next == to {
			return true
		}
	}
	return false
}

// guard rejects op when the payment's current status does not permit it.
func guard(p *Payment, op Operation) error {
	if !CanApply(p.Status, op) {
		return &InvalidStateTransitionError{PaymentID: p.ID, Operation: op, Current: p.Status}
	}
	return nil
}

// transition moves p to next via op, consulting the table.
func transition(p *Payment, op Operation, next Status) error {
	if !CanTransition(p.Status, op, next) {
		return &InvalidStateTransitionError{PaymentID: p.ID, Operation: op, Current: p.Status}
	}
	p.Status = next
	return nil
}
