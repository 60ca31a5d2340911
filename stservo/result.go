package stservo

import "fmt"

// CommResult is the transport-level outcome of one bus exchange. It says
// nothing about the health of the servo; see StatusError for that.
type CommResult int

const (
	CommSuccess      CommResult = 0
	CommPortBusy     CommResult = -1
	CommTxFail       CommResult = -2
	CommRxFail       CommResult = -3
	CommTxError      CommResult = -4
	CommRxWaiting    CommResult = -5
	CommRxTimeout    CommResult = -6
	CommRxCorrupt    CommResult = -7
	CommNotAvailable CommResult = -9
)

func (r CommResult) String() string {
	switch r {
	case CommSuccess:
		return "success"
	case CommPortBusy:
		return "port is busy"
	case CommTxFail:
		return "failed to transmit packet"
	case CommRxFail:
		return "failed to receive packet"
	case CommTxError:
		return "incorrect instruction packet"
	case CommRxWaiting:
		return "waiting for status packet"
	case CommRxTimeout:
		return "no status packet received"
	case CommRxCorrupt:
		return "incorrect status packet"
	case CommNotAvailable:
		return "function not available"
	default:
		return fmt.Sprintf("unknown result %d", int(r))
	}
}

// Outcome tags a Reply as one of three cases a caller has to tell apart.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransportError
	OutcomeDeviceFault
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransportError:
		return "transport error"
	case OutcomeDeviceFault:
		return "device fault"
	default:
		return "unknown"
	}
}

// Reply is what came back from one exchange. Data is only meaningful when
// Result is CommSuccess; Status may be non-zero even then.
type Reply struct {
	ID     byte
	Result CommResult
	Status StatusError
	Data   []byte
}

// Outcome classifies the reply.
func (r Reply) Outcome() Outcome {
	switch {
	case r.Result != CommSuccess:
		return OutcomeTransportError
	case r.Status.HasError():
		return OutcomeDeviceFault
	default:
		return OutcomeSuccess
	}
}

// OK reports a clean exchange with no servo fault.
func (r Reply) OK() bool {
	return r.Outcome() == OutcomeSuccess
}

// Err converts the reply into an error value, nil when OK.
func (r Reply) Err(op string) error {
	switch r.Outcome() {
	case OutcomeTransportError:
		return &CommError{Op: op, Result: r.Result}
	case OutcomeDeviceFault:
		return &ServoError{ID: int(r.ID), Op: op, Status: r.Status}
	default:
		return nil
	}
}
