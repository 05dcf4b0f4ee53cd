package fcgi

// Outcome classifies one decoded record for the connection driver's
// read pump.
type Outcome int

const (
	// OutcomeOk means the record was consumed and carries no further
	// instruction; advance past it.
	OutcomeOk Outcome = iota
	// OutcomeEndParams means an empty PARAMS record closed the
	// parameter stream.
	OutcomeEndParams
	// OutcomeEndStdIn means an empty STDIN record closed the input
	// stream; the request has been published.
	OutcomeEndStdIn
	// OutcomeVersion means the record's version byte was not 1.
	OutcomeVersion
	// OutcomeType means the record type is neither produced nor
	// tolerated by this responder.
	OutcomeType
	// OutcomeMultiplex means a second request tried to begin before
	// the first was published, or a record's request id disagreed
	// with the request being assembled.
	OutcomeMultiplex
	// OutcomeProtocol means PARAMS or STDIN arrived with no request
	// being assembled, or late PARAMS arrived after STDIN had started,
	// or a DATA/GET_VALUES record arrived.
	OutcomeProtocol
	// OutcomeAbortRequest means FCGI_ABORT_REQUEST arrived.
	OutcomeAbortRequest
	// OutcomeNotComplete means the buffer did not hold a full record.
	// The read pump only calls parseRecord after confirming CanRead,
	// so callers should not normally observe this value.
	OutcomeNotComplete
)

// Fatal reports whether the outcome should close the connection.
func (o Outcome) Fatal() bool {
	switch o {
	case OutcomeOk, OutcomeEndParams, OutcomeEndStdIn, OutcomeNotComplete:
		return false
	default:
		return true
	}
}

type aggState int

const (
	stateIdle aggState = iota
	stateParamsOpen
	stateStdinOpen
)

// aggregator is the per-connection request-assembly state machine
// described by the responder's PARAMS_OPEN/STDIN_OPEN table. It owns
// the request currently being assembled until it is published.
type aggregator struct {
	state   aggState
	current *Request
	conn    *Connection
}

func newAggregator(conn *Connection) *aggregator {
	return &aggregator{conn: conn}
}

// parseRecord classifies and, where applicable, consumes the record at
// the front of in. It does not advance the buffer; the caller advances
// on OutcomeOk/OutcomeEndParams/OutcomeEndStdIn and closes the
// connection on any fatal outcome.
func (a *aggregator) parseRecord(in *InboundBuffer) Outcome {
	if !in.CanRead() {
		return OutcomeNotComplete
	}
	if in.Version() != Version1 {
		return OutcomeVersion
	}

	switch in.Type() {
	case TypeBeginRequest:
		return a.onBeginRequest(in)
	case TypeParams:
		return a.onParams(in)
	case TypeStdin:
		return a.onStdin(in)
	case TypeAbortRequest:
		return OutcomeAbortRequest
	case TypeData, TypeGetValues:
		return OutcomeProtocol
	default:
		return OutcomeType
	}
}

func (a *aggregator) onBeginRequest(in *InboundBuffer) Outcome {
	if a.state != stateIdle {
		return OutcomeMultiplex
	}
	a.current = newRequest(in.RequestID(), in.Role(), in.Flags(), a.conn)
	a.state = stateParamsOpen
	return OutcomeOk
}

func (a *aggregator) onParams(in *InboundBuffer) Outcome {
	if a.state == stateIdle {
		return OutcomeProtocol
	}
	if in.RequestID() != a.current.id {
		return OutcomeMultiplex
	}

	if in.ContentLength() == 0 {
		if a.state == stateParamsOpen {
			a.state = stateStdinOpen
			return OutcomeEndParams
		}
		// Empty PARAMS after the stream already closed: tolerated no-op.
		return OutcomeOk
	}

	if a.state == stateStdinOpen {
		// Late, non-empty PARAMS after STDIN has started is not supported.
		return OutcomeProtocol
	}

	pairs, err := in.DecodeParams()
	if err != nil {
		return OutcomeProtocol
	}
	for _, p := range pairs {
		a.current.setParam(string(p.Name), string(p.Value))
	}
	return OutcomeOk
}

func (a *aggregator) onStdin(in *InboundBuffer) Outcome {
	if a.state == stateIdle {
		return OutcomeProtocol
	}
	if in.RequestID() != a.current.id {
		return OutcomeMultiplex
	}

	if in.ContentLength() == 0 {
		req := a.current
		a.current = nil
		a.state = stateIdle
		a.conn.publish(req)
		return OutcomeEndStdIn
	}

	a.current.appendStdin(in.Content())
	a.state = stateStdinOpen
	return OutcomeOk
}
