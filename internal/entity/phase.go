package entity

// Phase is the lifecycle position of a Manager.
type Phase int32

const (
	PhaseRecovering Phase = iota
	PhaseReady
	PhaseProcessing
	PhasePassivated
)

func (p Phase) String() string {
	switch p {
	case PhaseRecovering:
		return "recovering"
	case PhaseReady:
		return "ready"
	case PhaseProcessing:
		return "processing"
	case PhasePassivated:
		return "passivated"
	default:
		return "unknown"
	}
}

// Reason records why a manager stopped.
type Reason string

const (
	ReasonIdle              Reason = "idle"
	ReasonRevoked           Reason = "revoked"
	ReasonShutdown          Reason = "shutdown"
	ReasonRecoveryFailed    Reason = "recovery_failed"
	ReasonPersistenceFailed Reason = "persistence_failed"
)

type msgKind int

const (
	msgCommand msgKind = iota
	msgIdle
	msgStop
)

func (k msgKind) String() string {
	switch k {
	case msgCommand:
		return "command"
	case msgIdle:
		return "idle"
	case msgStop:
		return "stop"
	default:
		return "unknown"
	}
}

type message struct {
	kind msgKind
	env  *envelope
}

// transition handles one message and returns the next phase.
type transition func(m *Manager, msg message) Phase

// transitions is the behavior table. A (phase, message) pair missing
// from it is logged and ignored. Processing has no row because a command
// runs to completion before the loop reads the next message; recovery
// finishes before the loop starts.
var transitions = map[Phase]map[msgKind]transition{
	PhaseReady: {
		msgCommand: (*Manager).onCommand,
		msgIdle:    (*Manager).onIdle,
		msgStop:    (*Manager).onStop,
	},
}
