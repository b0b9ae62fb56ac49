package syncer

// State is the phase of the coordinator, for UI feedback.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateSynced
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Trigger names what started a run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerReconnect Trigger = "reconnect"
	TriggerPeriodic  Trigger = "periodic"
	TriggerBoot      Trigger = "boot"
)

// Outcome summarises a run.
type Outcome string

const (
	OutcomeSynced  Outcome = "synced"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)
