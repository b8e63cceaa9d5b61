package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventSignalAdmitted     Event = "signal.admitted"
	EventSignalRejected     Event = "signal.rejected"
	EventSignalExpired      Event = "signal.expired"
	EventEntryPlaced        Event = "entry.placed"
	EventEntryFilled        Event = "entry.filled"
	EventProtectionPlaced   Event = "protection.placed"
	EventPartialClose       Event = "position.partial_close"
	EventPositionClosed     Event = "position.closed"
	EventEmergencyClose     Event = "position.emergency_close"
	EventManualIntervention Event = "position.manual_intervention"
	EventRiskAlert          Event = "risk.alert"
	EventStateDrift         Event = "state.drift"
)
