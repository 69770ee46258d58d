package events

// Event enumerates high-level topics inside the fleet.
type Event string

const (
	EventBotCreated     Event = "bot.created"
	EventBotStarted     Event = "bot.started"
	EventBotStopped     Event = "bot.stopped"
	EventBotDeleted     Event = "bot.deleted"
	EventAnalysisTick   Event = "analysis.tick"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderRejected  Event = "order.rejected"
	EventTradeClosed    Event = "trade.closed"
	EventEmergencyStop  Event = "emergency.stop"
)
