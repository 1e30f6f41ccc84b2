package engine

// Event types published after a committed operation.
const (
	EventPoolCreated   = "pool_created"
	EventDeposit       = "deposit"
	EventWithdrawal    = "withdrawal"
	EventPrediction    = "prediction"
	EventRoundOpened   = "round_opened"
	EventRoundResolved = "round_resolved"
	EventPayout        = "payout"
	EventRoundSettled  = "round_settled"
)

// Event describes a committed state change.
type Event struct {
	Type              string `json:"type"`
	RoundID           int64  `json:"round_id,omitempty"`
	Pool              string `json:"pool,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	Amount            string `json:"amount,omitempty"`
	TotalDeposit      string `json:"total_deposit,omitempty"`
	AveragePrediction string `json:"average_prediction,omitempty"`
}

// Publisher receives events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
