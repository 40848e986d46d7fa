package turn

type State int

const (
	Idle State = iota
	ListeningNoUtterance
	ListeningWithLiveUtterance
	AwaitingBotReply
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ListeningNoUtterance:
		return "listening"
	case ListeningWithLiveUtterance:
		return "hearing"
	case AwaitingBotReply:
		return "replying"
	}
	return "unknown"
}
