package dispatch

// EnvelopeKind is one of the five reply shapes a handler may produce
// (SPEC_FULL.md §4.5 step 8).
type EnvelopeKind int

const (
	KindSuccess EnvelopeKind = iota
	KindProgress
	KindError
	KindBroadcast
	KindWhisper
)

// Envelope is one structured outbound reply produced by a handler
// invocation.
type Envelope struct {
	Kind    EnvelopeKind
	Payload any

	// Broadcast/Whisper only.
	Channel       string   // defaults to the dispatch's originating channel
	IncludingSelf bool     // Broadcast only
	SocketIDs     []string // Whisper only
}

// handledSentinel is the type of the sentinel a handler method returns (as its first return
// value) to suppress the automatic success envelope described in §4.5
// step 10, having already emitted its own terminal envelope via the
// dispatch Context.
type handledSentinel struct{}

// Handled is the "already handled" sentinel from §4.5 step 10.
var Handled any = handledSentinel{}
