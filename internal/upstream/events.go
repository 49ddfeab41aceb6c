package upstream

// ThinkingPhase marks where a thinking delta sits in the reasoning span.
type ThinkingPhase int

const (
	ThinkingStart ThinkingPhase = iota
	ThinkingMid
	ThinkingEnd
)

// Event is a normalized stream event produced by the dispatcher.
type Event interface{ isEvent() }

// TextEvent is a plain text delta, possibly carrying an embedded
// thought-signature sentinel appended by the parser.
type TextEvent struct {
	Delta string
}

// ThinkingEvent is a reasoning delta with its phase.
type ThinkingEvent struct {
	Delta string
	Phase ThinkingPhase
}

// ImageEvent is inline image data that arrived without accompanying text.
type ImageEvent struct {
	Mime string
	Data string
}

// ToolCall is one accumulated upstream function call.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolCallsEvent is emitted once per upstream turn when a finishReason
// arrives with pending calls.
type ToolCallsEvent struct {
	Calls []ToolCall
}

func (TextEvent) isEvent()      {}
func (ThinkingEvent) isEvent()  {}
func (ImageEvent) isEvent()     {}
func (ToolCallsEvent) isEvent() {}
