package page

// EventType names a synthetic DOM event.
type EventType string

const (
	EventInput    EventType = "input"
	EventKeyDown  EventType = "keydown"
	EventKeyPress EventType = "keypress"
	EventKeyUp    EventType = "keyup"
)

// Event is a synthetic event dispatched on an element.
type Event struct {
	Type       EventType `json:"type"`
	Key        string    `json:"key,omitempty"`
	Code       string    `json:"code,omitempty"`
	KeyCode    int       `json:"keyCode,omitempty"`
	Bubbles    bool      `json:"bubbles"`
	Cancelable bool      `json:"cancelable"`
}

// IsKeyboard reports whether the event is a keyboard event.
func (e Event) IsKeyboard() bool {
	switch e.Type {
	case EventKeyDown, EventKeyPress, EventKeyUp:
		return true
	}
	return false
}

// Key describes a keyboard key for synthetic key sequences.
type Key struct {
	Key     string `json:"key"`
	Code    string `json:"code"`
	KeyCode int    `json:"key_code"`
}

// Enter is the key that submits the destination's input surface.
var Enter = Key{Key: "Enter", Code: "Enter", KeyCode: 13}

// InputEvent returns the bubbling, cancelable input notification that tells a
// reactive framework the element's content changed.
func InputEvent() Event {
	return Event{Type: EventInput, Bubbles: true, Cancelable: true}
}

// KeyPressSequence returns the keydown, keypress, keyup triplet for k, in
// dispatch order.
func KeyPressSequence(k Key) []Event {
	seq := make([]Event, 0, 3)
	for _, typ := range []EventType{EventKeyDown, EventKeyPress, EventKeyUp} {
		seq = append(seq, Event{
			Type:       typ,
			Key:        k.Key,
			Code:       k.Code,
			KeyCode:    k.KeyCode,
			Bubbles:    true,
			Cancelable: true,
		})
	}
	return seq
}
