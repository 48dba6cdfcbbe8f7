package domain

import "encoding/json"

// StreamEventType tags a StreamEvent.
type StreamEventType string

const (
	StreamEventChunk    StreamEventType = "chunk"
	StreamEventComplete StreamEventType = "complete"
	StreamEventTopics   StreamEventType = "topics"
	StreamEventError    StreamEventType = "error"
)

// StreamEvent is one frame of a streamed turn. Within a turn, events are
// ordered chunk*, complete, topics? and an error event ends the sequence.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Message Turn
	Topics  []string
	Error   string
}

// ChunkEvent carries a content fragment.
func ChunkEvent(content string) StreamEvent {
	return StreamEvent{Type: StreamEventChunk, Content: content}
}

// CompleteEvent carries the fully assembled assistant message.
func CompleteEvent(msg Turn, topics []string) StreamEvent {
	return StreamEvent{Type: StreamEventComplete, Message: msg, Topics: topics}
}

// TopicsEvent carries topics extracted after completion.
func TopicsEvent(topics []string) StreamEvent {
	return StreamEvent{Type: StreamEventTopics, Topics: topics}
}

// ErrorEvent terminates a stream.
func ErrorEvent(msg string) StreamEvent {
	return StreamEvent{Type: StreamEventError, Error: msg}
}

// MarshalJSON emits only the fields belonging to the event's variant.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case StreamEventChunk:
		return json.Marshal(struct {
			Type    StreamEventType `json:"type"`
			Content string          `json:"content"`
		}{e.Type, e.Content})
	case StreamEventComplete:
		return json.Marshal(struct {
			Type    StreamEventType `json:"type"`
			Message Turn            `json:"message"`
			Topics  []string        `json:"topics"`
		}{e.Type, e.Message, nonNil(e.Topics)})
	case StreamEventTopics:
		return json.Marshal(struct {
			Type   StreamEventType `json:"type"`
			Topics []string        `json:"topics"`
		}{e.Type, nonNil(e.Topics)})
	default:
		return json.Marshal(struct {
			Type  StreamEventType `json:"type"`
			Error string          `json:"error"`
		}{StreamEventError, e.Error})
	}
}

// UnmarshalJSON accepts any variant.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    StreamEventType `json:"type"`
		Content string          `json:"content"`
		Message Turn            `json:"message"`
		Topics  []string        `json:"topics"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = StreamEvent{
		Type:    raw.Type,
		Content: raw.Content,
		Message: raw.Message,
		Topics:  raw.Topics,
		Error:   raw.Error,
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
