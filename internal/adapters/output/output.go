// Package output renders mpvctl results.
package output

// Printer renders a result.
type Printer interface {
	Print(v any) error
}

// Instances maps host to its retained instance state.
type Instances map[string]string

// TopicRow is one subscribed or published topic of a bridge.
type TopicRow struct {
	Category string `json:"category"`
	Topic    string `json:"topic"`
}

// Topics lists the topics of a bridge.
type Topics []TopicRow

// Ack reports a published command.
type Ack struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}
