package stream

// Event is the wire envelope fanned out to subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// frame is the inbound control message on a websocket connection.
type frame struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Topic  string `json:"topic"`
}
