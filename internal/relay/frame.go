package relay

// frame is the websocket wire envelope shared by WebSocket and Hub.
type frame struct {
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
	opMessage     = "message"
	opSubscribed  = "subscribed"
	opError       = "error"
)
