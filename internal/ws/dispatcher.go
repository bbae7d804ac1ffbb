package ws

import (
	"log"
	"time"

	"github.com/campuslink/chat-core/internal/protocol"
)

// MessageHandler consumes one parsed client message. msg is the concrete
// value returned by protocol.ParseClientMessage for the registered type
// (protocol.OpenConversationMsg, protocol.SendMessageMsg, and so on).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher maps client message types to handlers. Ping/pong
// keepalive is answered here without registration; parse failures and
// unknown types turn into structured error frames back to the client.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher returns a dispatcher with no handlers registered.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer late-binds the server. NewServer takes the Dispatch callback, so
// the dispatcher has to exist first and get its server reference afterwards.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register installs handler for msgType, replacing any previous handler.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses raw frame bytes into a typed message and routes it. This
// is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	// Built-in ping handler, no registration required.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendError pushes a structured error frame to the client. Failures here
// are logged only; there is nowhere further to report them.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

// sendPong answers an application-level ping and refreshes the connection's
// LastPing so the heartbeat reaper counts it as activity.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}
