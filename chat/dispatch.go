package chat

import (
	"peerchat/models"
	"peerchat/network"
)

func (l *loop) onData(ch network.Channel, payload []byte) {
	conn, ok := l.conns[ch]
	if !ok || !conn.acceptsData() {
		return
	}
	remote := conn.remoteID()

	msg, err := network.ParsePeerMessage(payload)
	if err != nil {
		l.session.logger.Debug("dropping malformed payload", "peer", remote, "error", err)
		return
	}

	switch m := msg.(type) {
	case network.InfoMessage:
		conn.identify()
		if l.session.table.Identify(remote, m.Username, m.PeerID) {
			l.session.logger.Info("peer identified", "peer", remote, "username", m.Username)
			l.session.notifyPeers()
		}
	case network.ChatMessage:
		l.appendMessage(models.Message{
			From:      l.session.table.DisplayName(remote),
			Content:   m.Content,
			Timestamp: l.session.timestamp(),
		})
	}
}

// broadcast sends content to every record whose channel is open and then
// appends the local echo.
func (l *loop) broadcast(content string) {
	payload, err := network.EncodePeerMessage(network.ChatMessage{Content: content})
	if err != nil {
		l.session.logger.Warn("encode chat payload failed", "error", err)
		return
	}

	for _, record := range l.session.table.Records() {
		if record.Channel == nil || !record.Channel.Open() {
			continue
		}
		if err := record.Channel.Send(payload); err != nil {
			l.session.logger.Warn("send chat failed", "peer", record.Channel.RemotePeerID(), "error", err)
			l.session.report(transportError(record.Channel.RemotePeerID(), err))
		}
	}

	l.appendMessage(models.Message{
		From:      l.username + " (me)",
		Content:   content,
		Timestamp: l.session.timestamp(),
	})
}

func (l *loop) sendTo(ch network.Channel, msg network.PeerMessage) {
	payload, err := network.EncodePeerMessage(msg)
	if err != nil {
		l.session.logger.Warn("encode payload failed", "type", msg.Type(), "error", err)
		return
	}
	if err := ch.Send(payload); err != nil {
		l.session.logger.Warn("send failed", "peer", ch.RemotePeerID(), "type", msg.Type(), "error", err)
		l.session.report(transportError(ch.RemotePeerID(), err))
	}
}

func (l *loop) appendMessage(message models.Message) {
	l.session.messages.Append(message)
	l.session.notifyMessage(message)
}
