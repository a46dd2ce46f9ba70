package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtun/internal/webrtc"
)

var ErrUnexpectedMessage = errors.New("unexpected signaling message")

// offerExchange runs the offering side: send the gathered offer, then apply
// the answer read back from conn.
func offerExchange(ctx context.Context, conn *websocket.Conn, peer *webrtc.Peer) error {
	stop := closeOnDone(ctx, conn)
	defer stop()

	offer, err := peer.Offer(ctx)
	if err != nil {
		sendError(conn, err)
		return err
	}
	if err := conn.WriteJSON(Message{Type: MsgTypeOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}

	msg, err := readMessage(conn, MsgTypeAnswer)
	if err != nil {
		return err
	}
	return peer.Accept(msg.description())
}

// answerExchange runs the answering side: read the offer, reply with the
// gathered answer.
func answerExchange(ctx context.Context, conn *websocket.Conn, peer *webrtc.Peer) error {
	stop := closeOnDone(ctx, conn)
	defer stop()

	msg, err := readMessage(conn, MsgTypeOffer)
	if err != nil {
		return err
	}

	answer, err := peer.Answer(ctx, msg.description())
	if err != nil {
		sendError(conn, err)
		return err
	}
	if err := conn.WriteJSON(Message{Type: MsgTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	return nil
}

func readMessage(conn *websocket.Conn, want MessageType) (Message, error) {
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return msg, fmt.Errorf("failed to read signaling message: %w", err)
	}
	switch msg.Type {
	case want:
		return msg, nil
	case MsgTypeError:
		return msg, fmt.Errorf("remote signaling error: %s", msg.Error)
	}
	return msg, fmt.Errorf("%w: got %q, want %q", ErrUnexpectedMessage, msg.Type, want)
}

// sendError tells the remote side why the exchange is aborted. Best-effort.
func sendError(conn *websocket.Conn, err error) {
	_ = conn.WriteJSON(Message{Type: MsgTypeError, Error: err.Error()})
}

// closeOnDone closes conn when ctx ends so blocked reads return. The returned
// func stops the watcher.
func closeOnDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
