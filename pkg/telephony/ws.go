package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout     = 10 * time.Second
	outboundQueueLen = 256
	inboundQueueLen  = 64
	playFrameMillis  = 20
	playDoneWait     = 5 * time.Second
)

type outMessage struct {
	messageType int // websocket.TextMessage or websocket.BinaryMessage
	data        []byte
}

// WSCall adapts one media-gateway websocket connection to the Call
// interface. Media is binary PCM16 in both directions; control frames are
// JSON. A dedicated writer goroutine serializes all outbound traffic.
type WSCall struct {
	conn   *websocket.Conn
	logger *slog.Logger

	ref        string
	callerID   string
	language   string
	sampleRate int

	frames      chan Frame
	outbound    chan outMessage
	playDone    chan string
	transferRes chan string

	closed    chan struct{}
	closeOnce sync.Once
	playSeq   atomic.Int64
}

// NewWSCall wraps an upgraded connection whose call.start frame has already
// been decoded. It starts the read and write pumps.
func NewWSCall(conn *websocket.Conn, start CallStart, logger *slog.Logger) *WSCall {
	if logger == nil {
		logger = slog.Default()
	}
	c := &WSCall{
		conn:        conn,
		logger:      logger.With("call_ref", start.CallRef),
		ref:         start.CallRef,
		callerID:    start.CallerID,
		language:    start.Language,
		sampleRate:  start.SampleRateHz,
		frames:      make(chan Frame, inboundQueueLen),
		outbound:    make(chan outMessage, outboundQueueLen),
		playDone:    make(chan string, 4),
		transferRes: make(chan string, 1),
		closed:      make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Ref returns the transport call reference.
func (c *WSCall) Ref() string { return c.ref }

// CallerID returns the carrier-presented caller identity.
func (c *WSCall) CallerID() string { return c.callerID }

// Language returns the language hint from call.start, if any.
func (c *WSCall) Language() string { return c.language }

// SampleRate returns the negotiated media sample rate in Hz.
func (c *WSCall) SampleRate() int { return c.sampleRate }

// Frames delivers inbound media and control events.
func (c *WSCall) Frames() <-chan Frame { return c.frames }

func (c *WSCall) readLoop() {
	defer func() {
		c.close()
		close(c.frames)
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("gateway read ended", "error", err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			pcm := make([]byte, len(data))
			copy(pcm, data)
			select {
			case c.frames <- Frame{Kind: FrameAudio, PCM: pcm}:
			case <-c.closed:
				return
			default:
				// Session loop is behind; drop the oldest media frame
				// rather than stall the socket.
				select {
				case <-c.frames:
				default:
				}
				select {
				case c.frames <- Frame{Kind: FrameAudio, PCM: pcm}:
				case <-c.closed:
					return
				default:
				}
			}
		case websocket.TextMessage:
			msg, err := DecodeGatewayMessage(data)
			if err != nil {
				c.logger.Warn("bad gateway frame", "error", err)
				continue
			}
			switch m := msg.(type) {
			case CallDTMF:
				select {
				case c.frames <- Frame{Kind: FrameDTMF, Digit: m.Digit}:
				case <-c.closed:
					return
				}
			case CallHangup:
				select {
				case c.frames <- Frame{Kind: FrameHangup}:
				case <-c.closed:
				}
				return
			case PlayDone:
				select {
				case c.playDone <- m.PlayID:
				default:
				}
			case TransferResult:
				select {
				case c.transferRes <- m.Status:
				default:
				}
			case CallStart:
				c.logger.Warn("duplicate call.start ignored")
			}
		}
	}
}

func (c *WSCall) writeLoop() {
	for {
		select {
		case msg := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				c.logger.Debug("gateway write failed", "error", err)
				c.close()
				return
			}
		case <-c.closed:
			_ = c.conn.Close()
			return
		}
	}
}

func (c *WSCall) send(messageType int, data []byte) error {
	select {
	case c.outbound <- outMessage{messageType: messageType, data: data}:
		return nil
	case <-c.closed:
		return ErrCallEnded
	}
}

func (c *WSCall) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal control frame: %w", err)
	}
	return c.send(websocket.TextMessage, data)
}

// PlayAudio streams PCM16 to the gateway at real-time pace. It returns nil
// once the gateway confirms playback, ctx.Err() on barge-in cancellation,
// and ErrCallEnded if the leg goes away mid-play.
func (c *WSCall) PlayAudio(ctx context.Context, audio io.Reader) error {
	playID := fmt.Sprintf("play-%d", c.playSeq.Add(1))
	if err := c.sendJSON(PlayStart{Type: "play.start", PlayID: playID, SampleRateHz: c.sampleRate}); err != nil {
		return err
	}

	frameBytes := c.sampleRate * 2 * playFrameMillis / 1000
	ticker := time.NewTicker(playFrameMillis * time.Millisecond)
	defer ticker.Stop()

	buf := make([]byte, frameBytes)
	for {
		n, readErr := io.ReadFull(audio, buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if err := c.send(websocket.BinaryMessage, frame); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			_ = c.sendJSON(PlayStop{Type: "play.stop", PlayID: playID, Cancelled: true})
			return fmt.Errorf("read synthesis stream: %w", readErr)
		}

		select {
		case <-ctx.Done():
			_ = c.sendJSON(PlayStop{Type: "play.stop", PlayID: playID, Cancelled: true})
			return ctx.Err()
		case <-c.closed:
			return ErrCallEnded
		case <-ticker.C:
		}
	}

	if err := c.sendJSON(PlayStop{Type: "play.stop", PlayID: playID, Cancelled: false}); err != nil {
		return err
	}

	// Wait for the gateway to drain its jitter buffer and confirm.
	timer := time.NewTimer(playDoneWait)
	defer timer.Stop()
	for {
		select {
		case id := <-c.playDone:
			if id == playID {
				return nil
			}
			// Stale ack from an earlier cancelled play.
		case <-ctx.Done():
			_ = c.sendJSON(PlayStop{Type: "play.stop", PlayID: playID, Cancelled: true})
			return ctx.Err()
		case <-c.closed:
			return ErrCallEnded
		case <-timer.C:
			// Gateway never confirmed; pacing already approximated
			// real time, treat as complete.
			return nil
		}
	}
}

// Transfer asks the gateway to bridge the caller to target.
func (c *WSCall) Transfer(ctx context.Context, target string) error {
	if err := c.sendJSON(TransferRequest{Type: "transfer.request", Target: target}); err != nil {
		return err
	}
	select {
	case status := <-c.transferRes:
		if status == "no_agent" {
			return ErrNoAgent
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrCallEnded
	}
}

// Hangup ends the leg from the orchestrator side and closes the socket.
func (c *WSCall) Hangup(reason string) error {
	err := c.sendJSON(HangupRequest{Type: "hangup.request", Reason: reason})
	c.close()
	return err
}

func (c *WSCall) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}
