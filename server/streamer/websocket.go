package streamer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/camrelay/server/framebuf"
	"github.com/cyclopcam/camrelay/server/log"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

type webSocketMsg int

const (
	webSocketMsgPause  webSocketMsg = iota // pause stream (eg browser tab deactivated)
	webSocketMsgResume                     // resume stream (eg browser tab reactivated)
)

// Sent by client over websocket
type webSocketJSON struct {
	Command string `json:"command"`
}

// Size of the header that precedes the JPEG bytes in every binary message
const WebSocketFrameHeaderSize = 16

var nextWebSocketStreamerID int64

// WebSocketStreamer sends every new frame in the buffer to a websocket client.
// Each binary message is a 16 byte header (uint64 frame sequence number, int64 publish time
// in unix milliseconds, both little endian), followed by the JPEG bytes.
// If the client is slower than the camera, it simply misses frames.
type WebSocketStreamer struct {
	log           logs.Log
	streamerID    int64 // Intended to aid in logging/debugging
	buffer        *framebuf.Buffer
	interval      time.Duration
	writeTimeout  time.Duration
	paused        atomic.Bool
	fromWebSocket chan webSocketMsg
	done          chan struct{}
	lastSentSeq   uint64
	nFramesSent   int64
	nFramesMissed int64
	lastLogTime   time.Time
}

func NewWebSocketStreamer(logger logs.Log, buffer *framebuf.Buffer, interval, writeTimeout time.Duration) *WebSocketStreamer {
	streamerID := atomic.AddInt64(&nextWebSocketStreamerID, 1)
	if interval <= 0 {
		interval = DefaultInterval
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WebSocketStreamer{
		log:          log.NewPrefixLogger(logger, fmt.Sprintf("WebSocket %v", streamerID)),
		streamerID:   streamerID,
		buffer:       buffer,
		interval:     interval,
		writeTimeout: writeTimeout,
	}
}

// Run streams frames to conn until the client disconnects, a write fails, or ctx is cancelled.
// conn is closed when Run returns.
func (s *WebSocketStreamer) Run(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	s.fromWebSocket = make(chan webSocketMsg, 1)
	s.done = make(chan struct{})
	defer close(s.done)
	go s.webSocketReader(conn)

	s.log.Infof("Streaming")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			s.log.Infof("Closing (server shutdown). Sent %v frames", s.nFramesSent)
			return
		case wsMsg, ok := <-s.fromWebSocket:
			if !ok {
				s.log.Infof("Client closed. Sent %v frames", s.nFramesSent)
				return
			}
			switch wsMsg {
			case webSocketMsgPause:
				s.paused.Store(true)
			case webSocketMsgResume:
				s.paused.Store(false)
			}
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			if err := s.sendLatest(conn); err != nil {
				s.log.Infof("Error writing to websocket: %v", err)
				return
			}
		}
	}
}

func (s *WebSocketStreamer) sendLatest(conn *websocket.Conn) error {
	frame := s.buffer.Snapshot()
	if frame == nil || frame.Seq == s.lastSentSeq {
		return nil
	}
	if s.lastSentSeq != 0 && frame.Seq > s.lastSentSeq+1 {
		s.nFramesMissed += int64(frame.Seq - s.lastSentSeq - 1)
	}

	buf := bytes.Buffer{}
	buf.Grow(WebSocketFrameHeaderSize + len(frame.Data))
	binary.Write(&buf, binary.LittleEndian, frame.Seq)
	binary.Write(&buf, binary.LittleEndian, frame.Time.UnixMilli())
	buf.Write(frame.Data)

	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		return err
	}
	s.lastSentSeq = frame.Seq
	s.nFramesSent++

	now := time.Now()
	if now.Sub(s.lastLogTime) > 60*time.Second {
		s.log.Infof("Sent %v frames, skipped %v", s.nFramesSent, s.nFramesMissed)
		s.lastLogTime = now
	}
	return nil
}

// Read from the websocket and post to our own channel, so that we can
// run a single loop that handles client commands and frame pacing.
func (s *WebSocketStreamer) webSocketReader(conn *websocket.Conn) {
	defer close(s.fromWebSocket)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.TextMessage {
			msg := webSocketJSON{}
			if err := json.Unmarshal(data, &msg); err != nil {
				s.log.Infof("webSocketReader failed to decode JSON: %v", err)
			} else {
				s.log.Infof("Received %v command from websocket", msg.Command)
				var cmd webSocketMsg
				switch msg.Command {
				case "pause":
					cmd = webSocketMsgPause
				case "resume":
					cmd = webSocketMsgResume
				default:
					s.log.Infof("Unknown websocket message from client: '%v'", msg.Command)
					continue
				}
				select {
				case s.fromWebSocket <- cmd:
				case <-s.done:
					return
				}
			}
		}
	}
}

// DecodeWebSocketFrame splits a binary message into its sequence number, publish time, and JPEG bytes
func DecodeWebSocketFrame(msg []byte) (seq uint64, published time.Time, jpeg []byte, err error) {
	if len(msg) < WebSocketFrameHeaderSize {
		return 0, time.Time{}, nil, fmt.Errorf("Websocket frame too short (%v bytes)", len(msg))
	}
	seq = binary.LittleEndian.Uint64(msg[0:8])
	published = time.UnixMilli(int64(binary.LittleEndian.Uint64(msg[8:16])))
	return seq, published, msg[WebSocketFrameHeaderSize:], nil
}
