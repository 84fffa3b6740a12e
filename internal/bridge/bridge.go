// Package bridge implements the per-stream control dispatch loop and the
// three-task PTY<->QUIC duplex pipeline, grounded on the original daemon's
// bridge.rs (handle_session_stream / run_bridge / run_bridge_inner) and the
// teacher's internal/server Bridge (readLoop, done-channel-on-exit idiom).
package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/artpar/phantomd/internal/frame"
	"github.com/artpar/phantomd/internal/session"
)

// Stream is the minimal bidirectional stream surface the bridge needs.
type Stream interface {
	io.Reader
	io.Writer
}

// Config carries the tunables a bridge run needs.
type Config struct {
	ChannelDepth       int
	FlowControlWindow  uint64
	FlowControlTimeout time.Duration
}

// HandleSessionStream is the control loop run on every QUIC stream opened
// after authentication. It dispatches create/attach/list/destroy/remove_device
// requests and, once a session is attached, transitions into the duplex
// bridge for the remainder of the stream's life.
func HandleSessionStream(ctx context.Context, stream Stream, manager *session.Manager, deviceID string, cfg Config, log *logrus.Entry) error {
	for {
		reqBytes, err := readControl(stream)
		if err != nil {
			return fmt.Errorf("bridge: read request: %w", err)
		}

		var req map[string]any
		if err := json.Unmarshal(reqBytes, &req); err != nil {
			_ = writeJSON(stream, map[string]any{"type": "error", "error": "invalid JSON"})
			continue
		}

		reqType, _ := req["type"].(string)
		requestID, _ := req["request_id"].(string)
		switch reqType {
		case "create_session":
			rows, cols := clampDims(req, "rows", "cols")
			shell, _ := req["shell"].(string)
			s, err := manager.Create(deviceID, shell, rows, cols)
			if err != nil {
				_ = writeJSON(stream, map[string]any{"type": "session_created", "request_id": requestID, "success": false, "error": err.Error()})
				continue
			}

			// A freshly created session's reader is always available, so
			// this reservation cannot fail; it still goes through TakeReader
			// so the at-most-one-bridge invariant is established the same
			// way as attach, with no separate code path to drift out of sync.
			reader, writer, _, cancelSession, err := s.TakeReader()
			if err != nil {
				_ = writeJSON(stream, map[string]any{"type": "session_created", "request_id": requestID, "success": false, "error": err.Error()})
				_ = manager.Destroy(s.ID)
				continue
			}
			s.MarkAttach(deviceID)
			_ = writeJSON(stream, map[string]any{"type": "session_created", "request_id": requestID, "success": true, "session_id": s.ID})
			return runBridge(ctx, stream, s, reader, writer, cancelSession, cfg, log)

		case "attach_session":
			id, _ := req["session_id"].(string)
			s, err := manager.Get(id)
			if err != nil {
				_ = writeJSON(stream, map[string]any{"type": "session_attached", "request_id": requestID, "success": false, "error": "session not found"})
				continue
			}

			// Reserving the reader here (rather than after replying) keeps
			// the at-most-once-attach check atomic with the reply: a second
			// attach_session on an already-attached session must never see
			// success=true before its TakeReader call fails underneath it.
			reader, writer, _, cancelSession, err := s.TakeReader()
			if err != nil {
				_ = writeJSON(stream, map[string]any{"type": "session_attached", "request_id": requestID, "success": false, "error": "already attached"})
				return fmt.Errorf("bridge: attach rejected: %w", err)
			}
			s.MarkAttach(deviceID)
			_ = writeJSON(stream, map[string]any{"type": "session_attached", "request_id": requestID, "success": true, "session_id": s.ID})

			if backlog := s.Scrollback.Read(); len(backlog) > 0 {
				encoded, err := frame.Encode(frame.NewScrollback(0, backlog), true)
				if err == nil {
					if _, err := stream.Write(encoded); err != nil {
						cancelSession()
						s.ReleaseReader()
						return fmt.Errorf("bridge: write scrollback: %w", err)
					}
				}
			}
			return runBridge(ctx, stream, s, reader, writer, cancelSession, cfg, log)

		case "list_sessions":
			list := manager.List()
			_ = writeJSON(stream, map[string]any{"type": "session_list", "request_id": requestID, "sessions": list})

		case "destroy_session":
			id, _ := req["session_id"].(string)
			err := manager.Destroy(id)
			resp := map[string]any{"type": "session_destroyed", "request_id": requestID, "success": err == nil}
			if err != nil {
				resp["error"] = err.Error()
			}
			_ = writeJSON(stream, resp)

		case "remove_device":
			_ = writeJSON(stream, map[string]any{"type": "device_removed", "request_id": requestID, "success": true})
			return nil

		default:
			_ = writeJSON(stream, map[string]any{"type": "error", "request_id": requestID, "error": fmt.Sprintf("unknown request type: %s", reqType)})
		}
	}
}

func clampDims(req map[string]any, rowsKey, colsKey string) (rows, cols uint16) {
	get := func(key string) uint16 {
		v, _ := req[key].(float64)
		if v < 1 {
			v = 1
		}
		if v > 500 {
			v = 500
		}
		return uint16(v)
	}
	return get(rowsKey), get(colsKey)
}

// runBridge runs the three-task duplex pipeline over a reader/writer pair
// already reserved via Session.TakeReader. Any of the three goroutines
// ending cancels the shared context, which stops the sender at once; the
// PTY reader stops after its current Read returns and is not waited for.
// runBridge returns once the stream receiver has stopped, so when the PTY
// or ctx ends first, the return still waits for the next stream Read to
// come back (incoming data, a Close frame, or the stream closing). On
// return, the session's reader is released (and recovered via clone, or
// marked damaged).
func runBridge(parent context.Context, stream Stream, s *session.Session, reader io.Reader, writer io.Writer, cancelSession context.CancelFunc, cfg Config, log *logrus.Entry) error {
	id := s.ID
	defer func() {
		cancelSession()
		s.ReleaseReader()
	}()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	var firstErr error
	var errOnce sync.Once
	fail := func(err error) {
		if err != nil {
			errOnce.Do(func() { firstErr = err })
		}
		cancel()
	}

	ptyToNet := make(chan []byte, cfg.ChannelDepth)
	window := new(atomic.Uint64)
	window.Store(cfg.FlowControlWindow)
	notify := make(chan struct{}, 1)

	go func() {
		defer close(ptyToNet)
		buf := make([]byte, 16384)
		for {
			n, err := reader.Read(buf)
			if ctx.Err() != nil {
				return
			}
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case ptyToNet <- data:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if log != nil {
					log.WithField("session_id", id).WithError(err).Debug("pty reader exiting")
				}
				fail(nil)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		var seq uint64
		var pending []byte // a chunk already pulled from ptyToNet that didn't fit in the prior frame

		for {
			var combined []byte
			if pending != nil {
				combined, pending = pending, nil
			} else {
				select {
				case data, ok := <-ptyToNet:
					if !ok {
						return
					}
					combined = data
				case <-ctx.Done():
					return
				}
			}

			draining := true
			for draining && len(combined) < frame.MaxPayload {
				select {
				case more, ok := <-ptyToNet:
					if !ok {
						draining = false
						break
					}
					if len(combined)+len(more) > frame.MaxPayload {
						pending = more
						draining = false
						break
					}
					combined = append(combined, more...)
				default:
					draining = false
				}
			}

			s.Scrollback.Append(combined)

			if !awaitWindow(ctx, window, notify, cfg.FlowControlTimeout, log) {
				return
			}

			seq++
			encoded, err := frame.Encode(frame.NewData(seq, combined), len(combined) > frame.CompressThreshold)
			if err != nil {
				fail(fmt.Errorf("bridge: encode data frame: %w", err))
				return
			}
			wirePayload := uint64(0)
			if len(encoded) > frame.HeaderSize {
				wirePayload = uint64(len(encoded) - frame.HeaderSize)
			}
			if _, err := stream.Write(encoded); err != nil {
				fail(fmt.Errorf("bridge: write data frame: %w", err))
				return
			}
			for {
				cur := window.Load()
				next := cur
				if cur > wirePayload {
					next = cur - wirePayload
				} else {
					next = 0
				}
				if window.CompareAndSwap(cur, next) {
					break
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		dec := frame.NewDecoder()
		buf := make([]byte, 16384)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
				for {
					f, ok, decErr := dec.Next()
					if decErr != nil {
						fail(fmt.Errorf("bridge: decode: %w", decErr))
						return
					}
					if !ok {
						break
					}
					switch f.Type {
					case frame.Data:
						if _, werr := writer.Write(f.Payload); werr != nil {
							fail(fmt.Errorf("bridge: write to pty: %w", werr))
							return
						}
						s.TouchActivity()
					case frame.Resize:
						cols, rows, perr := frame.ParseResize(f.Payload)
						if perr == nil {
							cols, rows = clampU16(cols), clampU16(rows)
							_ = s.PTY.Resize(rows, cols)
						}
					case frame.WindowUpdate:
						if w, werr := frame.ParseWindowUpdate(f.Payload); werr == nil {
							window.Store(w)
							select {
							case notify <- struct{}{}:
							default:
							}
						}
					case frame.Close:
						fail(nil)
						return
					case frame.Heartbeat:
						// no-op
					case frame.Scrollback:
						if log != nil {
							log.WithField("session_id", id).Warn("unexpected scrollback frame from client")
						}
					}
				}
			}
			if err != nil {
				fail(nil)
				return
			}
		}
	}()

	wg.Wait()
	return firstErr
}

func clampU16(v uint16) uint16 {
	if v < 1 {
		return 1
	}
	if v > 500 {
		return 500
	}
	return v
}

func awaitWindow(ctx context.Context, window *atomic.Uint64, notify chan struct{}, timeout time.Duration, log *logrus.Entry) bool {
	for window.Load() == 0 {
		select {
		case <-notify:
		case <-time.After(timeout):
			if log != nil {
				log.Warn("flow control window exhausted, proceeding after timeout")
			}
			return true
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func readControl(stream Stream) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > frame.MaxControlMessage {
		return nil, fmt.Errorf("bridge: control message too large: %d", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(stream, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeJSON(stream Stream, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
	copy(out[4:], payload)
	_, err = stream.Write(out)
	return err
}
