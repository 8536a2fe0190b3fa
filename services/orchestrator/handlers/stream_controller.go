// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/f1gpt/services/llm"
	"github.com/AleutianAI/f1gpt/services/orchestrator/datatypes"
	"github.com/AleutianAI/f1gpt/services/orchestrator/observability"
)

// =============================================================================
// State
// =============================================================================

// StreamState is the lifecycle state of a StreamController.
type StreamState int

const (
	StateIdle StreamState = iota
	StateConnected
	StateStreaming
	StateClosing
	StateClosed
	StateErrored
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when an operation is called out of order.
var ErrInvalidTransition = errors.New("invalid stream state transition")

// =============================================================================
// Configuration
// =============================================================================

// ControllerConfig tunes one streamed answer.
type ControllerConfig struct {
	// HeartbeatInterval is the period between heartbeat pings.
	HeartbeatInterval time.Duration
	// GenerationTimeout bounds the whole generation call.
	GenerationTimeout time.Duration
	// ControlTokens are stripped from the visible answer.
	ControlTokens []string
	// FrameBuffer is the capacity of the frame channel.
	FrameBuffer int
	// RequireSecureMemory refuses the plain-memory accumulator fallback.
	RequireSecureMemory bool
	// AnswerBufferSize is the accumulator capacity in bytes.
	AnswerBufferSize int
}

// DefaultControllerConfig returns the production defaults.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		HeartbeatInterval: 15 * time.Second,
		GenerationTimeout: 2 * time.Minute,
		ControlTokens:     append([]string(nil), llm.DefaultControlTokens...),
		FrameBuffer:       32,
		AnswerBufferSize:  AnswerBufferSize,
	}
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	def := DefaultControllerConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = def.GenerationTimeout
	}
	if c.ControlTokens == nil {
		c.ControlTokens = def.ControlTokens
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = def.FrameBuffer
	}
	if c.AnswerBufferSize <= 0 {
		c.AnswerBufferSize = def.AnswerBufferSize
	}
	return c
}

// =============================================================================
// Controller
// =============================================================================

// GenerateFunc runs one generation and hands every fragment to emit in order.
// A non-nil error from emit must abort generation and be returned.
type GenerateFunc func(ctx context.Context, emit func(fragment string) error) error

// ControllerOption customizes a StreamController.
type ControllerOption func(*StreamController)

// WithControllerMetrics records stream metrics under endpoint.
func WithControllerMetrics(m *observability.StreamingMetrics, endpoint observability.Endpoint) ControllerOption {
	return func(c *StreamController) {
		c.metrics = m
		c.endpoint = endpoint
	}
}

// WithAccumulator hands the controller an accumulator built by the caller.
// The controller takes ownership and wipes it on Close.
func WithAccumulator(acc AnswerAccumulator) ControllerOption {
	return func(c *StreamController) { c.acc = acc }
}

// WithClock overrides time.Now for frame ids and heartbeat timestamps.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *StreamController) { c.now = now }
}

// StreamController drives one SSE answer from open to [DONE].
//
// # Description
//
// The controller owns two goroutines in an errgroup. The writer goroutine
// drains the frame channel into the SSEWriter and is the only code that
// touches the response. The heartbeat goroutine publishes a ping every
// HeartbeatInterval. Generation runs on the caller's goroutine inside
// Stream and publishes content frames into the same channel.
//
// A write failure ends the writer, which cancels the group context. That
// stops the heartbeat and the generation call. A cancelled request context
// does the same.
//
// # States
//
//	Idle → Connected → Streaming → Closing → Closed
//	Connected, Streaming → Errored → Closing → Closed
//
// # Examples
//
//	ctrl := NewStreamController(writer, "anonymous", requestID, cfg)
//	if err := ctrl.Open(ctx); err != nil {
//	    return err
//	}
//	_ = ctrl.Stream(func(ctx context.Context, emit func(string) error) error {
//	    return emit("Verstappen")
//	})
//	err := ctrl.Close()
//
// # Thread Safety
//
// Open, Stream and Close are called from one goroutine. The controller
// synchronizes with its own goroutines internally.
type StreamController struct {
	cfg       ControllerConfig
	writer    SSEWriter
	user      string
	requestID string
	now       func() time.Time
	metrics   *observability.StreamingMetrics
	endpoint  observability.Endpoint
	sanitizer *OutputSanitizer

	mu    sync.Mutex
	state StreamState

	reqCtx     context.Context
	groupCtx   context.Context
	cancel     context.CancelFunc
	group      *errgroup.Group
	frames     chan datatypes.Frame
	writerDone chan struct{}
	hbStop     chan struct{}
	hbDone     chan struct{}
	hbOnce     sync.Once
	closeOnce  sync.Once
	closeErr   error

	acc         AnswerAccumulator
	lastVisible string
	fragments   int
	openedAt    time.Time
	failure     error
	aborted     bool
}

// NewStreamController creates a controller in the Idle state.
//
// # Inputs
//
//   - writer: The SSE writer for this response.
//   - user: Echoed in every content frame.
//   - requestID: Used in logs only.
//   - cfg: Zero fields take the defaults.
func NewStreamController(writer SSEWriter, user, requestID string, cfg ControllerConfig,
	opts ...ControllerOption) *StreamController {

	cfg = cfg.withDefaults()
	c := &StreamController{
		cfg:       cfg,
		writer:    writer,
		user:      user,
		requestID: requestID,
		now:       time.Now,
		endpoint:  observability.EndpointChat,
		sanitizer: NewOutputSanitizer(cfg.ControlTokens),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *StreamController) State() StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves to next if the current state is one of from.
func (c *StreamController) transition(next StreamState, from ...StreamState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range from {
		if c.state == f {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.state, next)
}

// Open starts the writer and heartbeat and sends the opening frames.
//
// # Description
//
// Publishes the empty content frame followed by the init-flush ping. The
// stream is open once this returns, before any retrieval work starts.
//
// Without WithAccumulator the accumulator is built here. If that fails the
// stream still ends with [DONE] and the controller is Closed.
//
// # Inputs
//
//   - ctx: The request context. Its cancellation means the client left.
//
// # Outputs
//
//   - error: ErrInvalidTransition, an accumulator error, or a
//     *TransportError if the opening frames could not be written.
func (c *StreamController) Open(ctx context.Context) error {
	if err := c.transition(StateConnected, StateIdle); err != nil {
		return err
	}

	if c.acc == nil {
		acc, err := NewSizedAnswerAccumulator(c.cfg.RequireSecureMemory, c.cfg.AnswerBufferSize)
		if err != nil {
			c.forceState(StateClosing)
			if werr := c.writer.WriteFrame(datatypes.NewDoneFrame()); werr != nil {
				slog.Debug("Failed to write done frame", "requestId", c.requestID, "error", werr)
			}
			c.forceState(StateClosed)
			return err
		}
		c.acc = acc
	}

	c.reqCtx = ctx
	c.groupCtx, c.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(c.groupCtx)
	c.group = group
	c.frames = make(chan datatypes.Frame, c.cfg.FrameBuffer)
	c.writerDone = make(chan struct{})
	c.hbStop = make(chan struct{})
	c.hbDone = make(chan struct{})
	c.openedAt = c.now()

	if m := c.metrics; m != nil {
		m.StreamStarted(c.endpoint)
	}

	// The heartbeat starts after the opening frames so they are always first.
	c.group.Go(c.runWriter)
	err := c.publish(datatypes.NewContentFrame("", c.user, c.now()))
	if err == nil {
		err = c.publish(datatypes.NewInitFlushFrame())
	}
	c.group.Go(func() error { return c.runHeartbeat(gctx) })
	return err
}

// Stream runs generate under the generation timeout.
//
// # Description
//
// Every fragment is appended to the accumulator. A content frame carrying
// the full visible text is published whenever that text changes. If
// generate fails, times out, or the client leaves, the controller moves to
// Errored and the partial answer is discarded.
//
// # Outputs
//
//   - error: nil on success, *GenerationError on generation failure or
//     timeout, *TransportError if the client could not be written to.
func (c *StreamController) Stream(generate GenerateFunc) error {
	if err := c.transition(StateStreaming, StateConnected); err != nil {
		return err
	}

	genCtx, cancel := context.WithTimeout(c.groupCtx, c.cfg.GenerationTimeout)
	defer cancel()

	err := generate(genCtx, c.emit)
	if err == nil {
		return nil
	}

	if !c.writerAlive() {
		terr := c.transportError(err)
		c.Fail(terr)
		return terr
	}
	gerr := &GenerationError{
		Timeout: errors.Is(genCtx.Err(), context.DeadlineExceeded) && c.reqCtx.Err() == nil,
		Err:     err,
	}
	c.Fail(gerr)
	return gerr
}

// emit handles one fragment from the generation backend.
func (c *StreamController) emit(fragment string) error {
	if !c.writerAlive() {
		return c.transportError(nil)
	}
	if fragment == "" {
		return nil
	}
	if err := c.acc.Write(fragment); err != nil {
		return err
	}

	c.fragments++
	if m := c.metrics; m != nil {
		m.RecordFragment(c.endpoint)
		if c.fragments == 1 {
			m.RecordTimeToFirstToken(c.endpoint, c.now().Sub(c.openedAt).Seconds())
		}
	}

	return c.publishVisible(false)
}

// publishVisible publishes a content frame if the visible text changed.
func (c *StreamController) publishVisible(final bool) error {
	visible := c.sanitizer.Visible(c.acc.Snapshot(), final)
	if visible == c.lastVisible {
		return nil
	}
	c.lastVisible = visible
	return c.publish(datatypes.NewContentFrame(visible, c.user, c.now()))
}

// Fail moves the stream to Errored.
//
// # Description
//
// Discards the partial answer and publishes the apology frame, unless the
// client already left, in which case nothing more is sent until Close
// tries [DONE]. Calling Fail again, or after Close has begun, is a no-op.
func (c *StreamController) Fail(err error) {
	if terr := c.transition(StateErrored, StateConnected, StateStreaming); terr != nil {
		return
	}
	c.failure = err
	if c.acc != nil {
		c.acc.Destroy()
	}

	if c.reqCtx != nil && c.reqCtx.Err() != nil {
		c.aborted = true
		slog.Info("Client disconnected during stream",
			"requestId", c.requestID,
			"fragments", c.fragments,
		)
		if m := c.metrics; m != nil {
			m.RecordClientDisconnect(c.endpoint)
			m.RecordError(c.endpoint, observability.ErrorCodeClientDisconnect)
		}
		return
	}

	slog.Error("Stream failed",
		"requestId", c.requestID,
		"fragments", c.fragments,
		"error", err,
	)
	if m := c.metrics; m != nil {
		m.RecordError(c.endpoint, errorCodeFor(err))
	}
	c.stopHeartbeat()
	if perr := c.publish(datatypes.NewErrorFrame(sanitizeErrorForClient(err), c.user, c.now())); perr != nil {
		slog.Debug("Failed to publish apology frame", "requestId", c.requestID, "error", perr)
	}
}

// Close flushes the answer, sends [DONE] and waits for the writer.
//
// # Description
//
// On the success path any withheld text is released first and the final
// answer's SHA-256 is logged. The heartbeat is always stopped before the
// terminal frame is queued, so nothing follows [DONE]. Close is idempotent.
//
// # Outputs
//
//   - error: A *TransportError if any write failed, otherwise nil.
func (c *StreamController) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close()
	})
	return c.closeErr
}

func (c *StreamController) close() error {
	prev := c.State()
	if prev == StateIdle || prev == StateClosed {
		if c.acc != nil {
			c.acc.Destroy()
		}
		c.forceState(StateClosed)
		return nil
	}

	if prev == StateConnected || prev == StateStreaming {
		if err := c.publishVisible(true); err != nil {
			slog.Debug("Failed to publish final frame", "requestId", c.requestID, "error", err)
		}
		if answer, sum, err := c.acc.Finalize(); err == nil {
			slog.Info("Stream completed",
				"requestId", c.requestID,
				"fragments", c.fragments,
				"answer_bytes", len(answer),
				"answer_sha256", sum,
				"duration_ms", c.now().Sub(c.openedAt).Milliseconds(),
			)
		}
	}
	c.forceState(StateClosing)

	c.stopHeartbeat()
	if err := c.publish(datatypes.NewDoneFrame()); err != nil {
		slog.Debug("Failed to publish done frame", "requestId", c.requestID, "error", err)
	}
	close(c.frames)

	err := c.group.Wait()
	c.cancel()
	c.forceState(StateClosed)

	if m := c.metrics; m != nil {
		m.StreamEnded(c.endpoint)
	}
	if err != nil {
		if m := c.metrics; m != nil && !c.aborted && !IsTransportError(c.failure) {
			m.RecordError(c.endpoint, observability.ErrorCodeTransport)
		}
		return err
	}
	return nil
}

// Succeeded reports whether the stream closed without the Errored path.
func (c *StreamController) Succeeded() bool {
	return c.State() == StateClosed && c.failure == nil
}

// Err returns the error that moved the stream to Errored, if any.
func (c *StreamController) Err() error { return c.failure }

func (c *StreamController) forceState(s StreamState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// =============================================================================
// Goroutines
// =============================================================================

// runWriter is the only goroutine that writes to the response.
func (c *StreamController) runWriter() error {
	defer close(c.writerDone)
	for frame := range c.frames {
		if err := c.writer.WriteFrame(frame); err != nil {
			return &TransportError{Err: err}
		}
	}
	return nil
}

// runHeartbeat publishes a heartbeat ping every HeartbeatInterval.
func (c *StreamController) runHeartbeat(ctx context.Context) error {
	defer close(c.hbDone)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.hbStop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.publish(datatypes.NewHeartbeatFrame(c.now())); err != nil {
				return nil
			}
			if m := c.metrics; m != nil {
				m.RecordKeepAlive(c.endpoint)
			}
		}
	}
}

// stopHeartbeat stops the heartbeat goroutine and waits for it.
func (c *StreamController) stopHeartbeat() {
	c.hbOnce.Do(func() { close(c.hbStop) })
	<-c.hbDone
}

// publish queues a frame for the writer.
//
// A heartbeat racing stopHeartbeat may still be inside publish; Close waits
// on hbDone before closing the channel, so sends never hit a closed channel.
func (c *StreamController) publish(frame datatypes.Frame) error {
	select {
	case <-c.writerDone:
		return c.transportError(nil)
	default:
	}
	select {
	case c.frames <- frame:
		return nil
	case <-c.writerDone:
		return c.transportError(nil)
	}
}

func (c *StreamController) writerAlive() bool {
	select {
	case <-c.writerDone:
		return false
	default:
		return true
	}
}

// transportError builds the error returned once the writer is gone.
func (c *StreamController) transportError(cause error) error {
	if cause == nil {
		cause = errors.New("stream writer stopped")
	}
	var terr *TransportError
	if errors.As(cause, &terr) {
		return terr
	}
	return &TransportError{Err: cause}
}

// errorCodeFor maps a stream failure to a metrics error code.
func errorCodeFor(err error) observability.ErrorCode {
	var ge *GenerationError
	switch {
	case errors.As(err, &ge) && ge.Timeout:
		return observability.ErrorCodeTimeout
	case IsGenerationError(err):
		return observability.ErrorCodeLLMError
	case IsTransportError(err):
		return observability.ErrorCodeTransport
	default:
		return observability.ErrorCodeInternal
	}
}
