package pkl

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"jwy.io/pkl/transport"
	"jwy.io/pkl/transport/stdio"
)

type managerConfig struct {
	command    []string
	debug      bool
	logger     Logger
	stderrSink io.Writer
}

type ManagerOption interface {
	apply(*managerConfig)
}

type managerOptionFunc func(*managerConfig)

func (f managerOptionFunc) apply(cfg *managerConfig) { f(cfg) }

// WithCommand overrides the command used to start the evaluator process.
// The "server" argument must be included.
func WithCommand(command ...string) ManagerOption {
	return managerOptionFunc(func(cfg *managerConfig) { cfg.command = command })
}

// WithDebug enables verbose diagnostics on the evaluator's stderr
// (PKL_DEBUG=1).
func WithDebug(debug bool) ManagerOption {
	return managerOptionFunc(func(cfg *managerConfig) { cfg.debug = debug })
}

// WithLogger sets the default logger for evaluators created by this
// manager.
func WithLogger(logger Logger) ManagerOption {
	return managerOptionFunc(func(cfg *managerConfig) { cfg.logger = logger })
}

// WithStderrSink redirects the evaluator process's stderr.
func WithStderrSink(w io.Writer) ManagerOption {
	return managerOptionFunc(func(cfg *managerConfig) { cfg.stderrSink = w })
}

// EvaluatorManager owns one evaluator child process and multiplexes any
// number of evaluators over its pipes.  It is the transport's single writer
// and single reader: a background receive loop pulls inbound frames one at
// a time and routes each to the pending request or evaluator it belongs to.
type EvaluatorManager struct {
	tr     transport.Transport
	logger Logger

	wmu sync.Mutex // serializes transport writes

	seq atomic.Int64 // request id allocator

	mu         sync.Mutex
	evaluators map[int64]*Evaluator
	pending    map[int64]chan any
	closed     bool
	closing    bool
	err        error

	done chan struct{}
}

// NewEvaluatorManager spawns the evaluator child process and starts the
// receive loop.
func NewEvaluatorManager(opts ...ManagerOption) (*EvaluatorManager, error) {
	cfg := managerConfig{logger: defaultLogger}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	var stdioOpts []stdio.Option
	if cfg.command != nil {
		stdioOpts = append(stdioOpts, stdio.WithCommand(cfg.command...))
	}
	if cfg.debug {
		stdioOpts = append(stdioOpts, stdio.WithDebug(true))
	}
	if cfg.stderrSink != nil {
		stdioOpts = append(stdioOpts, stdio.WithStderrSink(cfg.stderrSink))
	}

	tr, err := stdio.Spawn(stdioOpts...)
	if err != nil {
		return nil, err
	}
	return Open(tr, opts...), nil
}

// Open starts an evaluator manager on an already established transport.
func Open(tr transport.Transport, opts ...ManagerOption) *EvaluatorManager {
	cfg := managerConfig{logger: defaultLogger}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	m := &EvaluatorManager{
		tr:         tr,
		logger:     cfg.logger,
		evaluators: make(map[int64]*Evaluator),
		pending:    make(map[int64]chan any),
		done:       make(chan struct{}),
	}
	go m.recvLoop()
	return m
}

// NewEvaluator creates a fresh evaluator with the given options.  A nil
// options value is equivalent to PreconfiguredOptions().
func (m *EvaluatorManager) NewEvaluator(ctx context.Context, opts *EvaluatorOptions) (*Evaluator, error) {
	return m.newEvaluator(ctx, opts, nil)
}

// NewProjectEvaluator creates an evaluator configured with the dependencies
// of the project rooted at projectDir.  The project descriptor is evaluated
// first through a short-lived bootstrap evaluator.
func (m *EvaluatorManager) NewProjectEvaluator(ctx context.Context, projectDir string, opts *EvaluatorOptions) (*Evaluator, error) {
	project, err := m.LoadProject(ctx, projectDir)
	if err != nil {
		return nil, err
	}
	return m.newEvaluator(ctx, opts, project)
}

func (m *EvaluatorManager) newEvaluator(ctx context.Context, opts *EvaluatorOptions, project *Project) (*Evaluator, error) {
	if opts == nil {
		opts = PreconfiguredOptions()
	}

	requestID := m.seq.Add(1)
	req := opts.toCreateRequest(requestID, project)

	resp, err := m.call(ctx, req, requestID)
	if err != nil {
		return nil, err
	}
	createResp, ok := resp.(*createEvaluatorResponse)
	if !ok {
		return nil, &ProtocolError{Message: fmt.Sprintf("unexpected response %T to CreateEvaluator", resp)}
	}
	if createResp.Error != "" {
		return nil, &InitError{Message: createResp.Error}
	}

	logger := opts.Logger
	if logger == nil {
		logger = m.logger
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = NewDecoder()
	}

	ev := &Evaluator{
		id:              createResp.EvaluatorID,
		manager:         m,
		moduleReaders:   opts.ModuleReaders,
		resourceReaders: opts.ResourceReaders,
		decoder:         decoder,
		logger:          logger,
	}

	m.mu.Lock()
	m.evaluators[ev.id] = ev
	m.mu.Unlock()
	return ev, nil
}

// send encodes and writes one message.  It never blocks on a response.
func (m *EvaluatorManager) send(msg outgoingMessage) error {
	p, err := encodeMsg(msg)
	if err != nil {
		return err
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()
	if err := m.tr.SendMsg(p); err != nil {
		return fmt.Errorf("failed to send message %#x: %w", msg.code(), err)
	}
	return nil
}

// call sends a request and blocks until the response bearing requestID
// arrives, the context is done, or the manager is poisoned.
func (m *EvaluatorManager) call(ctx context.Context, req outgoingMessage, requestID int64) (any, error) {
	ch := make(chan any, 1)

	m.mu.Lock()
	if m.closed {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	m.pending[requestID] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
	}()

	if err := m.send(req); err != nil {
		// The receive loop may already have noticed the dead
		// transport; its verdict is the better error.
		m.mu.Lock()
		if m.closed {
			err = m.err
		}
		m.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			m.mu.Lock()
			err := m.err
			m.mu.Unlock()
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// recvLoop is the single reader of the transport.  It runs until the
// transport fails or is closed, dispatching every inbound frame: responses
// are delivered to their pending request, server-initiated callbacks and
// log messages to their evaluator.  Callbacks are handled before the next
// frame is pulled, which keeps them ordered ahead of the response they
// unblock.
func (m *EvaluatorManager) recvLoop() {
	var loopErr error
	for {
		frame, err := m.tr.NextMsg()
		if err != nil {
			loopErr = err
			break
		}
		msg, err := decodeMsg(frame)
		if err != nil {
			loopErr = err
			break
		}

		switch msg := msg.(type) {
		case *createEvaluatorResponse:
			m.deliver(msg.RequestID, msg)
		case *evaluateResponse:
			m.deliver(msg.RequestID, msg)
		case *logMessage:
			// The server may keep logging briefly after an
			// evaluator closes; those messages still get a sink.
			if ev := m.lookup(msg.EvaluatorID); ev != nil {
				ev.handleLog(msg)
			} else {
				logTo(m.logger, msg)
			}
		case *readModuleRequest:
			if ev := m.lookup(msg.EvaluatorID); ev != nil {
				ev.handleReadModule(msg)
			} else {
				m.dropFrame(msg.EvaluatorID)
			}
		case *readResourceRequest:
			if ev := m.lookup(msg.EvaluatorID); ev != nil {
				ev.handleReadResource(msg)
			} else {
				m.dropFrame(msg.EvaluatorID)
			}
		case *listModulesRequest:
			if ev := m.lookup(msg.EvaluatorID); ev != nil {
				ev.handleListModules(msg)
			} else {
				m.dropFrame(msg.EvaluatorID)
			}
		case *listResourcesRequest:
			if ev := m.lookup(msg.EvaluatorID); ev != nil {
				ev.handleListResources(msg)
			} else {
				m.dropFrame(msg.EvaluatorID)
			}
		}
	}

	m.poison(loopErr)
}

// deliver hands a response to the request waiting on its id.
func (m *EvaluatorManager) deliver(requestID int64, msg any) {
	m.mu.Lock()
	ch, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()

	if !ok {
		log.Printf("pkl: dropping response with unknown request id %d", requestID)
		return
	}
	ch <- msg
}

func (m *EvaluatorManager) lookup(evaluatorID int64) *Evaluator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluators[evaluatorID]
}

func (m *EvaluatorManager) remove(evaluatorID int64) {
	m.mu.Lock()
	delete(m.evaluators, evaluatorID)
	m.mu.Unlock()
}

func (m *EvaluatorManager) dropFrame(evaluatorID int64) {
	log.Printf("pkl: dropping frame for unknown evaluator %d", evaluatorID)
}

// poison marks the manager closed and fails every in-flight request.
func (m *EvaluatorManager) poison(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.closing || cause == nil || cause == io.EOF {
		m.err = ErrClosed
	} else {
		m.err = fmt.Errorf("%w: %v", ErrClosed, cause)
		log.Printf("pkl: evaluator connection failed: %v", cause)
	}
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	for id, ev := range m.evaluators {
		ev.markClosed()
		delete(m.evaluators, id)
	}
	m.mu.Unlock()

	close(m.done)
	_ = m.tr.Close()
}

// Close terminates the evaluator process.  In-flight requests fail with
// ErrClosed.  Safe to call more than once.
func (m *EvaluatorManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	m.mu.Unlock()

	err := m.tr.Close()
	<-m.done
	return err
}
