package pkl

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Evaluator is a handle on one evaluator instance inside the shared child
// process.  It submits evaluation requests and answers the read and list
// callbacks the server issues while an evaluation is in flight.
type Evaluator struct {
	id      int64
	manager *EvaluatorManager

	moduleReaders   []ModuleReader
	resourceReaders []ResourceReader
	decoder         *Decoder
	logger          Logger

	mu     sync.Mutex
	closed bool
}

// ID returns the server-assigned evaluator id.
func (e *Evaluator) ID() int64 { return e.id }

// Evaluate evaluates expr within the given module and decodes the result.
// An empty expr evaluates the module itself.
func (e *Evaluator) Evaluate(ctx context.Context, source *ModuleSource, expr string) (any, error) {
	result, err := e.evaluateRaw(ctx, source, expr)
	if err != nil {
		return nil, err
	}
	return e.decoder.Decode(result)
}

// EvaluateModule evaluates the whole module.
func (e *Evaluator) EvaluateModule(ctx context.Context, source *ModuleSource) (any, error) {
	return e.Evaluate(ctx, source, "")
}

// EvaluateOutputText evaluates the module's `output` property.
func (e *Evaluator) EvaluateOutputText(ctx context.Context, source *ModuleSource) (any, error) {
	return e.Evaluate(ctx, source, "output")
}

// EvaluateOutputFiles evaluates the text of each of the module's output
// files, keyed by file name.
func (e *Evaluator) EvaluateOutputFiles(ctx context.Context, source *ModuleSource) (any, error) {
	return e.Evaluate(ctx, source, "output.files.toMap().mapValues((_, it) -> it.text)")
}

// EvaluateOutputValue evaluates the module's `output.value` property.
func (e *Evaluator) EvaluateOutputValue(ctx context.Context, source *ModuleSource) (any, error) {
	return e.Evaluate(ctx, source, "output.value")
}

// evaluateRaw runs one Evaluate round trip and returns the undecoded result
// payload.
func (e *Evaluator) evaluateRaw(ctx context.Context, source *ModuleSource, expr string) ([]byte, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrEvaluatorClosed
	}

	requestID := e.manager.seq.Add(1)
	req := &evaluateRequest{
		RequestID:   requestID,
		EvaluatorID: e.id,
		ModuleURI:   source.URI,
		ModuleText:  source.Text,
		Expr:        expr,
	}

	resp, err := e.manager.call(ctx, req, requestID)
	if err != nil {
		return nil, err
	}
	evalResp, ok := resp.(*evaluateResponse)
	if !ok {
		return nil, &ProtocolError{Message: fmt.Sprintf("unexpected response %T to Evaluate", resp)}
	}
	if evalResp.Error != "" {
		return nil, &EvalError{Message: evalResp.Error}
	}
	return evalResp.Result, nil
}

// Close releases the server-side evaluator.  Idempotent; subsequent
// evaluations fail with ErrEvaluatorClosed.
func (e *Evaluator) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.manager.remove(e.id)
	return e.manager.send(&closeEvaluator{EvaluatorID: e.id})
}

func (e *Evaluator) markClosed() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Server-initiated callbacks.  Each handler resolves a reader, runs it
// guarded, and sends back either a payload or an error string; a reader
// failure is data for the server, never a local fault.  The response reuses
// the inbound request and evaluator ids verbatim.

func (e *Evaluator) handleReadModule(msg *readModuleRequest) {
	resp := &readModuleResponse{RequestID: msg.RequestID, EvaluatorID: msg.EvaluatorID}
	reader, uri, err := findReader(e.moduleReaders, msg.URI)
	if err == nil {
		resp.Contents, err = runGuarded(func() (string, error) { return reader.Read(uri) })
	}
	if err != nil {
		resp.Contents = ""
		resp.Error = err.Error()
	}
	e.respond(resp)
}

func (e *Evaluator) handleReadResource(msg *readResourceRequest) {
	resp := &readResourceResponse{RequestID: msg.RequestID, EvaluatorID: msg.EvaluatorID}
	reader, uri, err := findReader(e.resourceReaders, msg.URI)
	if err == nil {
		resp.Contents, err = runGuarded(func() ([]byte, error) { return reader.Read(uri) })
	}
	if err != nil {
		resp.Contents = nil
		resp.Error = err.Error()
	}
	e.respond(resp)
}

func (e *Evaluator) handleListModules(msg *listModulesRequest) {
	resp := &listModulesResponse{RequestID: msg.RequestID, EvaluatorID: msg.EvaluatorID}
	reader, uri, err := findReader(e.moduleReaders, msg.URI)
	if err == nil {
		resp.PathElements, err = runGuarded(func() ([]PathElement, error) { return reader.ListElements(uri) })
	}
	if err != nil {
		resp.PathElements = nil
		resp.Error = err.Error()
	}
	e.respond(resp)
}

func (e *Evaluator) handleListResources(msg *listResourcesRequest) {
	resp := &listResourcesResponse{RequestID: msg.RequestID, EvaluatorID: msg.EvaluatorID}
	reader, uri, err := findReader(e.resourceReaders, msg.URI)
	if err == nil {
		resp.PathElements, err = runGuarded(func() ([]PathElement, error) { return reader.ListElements(uri) })
	}
	if err != nil {
		resp.PathElements = nil
		resp.Error = err.Error()
	}
	e.respond(resp)
}

func (e *Evaluator) respond(msg outgoingMessage) {
	if err := e.manager.send(msg); err != nil {
		log.Printf("pkl: failed to send reader response: %v", err)
	}
}

func (e *Evaluator) handleLog(msg *logMessage) {
	logTo(e.logger, msg)
}

func logTo(logger Logger, msg *logMessage) {
	switch msg.Level {
	case 0:
		logger.Trace(msg.Message, msg.FrameURI)
	case 1:
		logger.Warn(msg.Message, msg.FrameURI)
	default:
		log.Printf("pkl: log message with unknown level %d: %s (%s)", msg.Level, msg.Message, msg.FrameURI)
	}
}

// runGuarded runs a reader operation, converting a panic into an error.
func runGuarded[T any](fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reader panicked: %v", r)
		}
	}()
	return fn()
}
