package pkl

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"jwy.io/pkl/transport"
)

// fakeModuleReader serves fixed module text for one scheme.
type fakeModuleReader struct {
	scheme   string
	contents string
	err      error
	listed   []PathElement

	reads []string
}

func (r *fakeModuleReader) Scheme() string            { return r.scheme }
func (r *fakeModuleReader) HasHierarchicalUris() bool { return true }
func (r *fakeModuleReader) IsGlobbable() bool         { return true }
func (r *fakeModuleReader) IsLocal() bool             { return true }

func (r *fakeModuleReader) Read(uri *url.URL) (string, error) {
	r.reads = append(r.reads, uri.String())
	return r.contents, r.err
}

func (r *fakeModuleReader) ListElements(uri *url.URL) ([]PathElement, error) {
	return r.listed, r.err
}

// fakeResourceReader serves fixed bytes for one scheme.
type fakeResourceReader struct {
	scheme   string
	contents []byte
	err      error
}

func (r *fakeResourceReader) Scheme() string            { return r.scheme }
func (r *fakeResourceReader) HasHierarchicalUris() bool { return false }
func (r *fakeResourceReader) IsGlobbable() bool         { return false }

func (r *fakeResourceReader) Read(uri *url.URL) ([]byte, error) {
	return r.contents, r.err
}

func (r *fakeResourceReader) ListElements(uri *url.URL) ([]PathElement, error) {
	return nil, r.err
}

// callbackScript scripts a server that interrupts the first Evaluate with
// one callback frame and completes it when the callback response comes
// back.
type callbackScript struct {
	t            *testing.T
	callbackCode int
	callbackBody map[string]any
	responseCode int
	complete     func(evalReqID, evaluatorID int64) []byte

	evalReqID   int64
	evaluatorID int64
}

func (s *callbackScript) install(tr *transport.TestTransport) {
	scriptedServer(s.t, tr, func(code int64, body map[string]msgpack.RawMessage) [][]byte {
		switch code {
		case codeEvaluate:
			s.evalReqID = fieldInt64(s.t, body, "requestId")
			s.evaluatorID = fieldInt64(s.t, body, "evaluatorId")
			callback := map[string]any{"evaluatorId": s.evaluatorID}
			for k, v := range s.callbackBody {
				callback[k] = v
			}
			return [][]byte{serverFrame(s.t, s.callbackCode, callback)}
		case int64(s.responseCode):
			return [][]byte{s.complete(s.evalReqID, s.evaluatorID)}
		}
		return nil
	})
}

// The server asks for a module from a registered reader mid-evaluation
// and the response reuses the inbound ids verbatim.
func TestReadModuleCallback(t *testing.T) {
	reader := &fakeModuleReader{scheme: "customfs", contents: "foo = 1"}

	tr := transport.NewTestTransport()
	script := &callbackScript{
		t:            t,
		callbackCode: codeReadModule,
		callbackBody: map[string]any{"requestId": int64(4242), "uri": "customfs:/foo.pkl"},
		responseCode: codeReadModuleResponse,
		complete: func(evalReqID, evaluatorID int64) []byte {
			return serverFrame(t, codeEvaluateResponse, map[string]any{
				"requestId":   evalReqID,
				"evaluatorId": evaluatorID,
				"result":      mustPack(t, int64(1)),
			})
		},
	}
	script.install(tr)

	m := Open(tr)
	defer m.Close() // nolint:errcheck

	opts := PreconfiguredOptions()
	opts.ModuleReaders = []ModuleReader{reader}

	ev, err := m.NewEvaluator(context.Background(), opts)
	require.NoError(t, err)

	got, err := ev.Evaluate(context.Background(), TextSource(`import "customfs:/foo.pkl" as m; x = m.foo`), "x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
	assert.Equal(t, []string{"customfs:/foo.pkl"}, reader.reads)

	// The module response reused the server's request id and carried the
	// reader's contents.
	var moduleResp []byte
	for _, frame := range tr.Sent() {
		if code, _ := splitFrame(t, frame); code == codeReadModuleResponse {
			moduleResp = frame
		}
	}
	require.NotNil(t, moduleResp, "no ReadModuleResponse was sent")
	_, body := splitFrame(t, moduleResp)
	assert.Equal(t, int64(4242), fieldInt64(t, body, "requestId"))
	assert.Equal(t, ev.ID(), fieldInt64(t, body, "evaluatorId"))
	assert.Equal(t, "foo = 1", fieldString(t, body, "contents"))
	_, hasErr := body["error"]
	assert.False(t, hasErr, "contents and error are mutually exclusive")
}

func TestReadModuleNoReaderForScheme(t *testing.T) {
	tr := transport.NewTestTransport()
	script := &callbackScript{
		t:            t,
		callbackCode: codeReadModule,
		callbackBody: map[string]any{"requestId": int64(7), "uri": "unknownscheme:/foo.pkl"},
		responseCode: codeReadModuleResponse,
		complete: func(evalReqID, evaluatorID int64) []byte {
			return serverFrame(t, codeEvaluateResponse, map[string]any{
				"requestId":   evalReqID,
				"evaluatorId": evaluatorID,
				"error":       "module not found",
			})
		},
	}
	script.install(tr)

	m := Open(tr)
	defer m.Close() // nolint:errcheck

	ev, err := m.NewEvaluator(context.Background(), PreconfiguredOptions())
	require.NoError(t, err)

	_, err = ev.EvaluateModule(context.Background(), TextSource("x = 1"))
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)

	// The callback was answered with an error, not a payload.
	var found bool
	for _, frame := range tr.Sent() {
		if code, body := splitFrame(t, frame); code == codeReadModuleResponse {
			found = true
			assert.Contains(t, fieldString(t, body, "error"), `no reader for scheme "unknownscheme"`)
			_, hasContents := body["contents"]
			assert.False(t, hasContents)
		}
	}
	assert.True(t, found)
}

// A reader failure is reported to the server as data and leaves the
// evaluator usable for the next request.
func TestReaderErrorKeepsSessionUsable(t *testing.T) {
	reader := &fakeModuleReader{scheme: "customfs", err: errors.New("disk on fire")}

	var evalReqID, evaluatorID int64
	var calls int
	tr := transport.NewTestTransport()
	scriptedServer(t, tr, func(code int64, body map[string]msgpack.RawMessage) [][]byte {
		switch code {
		case codeEvaluate:
			calls++
			evalReqID = fieldInt64(t, body, "requestId")
			evaluatorID = fieldInt64(t, body, "evaluatorId")
			if calls == 1 {
				return [][]byte{serverFrame(t, codeReadModule, map[string]any{
					"requestId":   int64(100),
					"evaluatorId": evaluatorID,
					"uri":         "customfs:/foo.pkl",
				})}
			}
			return [][]byte{serverFrame(t, codeEvaluateResponse, map[string]any{
				"requestId":   evalReqID,
				"evaluatorId": evaluatorID,
				"result":      mustPack(t, "second try"),
			})}
		case codeReadModuleResponse:
			assert.Equal(t, "disk on fire", fieldString(t, body, "error"))
			return [][]byte{serverFrame(t, codeEvaluateResponse, map[string]any{
				"requestId":   evalReqID,
				"evaluatorId": evaluatorID,
				"error":       "disk on fire",
			})}
		}
		return nil
	})

	m := Open(tr)
	defer m.Close() // nolint:errcheck

	opts := PreconfiguredOptions()
	opts.ModuleReaders = []ModuleReader{reader}

	ev, err := m.NewEvaluator(context.Background(), opts)
	require.NoError(t, err)

	_, err = ev.EvaluateModule(context.Background(), TextSource("x = 1"))
	require.Error(t, err)

	got, err := ev.EvaluateModule(context.Background(), TextSource("x = 2"))
	require.NoError(t, err)
	assert.Equal(t, "second try", got)
}

func TestReadResourceCallback(t *testing.T) {
	reader := &fakeResourceReader{scheme: "secrets", contents: []byte{0xDE, 0xAD}}

	tr := transport.NewTestTransport()
	script := &callbackScript{
		t:            t,
		callbackCode: codeReadResource,
		callbackBody: map[string]any{"requestId": int64(8), "uri": "secrets:dbPassword"},
		responseCode: codeReadResourceResponse,
		complete: func(evalReqID, evaluatorID int64) []byte {
			return serverFrame(t, codeEvaluateResponse, map[string]any{
				"requestId":   evalReqID,
				"evaluatorId": evaluatorID,
				"result":      mustPack(t, "ok"),
			})
		},
	}
	script.install(tr)

	m := Open(tr)
	defer m.Close() // nolint:errcheck

	opts := PreconfiguredOptions()
	opts.ResourceReaders = []ResourceReader{reader}

	ev, err := m.NewEvaluator(context.Background(), opts)
	require.NoError(t, err)

	_, err = ev.EvaluateModule(context.Background(), TextSource(`x = read("secrets:dbPassword")`))
	require.NoError(t, err)

	var found bool
	for _, frame := range tr.Sent() {
		if code, body := splitFrame(t, frame); code == codeReadResourceResponse {
			found = true
			assert.Equal(t, int64(8), fieldInt64(t, body, "requestId"))
			var contents []byte
			require.NoError(t, msgpack.Unmarshal(body["contents"], &contents))
			assert.Equal(t, []byte{0xDE, 0xAD}, contents)
		}
	}
	assert.True(t, found)
}

func TestListModulesCallback(t *testing.T) {
	reader := &fakeModuleReader{
		scheme: "customfs",
		listed: []PathElement{
			{Name: "foo.pkl", IsDirectory: false},
			{Name: "bar", IsDirectory: true},
		},
	}

	tr := transport.NewTestTransport()
	script := &callbackScript{
		t:            t,
		callbackCode: codeListModules,
		callbackBody: map[string]any{"requestId": int64(9), "uri": "customfs:/"},
		responseCode: codeListModulesResponse,
		complete: func(evalReqID, evaluatorID int64) []byte {
			return serverFrame(t, codeEvaluateResponse, map[string]any{
				"requestId":   evalReqID,
				"evaluatorId": evaluatorID,
				"result":      mustPack(t, "ok"),
			})
		},
	}
	script.install(tr)

	m := Open(tr)
	defer m.Close() // nolint:errcheck

	opts := PreconfiguredOptions()
	opts.ModuleReaders = []ModuleReader{reader}

	ev, err := m.NewEvaluator(context.Background(), opts)
	require.NoError(t, err)

	_, err = ev.EvaluateModule(context.Background(), TextSource(`x = import*("customfs:/*.pkl")`))
	require.NoError(t, err)

	var found bool
	for _, frame := range tr.Sent() {
		if code, body := splitFrame(t, frame); code == codeListModulesResponse {
			found = true
			var elements []PathElement
			require.NoError(t, msgpack.Unmarshal(body["pathElements"], &elements))
			assert.Equal(t, reader.listed, elements)
		}
	}
	assert.True(t, found)
}

type panickyModuleReader struct{}

func (panickyModuleReader) Scheme() string            { return "boom" }
func (panickyModuleReader) HasHierarchicalUris() bool { return true }
func (panickyModuleReader) IsGlobbable() bool         { return false }
func (panickyModuleReader) IsLocal() bool             { return false }

func (panickyModuleReader) Read(uri *url.URL) (string, error) {
	panic("unexpected uri")
}

func (panickyModuleReader) ListElements(uri *url.URL) ([]PathElement, error) {
	return nil, nil
}

func TestReaderPanicBecomesErrorResponse(t *testing.T) {
	tr := transport.NewTestTransport()
	script := &callbackScript{
		t:            t,
		callbackCode: codeReadModule,
		callbackBody: map[string]any{"requestId": int64(11), "uri": "boom:/x.pkl"},
		responseCode: codeReadModuleResponse,
		complete: func(evalReqID, evaluatorID int64) []byte {
			return serverFrame(t, codeEvaluateResponse, map[string]any{
				"requestId":   evalReqID,
				"evaluatorId": evaluatorID,
				"error":       "read failed",
			})
		},
	}
	script.install(tr)

	m := Open(tr)
	defer m.Close() // nolint:errcheck

	opts := PreconfiguredOptions()
	opts.ModuleReaders = []ModuleReader{panickyModuleReader{}}

	ev, err := m.NewEvaluator(context.Background(), opts)
	require.NoError(t, err)

	_, err = ev.EvaluateModule(context.Background(), TextSource("x = 1"))
	require.Error(t, err)

	var found bool
	for _, frame := range tr.Sent() {
		if code, body := splitFrame(t, frame); code == codeReadModuleResponse {
			found = true
			assert.Contains(t, fieldString(t, body, "error"), "reader panicked")
		}
	}
	assert.True(t, found)
}

func TestEvaluatorClose(t *testing.T) {
	tr := transport.NewTestTransport()
	scriptedServer(t, tr, nil)

	m := Open(tr)
	defer m.Close() // nolint:errcheck

	ev, err := m.NewEvaluator(context.Background(), PreconfiguredOptions())
	require.NoError(t, err)

	require.NoError(t, ev.Close())
	require.NoError(t, ev.Close())

	// Exactly one CloseEvaluator frame went out.
	var closes int
	for _, frame := range tr.Sent() {
		if code, body := splitFrame(t, frame); code == codeCloseEvaluator {
			closes++
			assert.Equal(t, ev.ID(), fieldInt64(t, body, "evaluatorId"))
		}
	}
	assert.Equal(t, 1, closes)

	_, err = ev.EvaluateModule(context.Background(), TextSource("x = 1"))
	assert.ErrorIs(t, err, ErrEvaluatorClosed)
}
