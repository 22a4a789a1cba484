package pkl

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Message codes of the evaluator protocol.  Every wire message is a
// two-element message-pack array [code, body] where body is a map of named
// fields.
const (
	codeNewEvaluator           = 0x20
	codeNewEvaluatorResponse   = 0x21
	codeCloseEvaluator         = 0x22
	codeEvaluate               = 0x23
	codeEvaluateResponse       = 0x24
	codeEvaluateLog            = 0x25
	codeReadResource           = 0x26
	codeReadResourceResponse   = 0x27
	codeReadModule             = 0x28
	codeReadModuleResponse     = 0x29
	codeListResources          = 0x2A
	codeListResourcesResponse  = 0x2B
	codeListModules            = 0x2C
	codeListModulesResponse    = 0x2D
)

type outgoingMessage interface {
	code() int
}

// clientModuleReader describes a client-side module reader to the server.
type clientModuleReader struct {
	Scheme              string `msgpack:"scheme"`
	HasHierarchicalUris bool   `msgpack:"hasHierarchicalUris"`
	IsGlobbable         bool   `msgpack:"isGlobbable"`
	IsLocal             bool   `msgpack:"isLocal"`
}

// clientResourceReader describes a client-side resource reader to the
// server.
type clientResourceReader struct {
	Scheme              string `msgpack:"scheme"`
	HasHierarchicalUris bool   `msgpack:"hasHierarchicalUris"`
	IsGlobbable         bool   `msgpack:"isGlobbable"`
}

type createEvaluator struct {
	RequestID             int64                  `msgpack:"requestId"`
	AllowedModules        []string               `msgpack:"allowedModules,omitempty"`
	AllowedResources      []string               `msgpack:"allowedResources,omitempty"`
	ClientModuleReaders   []clientModuleReader   `msgpack:"clientModuleReaders,omitempty"`
	ClientResourceReaders []clientResourceReader `msgpack:"clientResourceReaders,omitempty"`
	ModulePaths           []string               `msgpack:"modulePaths,omitempty"`
	Env                   map[string]string      `msgpack:"env,omitempty"`
	Properties            map[string]string      `msgpack:"properties,omitempty"`
	TimeoutSeconds        int64                  `msgpack:"timeoutSeconds,omitempty"`
	RootDir               string                 `msgpack:"rootDir,omitempty"`
	CacheDir              string                 `msgpack:"cacheDir,omitempty"`
	OutputFormat          string                 `msgpack:"outputFormat,omitempty"`
	Project               *Project               `msgpack:"project,omitempty"`
}

func (*createEvaluator) code() int { return codeNewEvaluator }

type closeEvaluator struct {
	EvaluatorID int64 `msgpack:"evaluatorId"`
}

func (*closeEvaluator) code() int { return codeCloseEvaluator }

type evaluateRequest struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	ModuleURI   string `msgpack:"moduleUri"`
	ModuleText  string `msgpack:"moduleText,omitempty"`
	Expr        string `msgpack:"expr,omitempty"`
}

func (*evaluateRequest) code() int { return codeEvaluate }

type readResourceResponse struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	Contents    []byte `msgpack:"contents,omitempty"`
	Error       string `msgpack:"error,omitempty"`
}

func (*readResourceResponse) code() int { return codeReadResourceResponse }

type readModuleResponse struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	Contents    string `msgpack:"contents,omitempty"`
	Error       string `msgpack:"error,omitempty"`
}

func (*readModuleResponse) code() int { return codeReadModuleResponse }

type listResourcesResponse struct {
	RequestID    int64         `msgpack:"requestId"`
	EvaluatorID  int64         `msgpack:"evaluatorId"`
	PathElements []PathElement `msgpack:"pathElements,omitempty"`
	Error        string        `msgpack:"error,omitempty"`
}

func (*listResourcesResponse) code() int { return codeListResourcesResponse }

type listModulesResponse struct {
	RequestID    int64         `msgpack:"requestId"`
	EvaluatorID  int64         `msgpack:"evaluatorId"`
	PathElements []PathElement `msgpack:"pathElements,omitempty"`
	Error        string        `msgpack:"error,omitempty"`
}

func (*listModulesResponse) code() int { return codeListModulesResponse }

type createEvaluatorResponse struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	Error       string `msgpack:"error"`
}

type evaluateResponse struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	Result      []byte `msgpack:"result"`
	Error       string `msgpack:"error"`
}

type logMessage struct {
	EvaluatorID int64  `msgpack:"evaluatorId"`
	Level       int    `msgpack:"level"`
	Message     string `msgpack:"message"`
	FrameURI    string `msgpack:"frameUri"`
}

type readResourceRequest struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	URI         string `msgpack:"uri"`
}

type readModuleRequest struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	URI         string `msgpack:"uri"`
}

type listResourcesRequest struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	URI         string `msgpack:"uri"`
}

type listModulesRequest struct {
	RequestID   int64  `msgpack:"requestId"`
	EvaluatorID int64  `msgpack:"evaluatorId"`
	URI         string `msgpack:"uri"`
}

// encodeMsg serializes an outbound message as [code, body].  Absent optional
// fields are omitted from the body map entirely.
func encodeMsg(msg outgoingMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(2); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(msg.code())); err != nil {
		return nil, err
	}
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("failed to encode message %#x: %w", msg.code(), err)
	}
	return buf.Bytes(), nil
}

// decodeMsg parses one inbound frame into its typed message.  Missing
// optional fields are tolerated; an unknown code is a protocol error.
func decodeMsg(frame []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(frame))

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed frame: %v", err)}
	}
	if n != 2 {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed frame: expected [code, body], got %d elements", n)}
	}
	code, err := dec.DecodeInt()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed message code: %v", err)}
	}

	var msg any
	switch code {
	case codeNewEvaluatorResponse:
		msg = new(createEvaluatorResponse)
	case codeEvaluateResponse:
		msg = new(evaluateResponse)
	case codeEvaluateLog:
		msg = new(logMessage)
	case codeReadResource:
		msg = new(readResourceRequest)
	case codeReadModule:
		msg = new(readModuleRequest)
	case codeListResources:
		msg = new(listResourcesRequest)
	case codeListModules:
		msg = new(listModulesRequest)
	default:
		return nil, &ProtocolError{Message: fmt.Sprintf("unknown message code %#x", code)}
	}

	if err := dec.Decode(msg); err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed message %#x: %v", code, err)}
	}
	return msg, nil
}
