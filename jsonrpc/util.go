package jsonrpc

import (
	"encoding/json"

	log "github.com/nvmexp/lw-firmware-sub127/log"
)

// Transport-level error codes. Handlers use their own codes above these.
const (
	CodeParse          = -32700
	CodeUnknownCommand = -32601
	CodeBadParameter   = -32602
)

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Response is the envelope every command answers with.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

func ErrorResponse(code int, err error) *Response {
	return &Response{Error: &Error{Code: code, Message: err.Error()}}
}

// ResultResponse wraps v as a successful answer.
func ResultResponse(v interface{}) *Response {
	b, err := json.Marshal(v)
	if err != nil {
		return ErrorResponse(CodeParse, err)
	}
	return &Response{Result: b}
}

func PrepareJSONResponse(v interface{}) ([]byte, error) {
	jsonResponse, err := json.Marshal(v)
	if err != nil {
		log.Errorf("err %v", err)
		return nil, err
	}
	n := len(jsonResponse)
	if n > 0 {
		if jsonResponse[n-1] != '\n' {
			jsonResponse = append(jsonResponse, '\n')
		}
	}
	return jsonResponse, nil
}
