package errorx

import "github.com/drzln/curupira/pkg/mcp"

// ToJSONRPC maps err to a JSON-RPC error object for the assistant side
func ToJSONRPC(err error) mcp.JSONRPCError {
	e, ok := As(err)
	if !ok {
		return mcp.JSONRPCError{
			Code:    mcp.ErrorCodeInternalError,
			Message: err.Error(),
		}
	}

	code := mcp.ErrorCodeInternalError
	switch e.Category {
	case CategoryValidation, CategoryNotFound:
		code = mcp.ErrorCodeInvalidParams
	case CategoryConnection, CategorySession:
		code = mcp.ErrorCodeConnectionClosed
	case CategoryTimeout:
		code = mcp.ErrorCodeRequestTimeout
	}

	data := map[string]any{
		"code":     e.Code,
		"category": string(e.Category),
	}
	for k, v := range e.Details {
		data[k] = v
	}
	return mcp.JSONRPCError{
		Code:    code,
		Message: e.Error(),
		Data:    data,
	}
}
