package rpc

import (
	"fmt"

	"github.com/fortiblox/handheld/pkg/asm"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Server error codes.
const (
	// NoRepair indicates no single flip makes the program halt.
	NoRepair = -32001

	// RecordNotFound indicates no stored analysis exists for a hash.
	RecordNotFound = -32002

	// SyntaxError indicates the program text could not be parsed.
	SyntaxError = -32003

	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32005
)

// Common error messages.
var (
	ErrParseError     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams  = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError  = NewRPCError(InternalError, "Internal error")
	ErrRecordNotFound = NewRPCError(RecordNotFound, "Record not found")
	ErrNodeUnhealthy  = NewRPCError(NodeUnhealthy, "Node is unhealthy")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// NoRepairError creates an error for a program no single flip can fix.
func NoRepairError(hash string, err error) *RPCError {
	return NewRPCErrorWithData(NoRepair, err.Error(), map[string]string{"hash": hash})
}

// ProgramSyntaxError creates an error for unparseable program text.
func ProgramSyntaxError(err *asm.SyntaxError) *RPCError {
	return NewRPCErrorWithData(SyntaxError,
		fmt.Sprintf("Syntax error on line %d: %v", err.Line, err.Err),
		map[string]interface{}{"line": err.Line, "text": err.Text})
}
