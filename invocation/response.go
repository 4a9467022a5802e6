package invocation

import "highway-rpc/rpcerror"

// Response is the outcome of an invocation: a value or a structured error.
type Response struct {
	Value any
	Err   error
}

func Success(v any) *Response {
	return &Response{Value: v}
}

// Failure wraps err as a structured error; unstructured errors become INTERNAL.
func Failure(err error) *Response {
	if err == nil {
		err = rpcerror.New(rpcerror.CodeInternal, "failure without error")
	}
	return &Response{Err: rpcerror.From(err)}
}

func (r *Response) Failed() bool {
	return r != nil && r.Err != nil
}

// Error returns the structured error, or nil on success.
func (r *Response) Error() *rpcerror.Error {
	if r == nil || r.Err == nil {
		return nil
	}
	return rpcerror.From(r.Err)
}

// Code returns the error code, or "" on success.
func (r *Response) Code() rpcerror.Code {
	if e := r.Error(); e != nil {
		return e.Code
	}
	return ""
}
