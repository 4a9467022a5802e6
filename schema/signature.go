// Package schema compiles an operation's typed signature into a binary wire schema.
//
// The wire form is plain protobuf, produced without generated code:
//
//	add(int a, int b) -> int
//
//	request  (WrapArguments):        { 1: a, 2: b }
//	response (wrapped result):       { 1: result }
//
//	login(LoginRequest req) -> LoginReply
//
//	request  (PassthroughArgument):  LoginRequest's own fields, no extra nesting
//	response (passthrough result):   LoginReply's own fields
//
// Zero scalars and nil arguments are omitted from the wire and decode back to zero
// values. Unknown fields are skipped so newer peers can add fields safely.
package schema

import "fmt"

// OperationSignature is the contract of one remote operation. It is produced by contract
// discovery (see package contract) and never modified afterwards.
type OperationSignature struct {
	ID        uint32 // Numeric operation id carried in every frame header
	Service   string
	Name      string
	Arguments []Argument
	Result    string // Type name of the return value, "" for none
}

// Argument is one positional argument.
type Argument struct {
	Name        string
	Type        string
	FieldNumber int // 0 means "position + 1"
}

// QualifiedName returns "service.operation".
func (s *OperationSignature) QualifiedName() string {
	if s.Service == "" {
		return s.Name
	}
	return s.Service + "." + s.Name
}

func (s *OperationSignature) String() string {
	return fmt.Sprintf("%s#%d", s.QualifiedName(), s.ID)
}

// MessageType describes a structured type that can appear as an argument, a result or a field.
type MessageType struct {
	Name   string
	Fields []Field
}

// Field is one field of a MessageType. Numbers must be unique within the message.
type Field struct {
	Name   string
	Number int
	Type   string
}

// Message is the runtime value of a message type, keyed by field name.
// Decoded messages always contain every declared field.
type Message map[string]any
