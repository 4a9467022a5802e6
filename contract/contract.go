// Package contract loads operation signatures from YAML contract files, the
// explicit replacement for discovering them from annotated code.
//
//	messages:
//	  - name: Point
//	    fields:
//	      - {name: x, number: 1, type: int}
//	      - {name: y, number: 2, type: int}
//	services:
//	  - name: calc
//	    operations:
//	      - id: 1
//	        name: add
//	        arguments: [{name: a, type: int}, {name: b, type: int}]
//	        result: int
package contract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"highway-rpc/schema"
)

type fieldDoc struct {
	Name   string `yaml:"name"`
	Number int    `yaml:"number"`
	Type   string `yaml:"type"`
}

type messageDoc struct {
	Name   string     `yaml:"name"`
	Fields []fieldDoc `yaml:"fields"`
}

type argumentDoc struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Number int    `yaml:"number,omitempty"`
}

type operationDoc struct {
	ID        uint32        `yaml:"id"`
	Name      string        `yaml:"name"`
	Arguments []argumentDoc `yaml:"arguments"`
	Result    string        `yaml:"result"`
}

type serviceDoc struct {
	Name       string         `yaml:"name"`
	Operations []operationDoc `yaml:"operations"`
}

type document struct {
	Messages []messageDoc `yaml:"messages"`
	Services []serviceDoc `yaml:"services"`
}

// Contract is a parsed, validated contract file.
type Contract struct {
	messages []schema.MessageType
	services map[string][]*schema.OperationSignature
	byName   map[string]*schema.OperationSignature // "service.operation"
}

// LoadFile reads the contract at path.
func LoadFile(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract: %w", err)
	}
	c, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Load parses a contract. Unknown keys, duplicate names and duplicate or zero
// operation ids are rejected.
func Load(r io.Reader) (*Contract, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse contract: %w", err)
	}

	c := &Contract{
		services: make(map[string][]*schema.OperationSignature),
		byName:   make(map[string]*schema.OperationSignature),
	}
	for _, m := range doc.Messages {
		mt := schema.MessageType{Name: m.Name}
		for _, f := range m.Fields {
			mt.Fields = append(mt.Fields, schema.Field{Name: f.Name, Number: f.Number, Type: f.Type})
		}
		c.messages = append(c.messages, mt)
	}

	ids := make(map[uint32]string)
	for _, svc := range doc.Services {
		if svc.Name == "" {
			return nil, errors.New("service without a name")
		}
		if _, dup := c.services[svc.Name]; dup {
			return nil, fmt.Errorf("service %s declared twice", svc.Name)
		}
		sigs := make([]*schema.OperationSignature, 0, len(svc.Operations))
		for _, op := range svc.Operations {
			sig := &schema.OperationSignature{ID: op.ID, Service: svc.Name, Name: op.Name, Result: op.Result}
			for _, a := range op.Arguments {
				sig.Arguments = append(sig.Arguments, schema.Argument{Name: a.Name, Type: a.Type, FieldNumber: a.Number})
			}
			if op.Name == "" {
				return nil, fmt.Errorf("service %s: operation without a name", svc.Name)
			}
			if op.ID == 0 {
				return nil, fmt.Errorf("operation %s: id must be positive", sig.QualifiedName())
			}
			if prev, dup := ids[op.ID]; dup {
				return nil, fmt.Errorf("operation %s: id %d already used by %s", sig.QualifiedName(), op.ID, prev)
			}
			if _, dup := c.byName[sig.QualifiedName()]; dup {
				return nil, fmt.Errorf("operation %s declared twice", sig.QualifiedName())
			}
			ids[op.ID] = sig.QualifiedName()
			c.byName[sig.QualifiedName()] = sig
			sigs = append(sigs, sig)
		}
		c.services[svc.Name] = sigs
	}
	return c, nil
}

// Register adds the contract's message types to reg.
func (c *Contract) Register(reg *schema.Registry) error {
	for _, mt := range c.messages {
		if err := reg.RegisterMessage(mt); err != nil {
			return err
		}
	}
	return nil
}

// Signatures returns every operation, grouped by service in name order.
func (c *Contract) Signatures() []*schema.OperationSignature {
	var all []*schema.OperationSignature
	for _, name := range c.Services() {
		all = append(all, c.services[name]...)
	}
	return all
}

// Services lists the service names in sorted order.
func (c *Contract) Services() []string {
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Service returns the operations of one service in declaration order.
func (c *Contract) Service(name string) ([]*schema.OperationSignature, bool) {
	sigs, ok := c.services[name]
	return sigs, ok
}

// Lookup finds an operation by its "service.operation" name.
func (c *Contract) Lookup(qualifiedName string) (*schema.OperationSignature, bool) {
	sig, ok := c.byName[qualifiedName]
	return sig, ok
}
