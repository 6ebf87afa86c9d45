package command

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/ibs-source/command/engine/golang/pkg/jsonx"
)

// Codec encodes and decodes State blobs. Polymorphic slots (Params,
// Result) are written as {"@type": tag, "value": ...}; the registry of
// concrete Go types resolves the tag on decode, so callers get back the
// original runtime type without passing hints.
//
// Handlers re-register on every replica before the engine starts, which
// keeps the registry equal on the producing and consuming side. A tag
// that is not registered decodes leniently into a generic value; the
// consume loop rejects it later when the declared params type does not
// match.
type Codec struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewCodec creates an empty codec.
func NewCodec() *Codec {
	return &Codec{types: make(map[string]reflect.Type)}
}

// Register records the concrete type of the prototype and returns its
// tag. Registering the same type again is a no-op.
func (c *Codec) Register(prototype any) string {
	t := concreteType(reflect.TypeOf(prototype))
	tag := t.String()

	c.mu.Lock()
	c.types[tag] = t
	c.mu.Unlock()
	return tag
}

func (c *Codec) lookup(tag string) (reflect.Type, bool) {
	c.mu.RLock()
	t, ok := c.types[tag]
	c.mu.RUnlock()
	return t, ok
}

func concreteType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// stateEnvelope is the wire form of State.
type stateEnvelope struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      Status         `json:"status"`
	Params      *polyValue     `json:"params,omitempty"`
	Result      *polyValue     `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// polyValue carries a polymorphic value with its type discriminator.
type polyValue struct {
	Type  string           `json:"@type"`
	Value jsonx.RawMessage `json:"value"`
}

// Encode serializes a State. The concrete types of Params and Result
// are registered as a side effect so that a same-process decode always
// resolves them.
func (c *Codec) Encode(s State) ([]byte, error) {
	params, err := c.encodePoly(s.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params of command %s: %w", s.ID, err)
	}
	result, err := c.encodePoly(s.Result)
	if err != nil {
		return nil, fmt.Errorf("encode result of command %s: %w", s.ID, err)
	}

	env := stateEnvelope{
		ID:          s.ID,
		Type:        s.Type,
		Status:      s.Status,
		Params:      params,
		Result:      result,
		Error:       s.Error,
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
	return jsonx.Marshal(env)
}

// Decode parses a State blob. Unknown top-level fields are ignored;
// malformed payloads fail.
func (c *Codec) Decode(data []byte) (State, error) {
	var env stateEnvelope
	if err := jsonx.Unmarshal(data, &env); err != nil {
		return State{}, fmt.Errorf("decode command state: %w", err)
	}
	if env.ID == "" {
		return State{}, fmt.Errorf("decode command state: missing id")
	}

	params, err := c.decodePoly(env.Params)
	if err != nil {
		return State{}, fmt.Errorf("decode params of command %s: %w", env.ID, err)
	}
	result, err := c.decodePoly(env.Result)
	if err != nil {
		return State{}, fmt.Errorf("decode result of command %s: %w", env.ID, err)
	}

	return State{
		ID:          env.ID,
		Type:        env.Type,
		Status:      env.Status,
		Params:      params,
		Result:      result,
		Error:       env.Error,
		CreatedAt:   env.CreatedAt,
		StartedAt:   env.StartedAt,
		CompletedAt: env.CompletedAt,
	}, nil
}

func (c *Codec) encodePoly(v any) (*polyValue, error) {
	if v == nil {
		return nil, nil
	}
	tag := c.Register(v)
	raw, err := jsonx.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &polyValue{Type: tag, Value: raw}, nil
}

func (c *Codec) decodePoly(p *polyValue) (any, error) {
	if p == nil {
		return nil, nil
	}
	t, ok := c.lookup(p.Type)
	if !ok {
		// Lenient path for tags this replica never registered.
		var generic any
		if err := jsonx.Unmarshal(p.Value, &generic); err != nil {
			return nil, err
		}
		return generic, nil
	}

	out := reflect.New(t)
	if err := jsonx.Unmarshal(p.Value, out.Interface()); err != nil {
		return nil, err
	}
	return out.Elem().Interface(), nil
}
