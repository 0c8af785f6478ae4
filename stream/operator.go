package stream

import "github.com/millrace/weir/internal/command"

// Operator is the base interface for all stream operators that participate
// in checkpointing.
type Operator interface {
	// ID returns the unique identifier of the operator instance.
	ID() string
	// Apply applies a data event to the operator's state.
	Apply(event Event) error
	// State exposes the operator's keyed state for freezing and restore.
	State() *KeyedState
}

// BaseOperator carries the identity and keyed state shared by all
// operators.
type BaseOperator struct {
	id    string
	state *KeyedState
}

func NewBaseOperator(id string) *BaseOperator {
	return &BaseOperator{
		id:    id,
		state: NewKeyedState(),
	}
}

func (o *BaseOperator) ID() string {
	return o.id
}

func (o *BaseOperator) State() *KeyedState {
	return o.state
}

// Apply stores the event value under its key. Specific operators override
// this with their own semantics.
func (o *BaseOperator) Apply(event Event) error {
	o.state.Put(event.Key, event.Value)
	return nil
}

// MapFunction transforms an event value.
type MapFunction func(key string, value []byte) []byte

// MapOperator applies a function to each event and stores the result.
type MapOperator struct {
	*BaseOperator
	mapFn MapFunction
}

func NewMapOperator(id string, mapFn MapFunction) *MapOperator {
	return &MapOperator{
		BaseOperator: NewBaseOperator(id),
		mapFn:        mapFn,
	}
}

func (o *MapOperator) Apply(event Event) error {
	o.State().Put(event.Key, o.mapFn(event.Key, event.Value))
	return nil
}

// CountOperator keeps a per-key running count, the smallest useful keyed
// aggregate for exercising snapshots.
type CountOperator struct {
	*BaseOperator
}

func NewCountOperator(id string) *CountOperator {
	return &CountOperator{BaseOperator: NewBaseOperator(id)}
}

func (o *CountOperator) Apply(event Event) error {
	st := o.State()
	var n uint64
	if cur, ok := st.Get(event.Key); ok && len(cur) == 8 {
		n = command.BytesToUint64(cur)
	}
	st.Put(event.Key, command.Uint64ToBytes(n+1))
	return nil
}
