package command

// Op identifies a journal command.
type Op uint8

const (
	// OpAdvanceCounter moves the checkpoint id counter forward.
	OpAdvanceCounter Op = iota + 1
	// OpPutRecord stores (or overwrites) a checkpoint record.
	OpPutRecord
)

// Command is the unit applied to the journal's replicated state machine.
type Command struct {
	Op      Op     `codec:"op"`
	Counter uint64 `codec:"counter,omitempty"`
	Record  []byte `codec:"record,omitempty"`
}
