package model

// PacketKind discriminates the two wire unit types exchanged between nodes.
type PacketKind uint8

const (
	// PacketOperation carries an encoded operation to be executed on the
	// receiving node.
	PacketOperation PacketKind = iota + 1
	// PacketResponse carries the result of a previously dispatched
	// operation back to its caller.
	PacketResponse
)

// Packet is the framed wire unit. Operation packets carry the registered type
// name so the receiver can decode the payload to a concrete operation.
type Packet struct {
	Kind      PacketKind `json:"kind"`
	Service   string     `json:"service,omitempty"`
	OpType    string     `json:"op_type,omitempty"`
	Payload   []byte     `json:"payload"`
	Partition int32      `json:"partition"`
	CallID    int64      `json:"call_id"`
	Caller    Address    `json:"caller,omitempty"`
}

// Response completes an outstanding call. A non-zero ErrCode means the
// operation failed; ErrMsg carries the failure text.
type Response struct {
	CallID  int64  `json:"call_id"`
	Value   any    `json:"value,omitempty"`
	ErrCode int32  `json:"err_code,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`
}

// OK reports whether the response carries a successful result.
func (r *Response) OK() bool {
	return r.ErrCode == 0
}
