package guest

// Opcodes used by the builder.
const (
	opUnreachable byte = 0x00
	opNop         byte = 0x01
	opBlock       byte = 0x02
	opLoop        byte = 0x03
	opIf          byte = 0x04
	opElse        byte = 0x05
	opEnd         byte = 0x0B
	opBr          byte = 0x0C
	opBrIf        byte = 0x0D
	opReturn      byte = 0x0F
	opCall        byte = 0x10
	opDrop        byte = 0x1A
	opLocalGet    byte = 0x20
	opLocalSet    byte = 0x21
	opLocalTee    byte = 0x22
	opGlobalGet   byte = 0x23
	opGlobalSet   byte = 0x24
	opI32Load     byte = 0x28
	opI32Load8U   byte = 0x2D
	opI32Store    byte = 0x36
	opI32Store8   byte = 0x3A
	opI32Const    byte = 0x41
	opI32Eqz      byte = 0x45
	opI32Eq       byte = 0x46
	opI32Ne       byte = 0x47
	opI32LtU      byte = 0x49
	opI32GtU      byte = 0x4B
	opI32GeU      byte = 0x4F
	opI32Add      byte = 0x6A
	opI32Sub      byte = 0x6B

	blockEmpty byte = 0x40
)

// Code is a function body or constant expression under construction.
// Methods append one instruction and return the receiver for chaining.
type Code struct {
	w      writer
	depth  int
	closed bool
}

// NewCode returns an empty instruction sequence.
func NewCode() *Code {
	return &Code{}
}

// Bytes returns the encoded instructions.
func (c *Code) Bytes() []byte { return c.w.Bytes() }

func (c *Code) ended() bool { return c.closed }

func (c *Code) op(b byte) *Code {
	c.w.Byte(b)
	return c
}

func (c *Code) opIdx(b byte, idx uint32) *Code {
	c.w.Byte(b)
	c.w.WriteU32(idx)
	return c
}

func (c *Code) block(b byte, result []ValType) *Code {
	c.w.Byte(b)
	if len(result) == 0 {
		c.w.Byte(blockEmpty)
	} else {
		c.w.Byte(byte(result[0]))
	}
	c.depth++
	return c
}

func (c *Code) mem(b byte, align, offset uint32) *Code {
	c.w.Byte(b)
	c.w.WriteU32(align)
	c.w.WriteU32(offset)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }
func (c *Code) Nop() *Code         { return c.op(opNop) }
func (c *Code) Return() *Code      { return c.op(opReturn) }
func (c *Code) Drop() *Code        { return c.op(opDrop) }
func (c *Code) Else() *Code        { return c.op(opElse) }

// Block opens a block with an optional single result type.
func (c *Code) Block(result ...ValType) *Code { return c.block(opBlock, result) }

// Loop opens a loop with an optional single result type.
func (c *Code) Loop(result ...ValType) *Code { return c.block(opLoop, result) }

// If opens an if with an optional single result type.
func (c *Code) If(result ...ValType) *Code { return c.block(opIf, result) }

// End closes the innermost open block, or the body itself when no block
// is open.
func (c *Code) End() *Code {
	c.w.Byte(opEnd)
	if c.depth > 0 {
		c.depth--
	} else {
		c.closed = true
	}
	return c
}

func (c *Code) Br(depth uint32) *Code   { return c.opIdx(opBr, depth) }
func (c *Code) BrIf(depth uint32) *Code { return c.opIdx(opBrIf, depth) }
func (c *Code) Call(fn uint32) *Code    { return c.opIdx(opCall, fn) }

func (c *Code) LocalGet(i uint32) *Code  { return c.opIdx(opLocalGet, i) }
func (c *Code) LocalSet(i uint32) *Code  { return c.opIdx(opLocalSet, i) }
func (c *Code) LocalTee(i uint32) *Code  { return c.opIdx(opLocalTee, i) }
func (c *Code) GlobalGet(i uint32) *Code { return c.opIdx(opGlobalGet, i) }
func (c *Code) GlobalSet(i uint32) *Code { return c.opIdx(opGlobalSet, i) }

// I32Const pushes v. Constants are signed LEB128, so 64..127 take two bytes.
func (c *Code) I32Const(v int32) *Code {
	c.w.Byte(opI32Const)
	c.w.WriteS32(v)
	return c
}

func (c *Code) I32Load(offset uint32) *Code   { return c.mem(opI32Load, 2, offset) }
func (c *Code) I32Load8U(offset uint32) *Code { return c.mem(opI32Load8U, 0, offset) }
func (c *Code) I32Store(offset uint32) *Code  { return c.mem(opI32Store, 2, offset) }
func (c *Code) I32Store8(offset uint32) *Code { return c.mem(opI32Store8, 0, offset) }

func (c *Code) I32Eqz() *Code { return c.op(opI32Eqz) }
func (c *Code) I32Eq() *Code  { return c.op(opI32Eq) }
func (c *Code) I32Ne() *Code  { return c.op(opI32Ne) }
func (c *Code) I32LtU() *Code { return c.op(opI32LtU) }
func (c *Code) I32GtU() *Code { return c.op(opI32GtU) }
func (c *Code) I32GeU() *Code { return c.op(opI32GeU) }
func (c *Code) I32Add() *Code { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code { return c.op(opI32Sub) }
