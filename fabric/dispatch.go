package fabric

import (
	"encoding/binary"
	"math"

	"github.com/openfam/famsvc/famerr"
)

// NumericType tags the operand width/encoding an atomic RPC carries,
// since the wire message only has bytes.
type NumericType uint8

const (
	Int32 NumericType = iota
	Int64
	UInt32
	UInt64
	Float32
	Float64
)

// AtomicOp identifies which read-modify-write the memory server should
// perform against a local buffer.
type AtomicOp uint8

const (
	OpFetchAdd AtomicOp = iota
	OpMin
	OpMax
	OpAnd
	OpOr
	OpXor
	OpCompareAndSwap
	OpSwap
)

// Apply performs op against the 4 or 8 bytes at buf[offset:], using
// operand (and, for OpCompareAndSwap, expected) interpreted per typ. It
// returns the previous value encoded the same way a fetch-* RPC reports
// it to the client. Callers must hold the region's hashed CAS lock
// (§4.1) before calling Apply for any op except plain get/put, which
// don't need RMW serialization against each other.
func Apply(buf []byte, offset int, typ NumericType, op AtomicOp, operand, expected uint64) (previous uint64, err error) {
	width := widthOf(typ)
	if offset < 0 || offset+width > len(buf) {
		return 0, famerr.New("atomic", famerr.OutOfRange, "offset+width exceeds buffer")
	}
	switch typ {
	case Int32, UInt32:
		cur := binary.LittleEndian.Uint32(buf[offset:])
		next := applyWord32(typ, op, cur, uint32(operand), uint32(expected))
		binary.LittleEndian.PutUint32(buf[offset:], next)
		return uint64(cur), nil
	case Int64, UInt64:
		cur := binary.LittleEndian.Uint64(buf[offset:])
		next := applyWord64(typ, op, cur, operand, expected)
		binary.LittleEndian.PutUint64(buf[offset:], next)
		return cur, nil
	case Float32:
		cur := binary.LittleEndian.Uint32(buf[offset:])
		next := applyFloat32(op, cur, uint32(operand), uint32(expected))
		binary.LittleEndian.PutUint32(buf[offset:], next)
		return uint64(cur), nil
	case Float64:
		cur := binary.LittleEndian.Uint64(buf[offset:])
		next := applyFloat64(op, cur, operand, expected)
		binary.LittleEndian.PutUint64(buf[offset:], next)
		return cur, nil
	default:
		return 0, famerr.New("atomic", famerr.Unimplemented, "unknown numeric type")
	}
}

func widthOf(typ NumericType) int {
	switch typ {
	case Int32, UInt32, Float32:
		return 4
	default:
		return 8
	}
}

func applyWord32(typ NumericType, op AtomicOp, cur, operand, expected uint32) uint32 {
	switch op {
	case OpFetchAdd:
		return cur + operand
	case OpAnd:
		return cur & operand
	case OpOr:
		return cur | operand
	case OpXor:
		return cur ^ operand
	case OpSwap:
		return operand
	case OpCompareAndSwap:
		next, ok := CompareAndSwap(cur, expected, operand)
		if !ok {
			return cur
		}
		return next
	case OpMin:
		if typ == Int32 {
			return uint32(MinInt(int32(cur), int32(operand)))
		}
		return MinInt(cur, operand)
	case OpMax:
		if typ == Int32 {
			return uint32(MaxInt(int32(cur), int32(operand)))
		}
		return MaxInt(cur, operand)
	default:
		return cur
	}
}

func applyWord64(typ NumericType, op AtomicOp, cur, operand, expected uint64) uint64 {
	switch op {
	case OpFetchAdd:
		return cur + operand
	case OpAnd:
		return cur & operand
	case OpOr:
		return cur | operand
	case OpXor:
		return cur ^ operand
	case OpSwap:
		return operand
	case OpCompareAndSwap:
		next, ok := CompareAndSwap(cur, expected, operand)
		if !ok {
			return cur
		}
		return next
	case OpMin:
		if typ == Int64 {
			return uint64(MinInt(int64(cur), int64(operand)))
		}
		return MinInt(cur, operand)
	case OpMax:
		if typ == Int64 {
			return uint64(MaxInt(int64(cur), int64(operand)))
		}
		return MaxInt(cur, operand)
	default:
		return cur
	}
}

func applyFloat32(op AtomicOp, cur, operand, expected uint32) uint32 {
	curF := math.Float32frombits(cur)
	opF := math.Float32frombits(operand)
	switch op {
	case OpMin:
		return math.Float32bits(MinFloat32(curF, opF))
	case OpMax:
		return math.Float32bits(MaxFloat32(curF, opF))
	case OpSwap:
		return operand
	case OpCompareAndSwap:
		next, ok := CompareAndSwap(cur, expected, operand)
		if !ok {
			return cur
		}
		return next
	default:
		return cur
	}
}

func applyFloat64(op AtomicOp, cur, operand, expected uint64) uint64 {
	curF := math.Float64frombits(cur)
	opF := math.Float64frombits(operand)
	switch op {
	case OpMin:
		return math.Float64bits(MinFloat64(curF, opF))
	case OpMax:
		return math.Float64bits(MaxFloat64(curF, opF))
	case OpSwap:
		return operand
	case OpCompareAndSwap:
		next, ok := CompareAndSwap(cur, expected, operand)
		if !ok {
			return cur
		}
		return next
	default:
		return cur
	}
}
