package pstream

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Master is the rank that accumulates gathered lists.
const Master = 0

// GatherList sends data of every rank to Master. On Master the returned list
// holds the contribution of rank i at index i; other ranks get nil.
func GatherList(c Comm, tag int, data []byte) ([][]byte, error) {
	if c.Rank() != Master {
		return nil, c.Send(Master, tag, data)
	}
	list := make([][]byte, c.Size())
	list[Master] = append([]byte(nil), data...)
	for from := 0; from < c.Size(); from++ {
		if from == Master {
			continue
		}
		msg, err := c.Recv(from, tag)
		if err != nil {
			return nil, errors.Wrapf(err, "gather from rank %d", from)
		}
		list[from] = msg
	}
	return list, nil
}

// ScatterList sends list from Master to every rank. Every rank returns the
// list as held by Master; the argument is ignored on other ranks.
func ScatterList(c Comm, tag int, list [][]byte) ([][]byte, error) {
	if c.Rank() == Master {
		msg := encodeList(list)
		for to := 0; to < c.Size(); to++ {
			if to == Master {
				continue
			}
			if err := c.Send(to, tag, msg); err != nil {
				return nil, err
			}
		}
		return list, nil
	}
	msg, err := c.Recv(Master, tag)
	if err != nil {
		return nil, errors.Wrap(err, "scatter")
	}
	return decodeList(msg)
}

// AllGather returns the contributions of all ranks, indexed by rank, on
// every rank.
func AllGather(c Comm, tag int, data []byte) ([][]byte, error) {
	list, err := GatherList(c, tag, data)
	if err != nil {
		return nil, err
	}
	return ScatterList(c, tag, list)
}

// Exchange performs a personalised all-to-all: out[r] is delivered to rank r
// and the returned slice holds at index r what rank r sent to this rank.
// Empty messages are sent to every rank so that all receives are matched.
func Exchange(c Comm, tag int, out [][]byte) ([][]byte, error) {
	if len(out) != c.Size() {
		return nil, errors.Errorf("exchange needs %d outgoing buffers, got %d", c.Size(), len(out))
	}
	me := c.Rank()
	for to, msg := range out {
		if to == me {
			continue
		}
		if err := c.Send(to, tag, msg); err != nil {
			return nil, err
		}
	}
	in := make([][]byte, c.Size())
	in[me] = out[me]
	for from := range in {
		if from == me {
			continue
		}
		msg, err := c.Recv(from, tag)
		if err != nil {
			return nil, errors.Wrapf(err, "exchange with rank %d", from)
		}
		in[from] = msg
	}
	return in, nil
}

// Op is an associative reduction operator.
type Op func(a, b int) int

// Reduction operators.
var (
	Sum Op = func(a, b int) int { return a + b }
	Max Op = func(a, b int) int { return max(a, b) }
	Min Op = func(a, b int) int { return min(a, b) }
)

// AllReduce combines v of every rank with op in rank order and returns the
// result on every rank.
func AllReduce(c Comm, tag int, v int, op Op) (int, error) {
	list, err := AllGather(c, tag, AppendInts(nil, v))
	if err != nil {
		return 0, err
	}
	var acc int
	for rank, msg := range list {
		vals, err := Ints(msg)
		if err != nil || len(vals) != 1 {
			return 0, errors.Errorf("bad reduction message from rank %d", rank)
		}
		if rank == 0 {
			acc = vals[0]
		} else {
			acc = op(acc, vals[0])
		}
	}
	return acc, nil
}

// AppendInts appends the variable length encoding of vals to b.
func AppendInts(b []byte, vals ...int) []byte {
	b = binary.AppendUvarint(b, uint64(len(vals)))
	for _, v := range vals {
		b = binary.AppendVarint(b, int64(v))
	}
	return b
}

// Ints decodes a message written by AppendInts.
func Ints(b []byte) ([]int, error) {
	vals, rest, err := ReadInts(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("%d trailing bytes after integer list", len(rest))
	}
	return vals, nil
}

// ReadInts decodes one integer list written by AppendInts from the start of b
// and returns the remaining bytes.
func ReadInts(b []byte) (vals []int, rest []byte, err error) {
	n, k := binary.Uvarint(b)
	if k <= 0 || n > uint64(len(b)) {
		return nil, nil, errors.New("bad integer list length")
	}
	b = b[k:]
	vals = make([]int, n)
	for i := range vals {
		v, k := binary.Varint(b)
		if k <= 0 {
			return nil, nil, errors.Errorf("truncated integer list at element %d", i)
		}
		vals[i] = int(v)
		b = b[k:]
	}
	return vals, b, nil
}

func encodeList(list [][]byte) []byte {
	size := binary.MaxVarintLen64
	for _, item := range list {
		size += binary.MaxVarintLen64 + len(item)
	}
	b := make([]byte, 0, size)
	b = binary.AppendUvarint(b, uint64(len(list)))
	for _, item := range list {
		b = binary.AppendUvarint(b, uint64(len(item)))
		b = append(b, item...)
	}
	return b
}

func decodeList(b []byte) ([][]byte, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 || n > uint64(len(b)) {
		return nil, errors.New("bad list header")
	}
	b = b[k:]
	list := make([][]byte, n)
	for i := range list {
		l, k := binary.Uvarint(b)
		if k <= 0 || uint64(len(b)-k) < l {
			return nil, errors.Errorf("truncated list item %d", i)
		}
		b = b[k:]
		list[i] = b[:l:l]
		b = b[l:]
	}
	return list, nil
}
