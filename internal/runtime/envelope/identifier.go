package envelope

import (
	"cmp"
	"strconv"
)

// Identifier is the broker-assigned identity of a delivered message. It never
// changes once assigned and is only comparable within the same broker type.
type Identifier interface {
	// Key groups identifiers that can be compared with each other, e.g. a partition.
	Key() string
	Value() string
	String() string
}

// MessageIdentifier identifies messages on brokers without offsets.
type MessageIdentifier struct {
	ID string
}

func (m MessageIdentifier) Key() string    { return "" }
func (m MessageIdentifier) Value() string  { return m.ID }
func (m MessageIdentifier) String() string { return m.ID }

// Offset identifies a message by its position within a partition.
type Offset struct {
	Partition string
	Position  int64
}

func (o Offset) Key() string    { return o.Partition }
func (o Offset) Value() string  { return strconv.FormatInt(o.Position, 10) }
func (o Offset) String() string { return o.Partition + "@" + o.Value() }

// Compare orders offsets of the same partition. Offsets of different
// partitions are not comparable and the second result is false.
func (o Offset) Compare(other Offset) (int, bool) {
	if o.Partition != other.Partition {
		return 0, false
	}
	return cmp.Compare(o.Position, other.Position), true
}
