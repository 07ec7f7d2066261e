package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/KafClaw/memmesh/internal/crdt"
)

// Deltas travel as compact protobuf-wire messages on Kafka and in the
// delta_queue table. JSON is used for envelopes and CLI output.
//
// Delta:      1 memory_id, 2 source_agent, 3 origin, 4 clock entry (repeated),
//             5 field (repeated), 6 mode, 7 created_at
// FieldDelta: 1 field, 2 text, 3 time, 4 flag, 5 confidence, 6 instant,
//             7 counter, 8 set, 9 map, 10 multi

// EncodeJSON renders d as JSON.
func EncodeJSON(d Delta) ([]byte, error) {
	return json.Marshal(d)
}

// DecodeJSON parses and validates a JSON delta.
func DecodeJSON(b []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(b, &d); err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	if err := d.Validate(); err != nil {
		return Delta{}, err
	}
	return d, nil
}

// EncodeDelta renders d in the binary wire format.
func EncodeDelta(d Delta) []byte {
	var b []byte
	b = appendString(b, 1, d.MemoryID)
	b = appendString(b, 2, d.SourceAgent)
	b = appendString(b, 3, d.Origin)
	for _, a := range d.Clock.Agents() {
		b = appendMessage(b, 4, appendClockEntry(nil, a, d.Clock[a]))
	}
	for _, fd := range d.Fields {
		b = appendMessage(b, 5, appendFieldDelta(nil, fd))
	}
	if d.Mode != ModeCausal {
		b = appendVarint(b, 6, uint64(d.Mode))
	}
	if d.CreatedAt != 0 {
		b = appendVarint(b, 7, protowire.EncodeZigZag(d.CreatedAt))
	}
	return b
}

// DecodeDelta parses and validates a binary delta.
func DecodeDelta(b []byte) (Delta, error) {
	d := Delta{Clock: crdt.NewVectorClock()}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			d.MemoryID = v
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			d.SourceAgent = v
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			d.Origin = v
			return n
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			agent, counter, err := decodeClockEntry(v)
			if err != nil {
				return -1
			}
			d.Clock[agent] = counter
			return n
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			fd, err := decodeFieldDelta(v)
			if err != nil {
				return -1
			}
			d.Fields = append(d.Fields, fd)
			return n
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			d.Mode = Mode(v)
			return n
		case num == 7 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			d.CreatedAt = protowire.DecodeZigZag(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	if err := d.Validate(); err != nil {
		return Delta{}, err
	}
	return d, nil
}

func appendFieldDelta(b []byte, fd FieldDelta) []byte {
	b = appendVarint(b, 1, uint64(fd.Field))
	switch {
	case fd.Text != nil:
		m := appendString(nil, 1, fd.Text.Val)
		b = appendMessage(b, 2, appendStamp(m, fd.Text.Timestamp, fd.Text.AgentID))
	case fd.Time != nil:
		m := appendVarint(nil, 1, protowire.EncodeZigZag(fd.Time.Val))
		b = appendMessage(b, 3, appendStamp(m, fd.Time.Timestamp, fd.Time.AgentID))
	case fd.Flag != nil:
		m := appendVarint(nil, 1, protowire.EncodeBool(fd.Flag.Val))
		b = appendMessage(b, 4, appendStamp(m, fd.Flag.Timestamp, fd.Flag.AgentID))
	case fd.Confidence != nil:
		b = protowire.AppendTag(b, 5, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(fd.Confidence.Val))
	case fd.Instant != nil:
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(fd.Instant.Val))
	case fd.Counter != nil:
		var m []byte
		for _, a := range crdt.VectorClock(fd.Counter.Counts).Agents() {
			m = appendMessage(m, 1, appendClockEntry(nil, a, fd.Counter.Counts[a]))
		}
		b = appendMessage(b, 7, m)
	case fd.Set != nil:
		var m []byte
		for _, a := range fd.Set.Added {
			e := appendString(nil, 1, a.Elem)
			e = appendMessage(e, 2, appendTag(nil, a.Tag))
			m = appendMessage(m, 1, e)
		}
		for _, r := range fd.Set.Removed {
			e := appendMessage(nil, 1, appendTag(nil, r.Tag))
			e = appendMessage(e, 2, appendTag(nil, r.By))
			m = appendMessage(m, 2, e)
		}
		b = appendMessage(b, 8, m)
	case fd.Map != nil:
		var m []byte
		for _, k := range sortedKeys(fd.Map.Entries) {
			reg := fd.Map.Entries[k]
			e := appendString(nil, 1, k)
			e = appendString(e, 2, reg.Val.Value)
			if reg.Val.Deleted {
				e = appendVarint(e, 3, 1)
			}
			e = appendVarint(e, 4, protowire.EncodeZigZag(reg.Timestamp))
			e = appendString(e, 5, reg.AgentID)
			m = appendMessage(m, 1, e)
		}
		b = appendMessage(b, 9, m)
	case fd.Multi != nil:
		var m []byte
		for _, entry := range fd.Multi.Entries {
			e := appendString(nil, 1, entry.Value)
			for _, a := range entry.Clock.Agents() {
				e = appendMessage(e, 2, appendClockEntry(nil, a, entry.Clock[a]))
			}
			m = appendMessage(m, 1, e)
		}
		b = appendMessage(b, 10, m)
	}
	return b
}

func decodeFieldDelta(b []byte) (FieldDelta, error) {
	var fd FieldDelta
	var inner error
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			fd.Field = Field(v)
			return n
		}
		if num == 5 && typ == protowire.Fixed64Type {
			v, n := protowire.ConsumeFixed64(b)
			fd.Confidence = &crdt.MaxRegister[float64]{Val: math.Float64frombits(v)}
			return n
		}
		if num == 6 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			fd.Instant = &crdt.MaxRegister[int64]{Val: protowire.DecodeZigZag(v)}
			return n
		}
		if typ != protowire.BytesType || num < 2 || num > 10 {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch num {
		case 2:
			r := crdt.LWWRegister[string]{}
			inner = decodeStamped(v, &r.Timestamp, &r.AgentID, func(typ protowire.Type, b []byte) int {
				s, n := protowire.ConsumeString(b)
				r.Val = s
				return n
			})
			fd.Text = &r
		case 3:
			r := crdt.LWWRegister[int64]{}
			inner = decodeStamped(v, &r.Timestamp, &r.AgentID, func(typ protowire.Type, b []byte) int {
				x, n := protowire.ConsumeVarint(b)
				r.Val = protowire.DecodeZigZag(x)
				return n
			})
			fd.Time = &r
		case 4:
			r := crdt.LWWRegister[bool]{}
			inner = decodeStamped(v, &r.Timestamp, &r.AgentID, func(typ protowire.Type, b []byte) int {
				x, n := protowire.ConsumeVarint(b)
				r.Val = protowire.DecodeBool(x)
				return n
			})
			fd.Flag = &r
		case 7:
			c := crdt.NewGCounter()
			inner = walk(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
				if num != 1 || typ != protowire.BytesType {
					return protowire.ConsumeFieldValue(num, typ, b)
				}
				e, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return n
				}
				a, cnt, err := decodeClockEntry(e)
				if err != nil {
					return -1
				}
				c.Counts[a] = cnt
				return n
			})
			fd.Counter = &c
		case 8:
			sd := &SetDelta{}
			inner = decodeSet(v, sd)
			fd.Set = sd
		case 9:
			m := crdt.NewLWWMap[string]()
			inner = decodeMap(v, &m)
			fd.Map = &m
		case 10:
			mv := &crdt.MVRegister[string]{}
			inner = decodeMulti(v, mv)
			fd.Multi = mv
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		if inner != nil {
			return -1
		}
		return n
	})
	if inner != nil {
		return fd, inner
	}
	return fd, err
}

func decodeStamped(b []byte, ts *int64, agent *string, value func(protowire.Type, []byte) int) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1:
			return value(typ, b)
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			*ts = protowire.DecodeZigZag(v)
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			*agent = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

func decodeSet(b []byte, sd *SetDelta) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType || (num != 1 && num != 2) {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		var elem string
		var first, second crdt.Tag
		err := walk(v, func(inum protowire.Number, ityp protowire.Type, b []byte) int {
			switch {
			case num == 1 && inum == 1 && ityp == protowire.BytesType:
				s, n := protowire.ConsumeString(b)
				elem = s
				return n
			case inum == 1 && ityp == protowire.BytesType:
				return consumeTag(b, &first)
			case inum == 2 && ityp == protowire.BytesType:
				return consumeTag(b, &second)
			}
			return protowire.ConsumeFieldValue(inum, ityp, b)
		})
		if err != nil {
			return -1
		}
		if num == 1 {
			sd.Added = append(sd.Added, crdt.TaggedAdd[string]{Elem: elem, Tag: second})
		} else {
			sd.Removed = append(sd.Removed, crdt.Removal{Tag: first, By: second})
		}
		return n
	})
}

func decodeMap(b []byte, m *crdt.LWWMap[string]) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		var key string
		var reg crdt.LWWRegister[crdt.MapEntry[string]]
		err := walk(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch {
			case num == 1 && typ == protowire.BytesType:
				s, n := protowire.ConsumeString(b)
				key = s
				return n
			case num == 2 && typ == protowire.BytesType:
				s, n := protowire.ConsumeString(b)
				reg.Val.Value = s
				return n
			case num == 3 && typ == protowire.VarintType:
				x, n := protowire.ConsumeVarint(b)
				reg.Val.Deleted = protowire.DecodeBool(x)
				return n
			case num == 4 && typ == protowire.VarintType:
				x, n := protowire.ConsumeVarint(b)
				reg.Timestamp = protowire.DecodeZigZag(x)
				return n
			case num == 5 && typ == protowire.BytesType:
				s, n := protowire.ConsumeString(b)
				reg.AgentID = s
				return n
			}
			return protowire.ConsumeFieldValue(num, typ, b)
		})
		if err != nil {
			return -1
		}
		m.Entries[key] = reg
		return n
	})
}

func decodeMulti(b []byte, mv *crdt.MVRegister[string]) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		entry := crdt.MVEntry[string]{Clock: crdt.NewVectorClock()}
		err := walk(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch {
			case num == 1 && typ == protowire.BytesType:
				s, n := protowire.ConsumeString(b)
				entry.Value = s
				return n
			case num == 2 && typ == protowire.BytesType:
				e, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return n
				}
				a, c, err := decodeClockEntry(e)
				if err != nil {
					return -1
				}
				entry.Clock[a] = c
				return n
			}
			return protowire.ConsumeFieldValue(num, typ, b)
		})
		if err != nil {
			return -1
		}
		mv.Entries = append(mv.Entries, entry)
		return n
	})
}

func appendClockEntry(b []byte, agent string, counter uint64) []byte {
	b = appendString(b, 1, agent)
	return appendVarint(b, 2, counter)
}

func decodeClockEntry(b []byte) (string, uint64, error) {
	var agent string
	var counter uint64
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			agent = v
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			counter = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	return agent, counter, err
}

func appendTag(b []byte, t crdt.Tag) []byte {
	b = appendString(b, 1, t.Agent)
	b = appendVarint(b, 2, t.Seq)
	if t.N != 0 {
		b = appendVarint(b, 3, uint64(t.N))
	}
	return b
}

func consumeTag(b []byte, t *crdt.Tag) int {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	err := walk(v, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			t.Agent = s
			return n
		case num == 2 && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			t.Seq = x
			return n
		case num == 3 && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			t.N = uint32(x)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return -1
	}
	return n
}

func appendStamp(b []byte, ts int64, agent string) []byte {
	b = appendVarint(b, 2, protowire.EncodeZigZag(ts))
	return appendString(b, 3, agent)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// walk iterates the fields of one message. fn returns the number of bytes it
// consumed after the tag, or a negative protowire error code.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
