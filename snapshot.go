package pagealloc

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type SnapFlag uint8

const (
	// state bytes are stored compressed
	SnapCompressed SnapFlag = 1 << iota
)

// minSnapSize = flag + base + top + len + at least one state byte
var minSnapSize = 5

// AreaSnapshot is a copy of one area's per page metadata, taken under
// the allocator lock. Two snapshots of the same area compare equal
// exactly when the area went through a state preserving sequence of
// operations in between, which makes them a cheap harness debugging
// tool.
type AreaSnapshot struct {
	Base   PFN
	Top    PFN
	States []PageState
}

func (s AreaSnapshot) Marshal(compressor Compressor) []byte {
	var flag SnapFlag
	states := make([]byte, len(s.States))
	for i, st := range s.States {
		states[i] = byte(st)
	}
	if compressor != nil {
		statesC := compressor(states)
		if len(statesC) < len(states) {
			states = statesC
			flag |= SnapCompressed
		}
	}

	lenBuf := make([]byte, binary.MaxVarintLen64)
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(byte(flag))
	for _, v := range []uint64{uint64(s.Base), uint64(s.Top), uint64(len(states))} {
		n := binary.PutUvarint(lenBuf, v)
		buf.Write(lenBuf[:n])
	}
	buf.Write(states)
	return buf.Bytes()
}

func (s *AreaSnapshot) Unmarshal(data []byte, decompressor DeCompressor) (err error) {
	if data == nil {
		return errors.New("empty snapshot data")
	}
	if len(data) < minSnapSize {
		return errors.New("snapshot data less than min size 5, flag + base + top + len + states")
	}
	reader := bytes.NewReader(data)
	_flag, _ := reader.ReadByte()
	flag := SnapFlag(_flag)
	if flag&SnapCompressed != 0 && decompressor == nil {
		return errors.New("states are compressed but decompressor is nil")
	}
	base, err := binary.ReadUvarint(reader)
	if err != nil {
		return errors.Wrap(err, "failed to read snapshot base")
	}
	top, err := binary.ReadUvarint(reader)
	if err != nil {
		return errors.Wrap(err, "failed to read snapshot top")
	}
	sLen, err := binary.ReadUvarint(reader)
	if err != nil {
		return errors.Wrap(err, "failed to read state length")
	}
	states := make([]byte, sLen)
	if _, err = io.ReadFull(reader, states); err != nil {
		return errors.Wrap(err, "failed to read states")
	}
	if flag&SnapCompressed != 0 {
		states, err = decompressor(states)
		if err != nil {
			return errors.Wrap(err, "failed to decompress states")
		}
	}
	if top <= base || uint64(len(states)) != top-base {
		return errors.Errorf("snapshot covers [%#x, %#x) but carries %d states", base, top, len(states))
	}
	s.Base = PFN(base)
	s.Top = PFN(top)
	s.States = make([]PageState, len(states))
	for i, b := range states {
		s.States[i] = PageState(b)
	}
	return nil
}

// snapshot copies one area's metadata. Called with the lock held.
func (a *memArea) snapshot() AreaSnapshot {
	return AreaSnapshot{
		Base:   a.base,
		Top:    a.top,
		States: append([]PageState(nil), a.states...),
	}
}

// Snapshot marshals the metadata of every initialized area, lowest area
// number first, compressed with the given algorithm.
func (al *Allocator) Snapshot(algo CompressAlgorithm) ([][]byte, error) {
	compressor, _, err := algo.codec()
	if err != nil {
		return nil, err
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	var out [][]byte
	for i := uint(0); i < MaxAreas; i++ {
		if al.areasMask&(1<<i) == 0 {
			continue
		}
		out = append(out, al.areas[i].snapshot().Marshal(compressor))
	}
	return out, nil
}
