package exchange

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/signalsfoundry/spikenet/model"
)

// Frame layout (little endian):
//
//	magic   [4]byte "SPKX"
//	version uint8
//	flags   uint8
//	rank    uint32
//	seq     uint64
//	body    []byte (zstd compressed when flagCompressed is set)
const (
	frameVersion   = 1
	headerLen      = 4 + 1 + 1 + 4 + 8
	flagCompressed = 1 << 0

	// Bodies at least this large are compressed.
	compressThreshold = 1024
)

var frameMagic = [4]byte{'S', 'P', 'K', 'X'}

var (
	errShortFrame = errors.New("exchange: frame shorter than header")
	errBadMagic   = errors.New("exchange: bad frame magic")
)

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
)

// Header is the fixed part of a frame.
type Header struct {
	Version uint8
	Flags   uint8
	Rank    int
	Seq     uint64
}

// EncodeFrame wraps body for the barrier round seq sent by rank.
func EncodeFrame(rank int, seq uint64, body []byte) ([]byte, error) {
	var flags uint8
	if len(body) >= compressThreshold {
		enc, err := zstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("exchange: zstd encoder: %w", err)
		}
		body = enc.EncodeAll(body, nil)
		flags |= flagCompressed
	}
	out := make([]byte, headerLen, headerLen+len(body))
	copy(out, frameMagic[:])
	out[4] = frameVersion
	out[5] = flags
	binary.LittleEndian.PutUint32(out[6:], uint32(rank))
	binary.LittleEndian.PutUint64(out[10:], seq)
	return append(out, body...), nil
}

// PeekHeader decodes only the header.
func PeekHeader(frame []byte) (Header, error) {
	if len(frame) < headerLen {
		return Header{}, errShortFrame
	}
	if !bytes.Equal(frame[:4], frameMagic[:]) {
		return Header{}, errBadMagic
	}
	h := Header{
		Version: frame[4],
		Flags:   frame[5],
		Rank:    int(binary.LittleEndian.Uint32(frame[6:])),
		Seq:     binary.LittleEndian.Uint64(frame[10:]),
	}
	if h.Version != frameVersion {
		return Header{}, fmt.Errorf("exchange: unsupported frame version %d", h.Version)
	}
	return h, nil
}

// DecodeFrame returns the header and the decompressed body.
func DecodeFrame(frame []byte) (Header, []byte, error) {
	h, err := PeekHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}
	body := frame[headerLen:]
	if h.Flags&flagCompressed != 0 {
		dec, err := zstdDecoder()
		if err != nil {
			return Header{}, nil, fmt.Errorf("exchange: zstd decoder: %w", err)
		}
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return Header{}, nil, fmt.Errorf("exchange: decompress frame from rank %d: %w", h.Rank, err)
		}
	}
	return h, body, nil
}

// EncodeSpikes serialises a spike register. Entries are sorted by
// (source, lag) and written as uvarints: count, then per entry the source
// delta to the previous entry, the lag and the multiplicity. A Poisson step
// is written with multiplicity 0 followed by the bits of its mean.
func EncodeSpikes(entries []model.SpikeEntry) []byte {
	sorted := slices.Clone(entries)
	SortEntries(sorted)

	buf := make([]byte, 0, 1+len(sorted)*4)
	buf = binary.AppendUvarint(buf, uint64(len(sorted)))
	var prev model.NodeID
	for _, e := range sorted {
		buf = binary.AppendUvarint(buf, uint64(e.Source-prev))
		buf = binary.AppendUvarint(buf, uint64(e.Lag))
		if e.Mean > 0 {
			buf = binary.AppendUvarint(buf, 0)
			buf = binary.AppendUvarint(buf, math.Float64bits(e.Mean))
		} else {
			buf = binary.AppendUvarint(buf, uint64(e.Multiplicity))
		}
		prev = e.Source
	}
	return buf
}

// DecodeSpikes is the inverse of EncodeSpikes.
func DecodeSpikes(b []byte) ([]model.SpikeEntry, error) {
	r := bytes.NewReader(b)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("exchange: spike count: %w", err)
	}
	if n > uint64(len(b)) {
		return nil, fmt.Errorf("exchange: spike count %d exceeds payload size %d", n, len(b))
	}
	out := make([]model.SpikeEntry, 0, n)
	var prev model.NodeID
	for i := uint64(0); i < n; i++ {
		var v [3]uint64
		for j := range v {
			if v[j], err = binary.ReadUvarint(r); err != nil {
				return nil, fmt.Errorf("exchange: spike entry %d: %w", i, err)
			}
		}
		prev += model.NodeID(v[0])
		e := model.SpikeEntry{Source: prev, Lag: int(v[1]), Multiplicity: int(v[2])}
		if v[2] == 0 {
			bits, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("exchange: spike entry %d mean: %w", i, err)
			}
			if e.Mean = math.Float64frombits(bits); !(e.Mean > 0) || math.IsInf(e.Mean, 0) {
				return nil, fmt.Errorf("exchange: spike entry %d has invalid mean %v", i, e.Mean)
			}
		}
		out = append(out, e)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("exchange: %d trailing bytes after spike list", r.Len())
	}
	return out, nil
}

// SortEntries orders entries by source, then lag.
func SortEntries(entries []model.SpikeEntry) {
	slices.SortFunc(entries, func(a, b model.SpikeEntry) int {
		if a.Source != b.Source {
			if a.Source < b.Source {
				return -1
			}
			return 1
		}
		return a.Lag - b.Lag
	})
}

// packFrames concatenates frames as uvarint-length-prefixed records.
func packFrames(frames [][]byte) []byte {
	size := 0
	for _, f := range frames {
		size += len(f) + binary.MaxVarintLen64
	}
	out := make([]byte, 0, size)
	out = binary.AppendUvarint(out, uint64(len(frames)))
	for _, f := range frames {
		out = binary.AppendUvarint(out, uint64(len(f)))
		out = append(out, f...)
	}
	return out
}

func unpackFrames(b []byte) ([][]byte, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, errors.New("exchange: bad frame list header")
	}
	b = b[k:]
	frames := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		l, k := binary.Uvarint(b)
		if k <= 0 || uint64(len(b)-k) < l {
			return nil, fmt.Errorf("exchange: truncated frame %d", i)
		}
		frames = append(frames, b[k:k+int(l)])
		b = b[k+int(l):]
	}
	return frames, nil
}
