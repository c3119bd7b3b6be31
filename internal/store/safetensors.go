package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/hpungsan/upbeat/internal/model"
)

const (
	dtypeF64       = "F64"
	metadataKey    = "__metadata__"
	maxHeaderBytes = 16 << 20
)

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

type tensorData struct {
	Shape []int64
	Data  []float64
}

// writeSafetensors writes tensors in safetensors layout:
//
//	[8 bytes: header length, uint64 LE][JSON header][F64 LE data]
//
// Tensors are laid out in name order. The data section's SHA-256 is
// stored in the header metadata.
func writeSafetensors(w io.Writer, tensors []*model.Tensor, metadata map[string]string) error {
	sorted := append([]*model.Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var body bytes.Buffer
	header := make(map[string]any, len(sorted)+1)
	var offset int64
	buf := make([]byte, 8)
	for _, t := range sorted {
		for _, v := range t.Values {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v.Data))
			body.Write(buf)
		}
		size := int64(len(t.Values)) * 8
		header[t.Name] = tensorHeader{
			DType:       dtypeF64,
			Shape:       []int64{int64(t.Rows), int64(t.Cols)},
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	sum := sha256.Sum256(body.Bytes())
	meta["sha256"] = hex.EncodeToString(sum[:])
	header[metadataKey] = meta

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "marshal header")
	}

	binary.LittleEndian.PutUint64(buf, uint64(len(headerJSON)))
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "write header length")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "write header")
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return errors.Wrap(err, "write tensor data")
	}
	return nil
}

// readSafetensors parses a safetensors file and verifies its checksum.
func readSafetensors(raw []byte) (map[string]tensorData, map[string]string, error) {
	if len(raw) < 8 {
		return nil, nil, errors.New("file shorter than header length prefix")
	}
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen > maxHeaderBytes || headerLen > uint64(len(raw)-8) {
		return nil, nil, errors.Errorf("header length %d out of range", headerLen)
	}
	headerJSON := raw[8 : 8+headerLen]
	body := raw[8+headerLen:]

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &entries); err != nil {
		return nil, nil, errors.Wrap(err, "parse header")
	}

	var meta map[string]string
	if m, ok := entries[metadataKey]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, nil, errors.Wrap(err, "parse metadata")
		}
		delete(entries, metadataKey)
	}
	if want, ok := meta["sha256"]; ok {
		sum := sha256.Sum256(body)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, nil, errors.Errorf("checksum mismatch: got %s, want %s", got, want)
		}
	}

	tensors := make(map[string]tensorData, len(entries))
	for name, entry := range entries {
		var h tensorHeader
		if err := json.Unmarshal(entry, &h); err != nil {
			return nil, nil, errors.Wrapf(err, "tensor %q header", name)
		}
		if h.DType != dtypeF64 {
			return nil, nil, errors.Errorf("tensor %q has dtype %s, want %s", name, h.DType, dtypeF64)
		}
		// Elements are bounded by the body size, which keeps n*8 from overflowing.
		maxElems := int64(len(body)) / 8
		n := int64(1)
		for _, d := range h.Shape {
			if d < 0 {
				return nil, nil, errors.Errorf("tensor %q has negative dimension", name)
			}
			if d != 0 && n > maxElems/d {
				return nil, nil, errors.Errorf("tensor %q shape %v exceeds file size", name, h.Shape)
			}
			n *= d
		}
		start, end := h.DataOffsets[0], h.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(body)) || end-start != n*8 {
			return nil, nil, errors.Errorf("tensor %q has invalid offsets [%d, %d]", name, start, end)
		}

		data := make([]float64, n)
		for i := range data {
			off := start + int64(i)*8
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[off : off+8]))
		}
		tensors[name] = tensorData{Shape: h.Shape, Data: data}
	}
	return tensors, meta, nil
}
