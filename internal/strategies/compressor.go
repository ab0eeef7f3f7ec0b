package strategies

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/golang/snappy"
	"gonum.org/v1/gonum/mat"

	"github.com/theblitlabs/parity-federated/internal/models"
)

type CompressionMethod string

const (
	CompressionQuantization   CompressionMethod = "quantization"
	CompressionSparsification CompressionMethod = "sparsification"
	CompressionLowRank        CompressionMethod = "low_rank"
	CompressionHybrid         CompressionMethod = "hybrid"
)

// compressedLayer is the wire form of one compressed layer. The metadata
// needed to reverse the codec (scale/min/rank/indices) travels with the
// payload.
type compressedLayer struct {
	Method  CompressionMethod `json:"method"`
	Length  int               `json:"length"`
	Scale   float64           `json:"scale,omitempty"`
	Min     float64           `json:"min,omitempty"`
	Levels  []byte            `json:"levels,omitempty"`
	Indices []int32           `json:"indices,omitempty"`
	Values  []float64         `json:"values,omitempty"`
	Rows    int               `json:"rows,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Rank    int               `json:"rank,omitempty"`
	U       []float64         `json:"u,omitempty"`
	S       []float64         `json:"s,omitempty"`
	V       []float64         `json:"v,omitempty"`
	Raw     []float64         `json:"raw,omitempty"`
}

type compressedModel struct {
	Method CompressionMethod          `json:"method"`
	Layers map[string]compressedLayer `json:"layers"`
}

// CompressedPayload is a snappy-framed, self-describing compressed model.
type CompressedPayload struct {
	Method CompressionMethod `json:"method"`
	Data   []byte            `json:"data"`
}

// ModelCompressor shrinks model updates before transmission. Ratio is the
// fraction of information kept; 1.0 keeps everything (sparsification is
// then exact).
type ModelCompressor struct {
	Method CompressionMethod
	Ratio  float64
}

func NewModelCompressor(method CompressionMethod, ratio float64) (*ModelCompressor, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, fmt.Errorf("compression ratio must be in (0, 1], got %v", ratio)
	}
	switch method {
	case CompressionQuantization, CompressionSparsification, CompressionLowRank, CompressionHybrid:
	default:
		return nil, fmt.Errorf("unknown compression method %q", method)
	}
	return &ModelCompressor{Method: method, Ratio: ratio}, nil
}

// Compress encodes the weights under the configured method.
func (c *ModelCompressor) Compress(weights models.Weights, shapes map[string][2]int) (*CompressedPayload, error) {
	model := compressedModel{
		Method: c.Method,
		Layers: make(map[string]compressedLayer, len(weights)),
	}

	for layer, vals := range weights {
		method := c.Method
		if method == CompressionHybrid {
			method = c.pickLayerMethod(layer, vals, shapes[layer])
		}

		var (
			encoded compressedLayer
			err     error
		)
		switch method {
		case CompressionQuantization:
			encoded = quantizeLayer(vals)
		case CompressionSparsification:
			encoded = sparsifyLayer(vals, c.Ratio)
		case CompressionLowRank:
			encoded, err = lowRankLayer(vals, shapes[layer], c.Ratio)
			if err != nil {
				// vectors and degenerate matrices fall back to quantization
				encoded = quantizeLayer(vals)
			}
		default:
			return nil, fmt.Errorf("unknown compression method %q", method)
		}
		model.Layers[layer] = encoded
	}

	raw, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("failed to encode compressed model: %w", err)
	}
	return &CompressedPayload{
		Method: c.Method,
		Data:   snappy.Encode(nil, raw),
	}, nil
}

// Decompress reverses Compress. Corrupt payloads yield ErrCorruptPayload.
func (c *ModelCompressor) Decompress(payload *CompressedPayload) (models.Weights, error) {
	if payload == nil || len(payload.Data) == 0 {
		return nil, models.ErrCorruptPayload
	}
	raw, err := snappy.Decode(nil, payload.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptPayload, err)
	}
	var model compressedModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptPayload, err)
	}

	out := make(models.Weights, len(model.Layers))
	for layer, encoded := range model.Layers {
		vals, err := decodeLayer(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: layer %q: %v", models.ErrCorruptPayload, layer, err)
		}
		out[layer] = vals
	}
	return out, nil
}

// pickLayerMethod chooses a codec per layer: matrices go low-rank, large
// vectors sparsify, bias-like or small layers quantize.
func (c *ModelCompressor) pickLayerMethod(layer string, vals []float64, shape [2]int) CompressionMethod {
	if strings.Contains(layer, "bias") || len(vals) < 64 {
		return CompressionQuantization
	}
	if shape[0] >= 4 && shape[1] >= 4 && shape[0]*shape[1] == len(vals) {
		return CompressionLowRank
	}
	if len(vals) >= 1024 {
		return CompressionSparsification
	}
	return CompressionQuantization
}

func quantizeLayer(vals []float64) compressedLayer {
	out := compressedLayer{
		Method: CompressionQuantization,
		Length: len(vals),
	}
	if len(vals) == 0 {
		return out
	}

	minV, maxV := vals[0], vals[0]
	for _, v := range vals {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	scale := (maxV - minV) / 255
	out.Min = minV
	out.Scale = scale
	out.Levels = make([]byte, len(vals))
	if scale == 0 {
		return out
	}
	for i, v := range vals {
		out.Levels[i] = byte(math.Round((v - minV) / scale))
	}
	return out
}

func sparsifyLayer(vals []float64, ratio float64) compressedLayer {
	keep := int(math.Ceil(ratio * float64(len(vals))))
	if keep > len(vals) {
		keep = len(vals)
	}

	type entry struct {
		idx int
		mag float64
	}
	entries := make([]entry, len(vals))
	for i, v := range vals {
		entries[i] = entry{i, math.Abs(v)}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mag > entries[j].mag })

	kept := entries[:keep]
	sort.Slice(kept, func(i, j int) bool { return kept[i].idx < kept[j].idx })

	out := compressedLayer{
		Method:  CompressionSparsification,
		Length:  len(vals),
		Indices: make([]int32, keep),
		Values:  make([]float64, keep),
	}
	for i, e := range kept {
		out.Indices[i] = int32(e.idx)
		out.Values[i] = vals[e.idx]
	}
	return out
}

func lowRankLayer(vals []float64, shape [2]int, ratio float64) (compressedLayer, error) {
	rows, cols := shape[0], shape[1]
	if rows < 2 || cols < 2 || rows*cols != len(vals) {
		return compressedLayer{}, fmt.Errorf("layer is not a factorable matrix")
	}

	var svd mat.SVD
	if ok := svd.Factorize(mat.NewDense(rows, cols, vals), mat.SVDThin); !ok {
		return compressedLayer{}, fmt.Errorf("svd factorization failed")
	}

	minDim := rows
	if cols < minDim {
		minDim = cols
	}
	rank := int(float64(minDim) * ratio)
	if rank < 1 {
		rank = 1
	}
	if rank > minDim {
		rank = minDim
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	singular := svd.Values(nil)

	out := compressedLayer{
		Method: CompressionLowRank,
		Length: len(vals),
		Rows:   rows,
		Cols:   cols,
		Rank:   rank,
		U:      make([]float64, rows*rank),
		S:      make([]float64, rank),
		V:      make([]float64, cols*rank),
	}
	for i := 0; i < rows; i++ {
		for k := 0; k < rank; k++ {
			out.U[i*rank+k] = u.At(i, k)
		}
	}
	copy(out.S, singular[:rank])
	for j := 0; j < cols; j++ {
		for k := 0; k < rank; k++ {
			out.V[j*rank+k] = v.At(j, k)
		}
	}
	return out, nil
}

func decodeLayer(encoded compressedLayer) ([]float64, error) {
	switch encoded.Method {
	case CompressionQuantization:
		if len(encoded.Levels) != encoded.Length {
			return nil, fmt.Errorf("quantization level count mismatch")
		}
		vals := make([]float64, encoded.Length)
		for i, level := range encoded.Levels {
			vals[i] = encoded.Min + float64(level)*encoded.Scale
		}
		return vals, nil

	case CompressionSparsification:
		if len(encoded.Indices) != len(encoded.Values) {
			return nil, fmt.Errorf("sparse index/value count mismatch")
		}
		vals := make([]float64, encoded.Length)
		for i, idx := range encoded.Indices {
			if int(idx) < 0 || int(idx) >= encoded.Length {
				return nil, fmt.Errorf("sparse index %d out of range", idx)
			}
			vals[idx] = encoded.Values[i]
		}
		return vals, nil

	case CompressionLowRank:
		if encoded.Rows*encoded.Cols != encoded.Length ||
			len(encoded.U) != encoded.Rows*encoded.Rank ||
			len(encoded.S) != encoded.Rank ||
			len(encoded.V) != encoded.Cols*encoded.Rank {
			return nil, fmt.Errorf("low-rank factor dimensions mismatch")
		}
		vals := make([]float64, encoded.Length)
		for i := 0; i < encoded.Rows; i++ {
			for j := 0; j < encoded.Cols; j++ {
				var sum float64
				for k := 0; k < encoded.Rank; k++ {
					sum += encoded.U[i*encoded.Rank+k] * encoded.S[k] * encoded.V[j*encoded.Rank+k]
				}
				vals[i*encoded.Cols+j] = sum
			}
		}
		return vals, nil

	default:
		return nil, fmt.Errorf("unknown layer compression method %q", encoded.Method)
	}
}
