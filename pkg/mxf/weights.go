package mxf

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/mxgemm/pkg/mxint4"
)

// FormatMXINT4 is the only payload format written today.
const FormatMXINT4 = "mxint4"

const sectionVersion = 1

// Meta is the JSON payload of SectionMeta.
type Meta struct {
	Format         string                   `json:"format"`
	K              int                      `json:"k"`
	N              int                      `json:"n"`
	GroupSize      int                      `json:"group_size"`
	ScaleHistogram [mxint4.MaxScale + 1]int `json:"scale_histogram"`
}

// WeightFile is a quantized K×N weight matrix.
type WeightFile struct {
	K         int
	N         int
	GroupSize int
	Packed    []uint8
	Scales    []uint8
}

func (w WeightFile) check() error {
	if w.K <= 0 || w.N <= 0 {
		return fmt.Errorf("mxf: invalid dims %dx%d", w.K, w.N)
	}
	return mxint4.CheckLayout(w.K*w.N, len(w.Packed), len(w.Scales), w.GroupSize)
}

func (w WeightFile) meta() Meta {
	return Meta{
		Format:         FormatMXINT4,
		K:              w.K,
		N:              w.N,
		GroupSize:      w.GroupSize,
		ScaleHistogram: mxint4.ScaleStats(w.Scales, w.GroupSize).ScaleHistogram,
	}
}

// WriteWeights writes w to path, replacing any existing file.
func WriteWeights(path string, w WeightFile) (err error) {
	if err := w.check(); err != nil {
		return err
	}
	meta, err := json.Marshal(w.meta())
	if err != nil {
		return fmt.Errorf("mxf: encode meta: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	mw, err := NewWriter(f)
	if err != nil {
		return err
	}
	if err := mw.WriteSection(SectionMeta, sectionVersion, meta); err != nil {
		return err
	}
	if err := mw.WriteSection(SectionPacked, sectionVersion, w.Packed); err != nil {
		return err
	}
	if err := mw.WriteSection(SectionScales, sectionVersion, w.Scales); err != nil {
		return err
	}
	return mw.Finalise()
}

// ReadMeta decodes the metadata section of an opened file.
func (f *File) ReadMeta() (Meta, error) {
	s := f.Section(SectionMeta)
	if s == nil {
		return Meta{}, fmt.Errorf("%w: missing meta section", ErrCorruptFile)
	}
	var m Meta
	if err := json.Unmarshal(f.SectionData(s), &m); err != nil {
		return Meta{}, fmt.Errorf("%w: meta: %w", ErrCorruptFile, err)
	}
	return m, nil
}

// Weights copies the quantized weights out of f, validating payload lengths
// against the metadata.
func (f *File) Weights() (WeightFile, error) {
	m, err := f.ReadMeta()
	if err != nil {
		return WeightFile{}, err
	}
	if m.Format != FormatMXINT4 {
		return WeightFile{}, fmt.Errorf("%w: unsupported format %q", ErrCorruptFile, m.Format)
	}
	packed, scales := f.Section(SectionPacked), f.Section(SectionScales)
	if packed == nil || scales == nil {
		return WeightFile{}, fmt.Errorf("%w: missing weight sections", ErrCorruptFile)
	}
	w := WeightFile{
		K:         m.K,
		N:         m.N,
		GroupSize: m.GroupSize,
		Packed:    append([]uint8(nil), f.SectionData(packed)...),
		Scales:    append([]uint8(nil), f.SectionData(scales)...),
	}
	if err := w.check(); err != nil {
		return WeightFile{}, fmt.Errorf("%w: %w", ErrCorruptFile, err)
	}
	return w, nil
}

// ReadWeights opens path and returns its weights. The result does not alias
// the file mapping.
func ReadWeights(path string) (WeightFile, error) {
	f, err := Open(path)
	if err != nil {
		return WeightFile{}, err
	}
	defer func() { _ = f.Close() }()
	return f.Weights()
}
