package mxf

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/mxgemm/pkg/mxint4"
)

func writeTestFile(t *testing.T, sections map[SectionType][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "w.mxf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for typ, data := range sections {
		if err := w.WriteSection(typ, 1, data); err != nil {
			t.Fatalf("write section %s: %v", typ, err)
		}
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestOpenRoundTrip(t *testing.T) {
	t.Parallel()
	path := writeTestFile(t, map[SectionType][]byte{
		SectionPacked: {1, 2, 3},
		SectionMeta:   []byte(`{"format":"mxint4"}`),
	})

	mf, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if err := mf.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}()

	if mf.Header.SectionCount != 2 {
		t.Fatalf("section count = %d, want 2", mf.Header.SectionCount)
	}
	if SectionType(mf.Sections[0].Type) != SectionMeta {
		t.Fatalf("directory not sorted by type: %+v", mf.Sections)
	}
	for _, s := range mf.Sections {
		if s.Offset%align != 0 {
			t.Fatalf("section %d at unaligned offset %d", s.Type, s.Offset)
		}
	}
	if got := mf.SectionData(mf.Section(SectionPacked)); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("packed payload = %v", got)
	}
	if mf.Section(SectionScales) != nil {
		t.Fatal("unexpected scales section")
	}
}

func TestOpenReaderAtDoesNotMap(t *testing.T) {
	t.Parallel()
	path := writeTestFile(t, map[SectionType][]byte{SectionScales: {7}})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	mf, err := OpenReaderAt(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("OpenReaderAt: %v", err)
	}
	defer func() { _ = mf.Close() }()
	if mf.mmapped {
		t.Fatal("OpenReaderAt should not mmap")
	}
	if got := mf.SectionData(mf.Section(SectionScales)); !bytes.Equal(got, []byte{7}) {
		t.Fatalf("scales payload = %v", got)
	}
}

func TestHeaderEncodingLittleEndian(t *testing.T) {
	t.Parallel()
	h := Header{
		Magic:            [4]byte{'M', 'X', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       headerSize,
		SectionCount:     3,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
	}
	var raw [headerSize]byte
	encodeHeader(raw[:], h)
	if raw[4] != 0x22 || raw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", raw[4:6])
	}
	if raw[16] != 0x08 || raw[23] != 0x01 {
		t.Fatalf("directory offset is not little-endian: %x", raw[16:24])
	}
	got, ok := decodeHeader(raw[:])
	if !ok || got != h {
		t.Fatalf("header round-trip: got %+v want %+v", got, h)
	}
	if _, ok := decodeHeader(raw[:10]); ok {
		t.Fatal("short header should not decode")
	}
}

func TestOpenRejectsBadFiles(t *testing.T) {
	t.Parallel()
	path := writeTestFile(t, map[SectionType][]byte{SectionMeta: []byte("{}")})
	good, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"magic", func(b []byte) []byte { b[0] = 'Z'; return b }, ErrInvalidMagic},
		{"major", func(b []byte) []byte { b[4] = 9; return b }, ErrUnsupportedMajor},
		{"truncated", func(b []byte) []byte { return b[:len(b)-1] }, ErrCorruptFile},
		{"tiny", func(b []byte) []byte { return b[:8] }, ErrCorruptFile},
		{"dir offset", func(b []byte) []byte { b[16] = 0xff; b[17] = 0xff; return b }, ErrCorruptFile},
	}
	for _, tc := range tests {
		data := tc.mutate(append([]byte(nil), good...))
		_, err := OpenReaderAt(bytes.NewReader(data), int64(len(data)))
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestWriterRejectsDuplicateAndReuse(t *testing.T) {
	t.Parallel()
	f, err := os.Create(filepath.Join(t.TempDir(), "dup.mxf"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSection(SectionMeta, 1, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSection(SectionMeta, 1, nil); err == nil {
		t.Fatal("expected duplicate section error")
	}
	if err := w.Finalise(); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSection(SectionPacked, 1, []byte{1}); err == nil {
		t.Fatal("expected error writing after Finalise")
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	t.Parallel()
	const k, n = 32, 16
	weights := make([]float32, k*n)
	for i := range weights {
		weights[i] = float32(i%41-20) * float32(1+i/128)
	}
	packed, scales, err := mxint4.Quantize(weights, mxint4.GroupSize)
	if err != nil {
		t.Fatal(err)
	}
	want := WeightFile{K: k, N: n, GroupSize: mxint4.GroupSize, Packed: packed, Scales: scales}

	path := filepath.Join(t.TempDir(), "weights.mxf")
	if err := WriteWeights(path, want); err != nil {
		t.Fatalf("WriteWeights: %v", err)
	}
	got, err := ReadWeights(path)
	if err != nil {
		t.Fatalf("ReadWeights: %v", err)
	}
	if got.K != k || got.N != n || got.GroupSize != mxint4.GroupSize {
		t.Fatalf("dims = %dx%d/%d", got.K, got.N, got.GroupSize)
	}
	if !bytes.Equal(got.Packed, packed) || !bytes.Equal(got.Scales, scales) {
		t.Fatal("payload mismatch after round trip")
	}

	mf, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = mf.Close() }()
	meta, err := mf.ReadMeta()
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, c := range meta.ScaleHistogram {
		total += c
	}
	if meta.Format != FormatMXINT4 || total != len(scales) {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestWriteWeightsRejectsBadLayout(t *testing.T) {
	t.Parallel()
	bad := WeightFile{K: 16, N: 16, GroupSize: 16, Packed: make([]uint8, 10), Scales: make([]uint8, 16)}
	err := WriteWeights(filepath.Join(t.TempDir(), "bad.mxf"), bad)
	if !errors.Is(err, mxint4.ErrLength) {
		t.Fatalf("err = %v, want ErrLength", err)
	}
}

func TestWeightsMissingSections(t *testing.T) {
	t.Parallel()
	path := writeTestFile(t, map[SectionType][]byte{
		SectionMeta: []byte(`{"format":"mxint4","k":16,"n":16,"group_size":16}`),
	})
	if _, err := ReadWeights(path); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("err = %v, want ErrCorruptFile", err)
	}
}
