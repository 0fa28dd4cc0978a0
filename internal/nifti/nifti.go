// Package nifti reads and writes NIfTI-1 images (.nii and .nii.gz) with up
// to five dimensions. Voxel data is held as float64 in memory and written
// as float32. Metadata that the NIfTI header cannot carry, such as shell
// b-values, travels in a YAML sidecar next to the image.
package nifti

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jdtournier/shard-recon/internal/models"
)

// header is the fixed 348-byte NIfTI-1 header layout
type header struct {
	SizeOfHdr      int32
	DataTypeUnused [10]byte
	DBNameUnused   [18]byte
	ExtentsUnused  int32
	SessionUnused  int16
	RegularUnused  byte
	DimInfo        byte

	Dim        [8]int16
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	Datatype   int16
	BitPix     int16
	SliceStart int16
	PixDim     [8]float32
	VoxOffset  float32
	SclSlope   float32
	SclInter   float32
	SliceEnd   int16
	SliceCode  byte
	XYZTUnits  byte
	CalMax     float32
	CalMin     float32
	SliceDur   float32
	TOffset    float32
	GlMaxUn    int32
	GlMinUn    int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte
	Magic      [4]byte
}

// NIfTI-1 datatype codes supported by the reader
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

// Image is a NIfTI image of up to five dimensions. Data is stored in raster
// order with the first axis fastest.
type Image struct {
	// Dim holds the sizes of the five axes; trailing unused axes are 1
	Dim [5]int

	// PixDim is the voxel spacing of the three spatial axes in mm
	PixDim [3]float64

	// Affine maps voxel indices to scanner-space mm
	Affine models.Affine

	// Data holds the voxel values, first axis fastest
	Data []float64

	// Meta holds sidecar key-value metadata
	Meta map[string]string
}

// NewImage allocates a zero-filled image with identity orientation
func NewImage(dim [5]int) *Image {
	n := 1
	for i, d := range dim {
		if d < 1 {
			dim[i] = 1
			d = 1
		}
		n *= d
	}
	return &Image{
		Dim:    dim,
		PixDim: [3]float64{1, 1, 1},
		Affine: models.IdentityAffine(),
		Data:   make([]float64, n),
		Meta:   map[string]string{},
	}
}

// NVox returns the total number of samples in the image
func (im *Image) NVox() int {
	return im.Dim[0] * im.Dim[1] * im.Dim[2] * im.Dim[3] * im.Dim[4]
}

// Grid returns the spatial lattice of the image
func (im *Image) Grid() models.Grid {
	return models.Grid{Nx: im.Dim[0], Ny: im.Dim[1], Nz: im.Dim[2], Voxel2Scanner: im.Affine}
}

// Idx returns the flat index of sample (x, y, z, t, u)
func (im *Image) Idx(x, y, z, t, u int) int {
	return ((((u*im.Dim[3]+t)*im.Dim[2]+z)*im.Dim[1]+y)*im.Dim[0] + x)
}

// Read loads an image from a .nii or .nii.gz file, along with its YAML
// sidecar when one exists.
func Read(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nifti: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("nifti: %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("nifti: %s: reading header: %w", path, err)
	}
	if hdr.SizeOfHdr != 348 {
		return nil, fmt.Errorf("nifti: %s: unsupported header size %d (big-endian images are not supported)", path, hdr.SizeOfHdr)
	}
	magic := string(hdr.Magic[:3])
	if magic != "n+1" && magic != "ni1" {
		return nil, fmt.Errorf("nifti: %s: bad magic %q", path, magic)
	}

	ndim := int(hdr.Dim[0])
	if ndim < 1 || ndim > 5 {
		return nil, fmt.Errorf("nifti: %s: unsupported dimensionality %d", path, ndim)
	}

	im := &Image{Meta: map[string]string{}}
	for i := 0; i < 5; i++ {
		im.Dim[i] = 1
		if i < ndim && hdr.Dim[i+1] > 0 {
			im.Dim[i] = int(hdr.Dim[i+1])
		}
	}
	for i := 0; i < 3; i++ {
		im.PixDim[i] = float64(hdr.PixDim[i+1])
		if im.PixDim[i] == 0 {
			im.PixDim[i] = 1
		}
	}
	im.Affine = affineFromHeader(&hdr, im.PixDim)

	// skip to the data section
	if hdr.VoxOffset > 348 {
		if _, err := io.CopyN(io.Discard, r, int64(hdr.VoxOffset)-348); err != nil {
			return nil, fmt.Errorf("nifti: %s: seeking to data: %w", path, err)
		}
	}

	n := im.NVox()
	im.Data = make([]float64, n)
	if err := readData(r, im.Data, hdr.Datatype); err != nil {
		return nil, fmt.Errorf("nifti: %s: %w", path, err)
	}

	// apply intensity scaling if set
	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	if slope != 0 && (slope != 1 || inter != 0) {
		for i := range im.Data {
			im.Data[i] = slope*im.Data[i] + inter
		}
	}

	if meta, err := readSidecar(path); err == nil && meta != nil {
		im.Meta = meta
	}
	return im, nil
}

func affineFromHeader(hdr *header, pixdim [3]float64) models.Affine {
	if hdr.SFormCode > 0 {
		var a models.Affine
		rows := [3][4]float32{hdr.SRowX, hdr.SRowY, hdr.SRowZ}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a.M[i][j] = float64(rows[i][j])
			}
			a.T[i] = float64(rows[i][3])
		}
		return a
	}
	a := models.IdentityAffine()
	for i := 0; i < 3; i++ {
		a.M[i][i] = pixdim[i]
	}
	return a
}

func readData(r io.Reader, dst []float64, datatype int16) error {
	switch datatype {
	case dtUint8:
		buf := make([]uint8, len(dst))
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("reading voxel data: %w", err)
		}
		for i, v := range buf {
			dst[i] = float64(v)
		}
	case dtInt16:
		buf := make([]int16, len(dst))
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return fmt.Errorf("reading voxel data: %w", err)
		}
		for i, v := range buf {
			dst[i] = float64(v)
		}
	case dtInt32:
		buf := make([]int32, len(dst))
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return fmt.Errorf("reading voxel data: %w", err)
		}
		for i, v := range buf {
			dst[i] = float64(v)
		}
	case dtFloat32:
		buf := make([]float32, len(dst))
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return fmt.Errorf("reading voxel data: %w", err)
		}
		for i, v := range buf {
			dst[i] = float64(v)
		}
	case dtFloat64:
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return fmt.Errorf("reading voxel data: %w", err)
		}
	default:
		return fmt.Errorf("unsupported datatype code %d", datatype)
	}
	return nil
}

// Write stores the image as float32 NIfTI-1, gzip-compressed when the path
// ends in .gz. Metadata, if any, is written to a YAML sidecar.
func Write(path string, im *Image) error {
	var hdr header
	hdr.SizeOfHdr = 348
	ndim := 5
	for ndim > 1 && im.Dim[ndim-1] <= 1 {
		ndim--
	}
	hdr.Dim[0] = int16(ndim)
	for i := 0; i < 7; i++ {
		hdr.Dim[i+1] = 1
	}
	for i := 0; i < 5; i++ {
		hdr.Dim[i+1] = int16(im.Dim[i])
	}
	hdr.Datatype = dtFloat32
	hdr.BitPix = 32
	hdr.PixDim[0] = 1
	for i := 0; i < 3; i++ {
		hdr.PixDim[i+1] = float32(im.PixDim[i])
	}
	for i := 3; i < 7; i++ {
		hdr.PixDim[i+1] = 1
	}
	hdr.VoxOffset = 352
	hdr.SclSlope = 1
	hdr.XYZTUnits = 2 // mm
	hdr.SFormCode = 1
	hdr.QFormCode = 0
	rows := [3]*[4]float32{&hdr.SRowX, &hdr.SRowY, &hdr.SRowZ}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rows[i][j] = float32(im.Affine.M[i][j])
		}
		rows[i][3] = float32(im.Affine.T[i])
	}
	copy(hdr.Magic[:], "n+1\x00")
	copy(hdr.Descrip[:], "shard-recon")

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nifti: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("nifti: %s: writing header: %w", path, err)
	}
	// no header extensions
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("nifti: %s: %w", path, err)
	}

	buf := make([]float32, len(im.Data))
	for i, v := range im.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		buf[i] = float32(v)
	}
	if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
		return fmt.Errorf("nifti: %s: writing voxel data: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("nifti: %s: %w", path, err)
		}
	}

	if len(im.Meta) > 0 {
		if err := writeSidecar(path, im.Meta); err != nil {
			return err
		}
	}
	return nil
}

// sidecarPath swaps the image suffix for .yml
func sidecarPath(path string) string {
	p := strings.TrimSuffix(path, ".gz")
	p = strings.TrimSuffix(p, ".nii")
	return p + ".yml"
}

func readSidecar(path string) (map[string]string, error) {
	data, err := os.ReadFile(sidecarPath(path))
	if err != nil {
		return nil, err
	}
	meta := map[string]string{}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func writeSidecar(path string, meta map[string]string) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("nifti: marshaling metadata: %w", err)
	}
	if err := os.WriteFile(sidecarPath(path), data, 0644); err != nil {
		return fmt.Errorf("nifti: %w", err)
	}
	return nil
}
