// Package visualization exports greyscale slice images from reconstructed
// coefficient volumes, for quick visual inspection of the solution without
// a full medical image viewer.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/jdtournier/shard-recon/internal/models"
)

// Viewer extracts 2D slices from one channel of a reconstructed volume
type Viewer struct {
	vol     *models.Volume
	channel int

	// intensity window, mapped to the full greyscale range
	lo, hi float64
}

// NewViewer creates a viewer over the given coefficient channel of a
// volume. The intensity window is set from the channel's value range.
func NewViewer(vol *models.Volume, channel int) *Viewer {
	v := &Viewer{vol: vol, channel: channel}
	v.lo, v.hi = math.Inf(1), math.Inf(-1)
	n := vol.Nx * vol.Ny * vol.Nz
	for i := 0; i < n; i++ {
		val := vol.Data[channel*n+i]
		if val < v.lo {
			v.lo = val
		}
		if val > v.hi {
			v.hi = val
		}
	}
	if !(v.hi > v.lo) {
		v.lo, v.hi = 0, 1
	}
	return v
}

// grey maps a value through the intensity window to a 16-bit grey level
func (v *Viewer) grey(val float64) color.Gray16 {
	t := (val - v.lo) / (v.hi - v.lo)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return color.Gray16{Y: uint16(t * 65535)}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		if position >= v.vol.Nx {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.vol.Nx)
		}
		img = image.NewGray16(image.Rect(0, 0, v.vol.Nz, v.vol.Ny))
		for y := 0; y < v.vol.Ny; y++ {
			for z := 0; z < v.vol.Nz; z++ {
				img.SetGray16(z, y, v.grey(v.vol.At(position, y, z, v.channel)))
			}
		}

	case "y", "Y":
		if position >= v.vol.Ny {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.vol.Ny)
		}
		img = image.NewGray16(image.Rect(0, 0, v.vol.Nx, v.vol.Nz))
		for z := 0; z < v.vol.Nz; z++ {
			for x := 0; x < v.vol.Nx; x++ {
				img.SetGray16(x, z, v.grey(v.vol.At(x, position, z, v.channel)))
			}
		}

	case "z", "Z":
		if position >= v.vol.Nz {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.vol.Nz)
		}
		img = image.NewGray16(image.Rect(0, 0, v.vol.Nx, v.vol.Ny))
		for y := 0; y < v.vol.Ny; y++ {
			for x := 0; x < v.vol.Nx; x++ {
				img.SetGray16(x, y, v.grey(v.vol.At(x, y, position, v.channel)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSliceSequence extracts and saves a sequence of slices along the
// specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Nx
	case "y", "Y":
		maxPos = v.vol.Ny
	case "z", "Z":
		maxPos = v.vol.Nz
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
