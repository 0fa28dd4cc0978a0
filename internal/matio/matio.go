// Package matio loads and saves whitespace-delimited numeric text matrices,
// including rigid motion tables, slice weight tables, radial basis functions
// and diffusion gradient tables in MRtrix or FSL bvec/bval layout. Lines
// starting with '#' are comments.
package matio

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// LoadMatrix reads a text matrix from a file. All rows must have the same
// number of columns.
func LoadMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("matio: %w", err)
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ' ' || r == '\t' || r == '\r' || r == ','
		})
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, fs := range fields {
			v, err := strconv.ParseFloat(fs, 64)
			if err != nil {
				return nil, fmt.Errorf("matio: %s:%d: parsing %q: %w", path, line, fs, err)
			}
			row[i] = v
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, fmt.Errorf("matio: %s:%d: row has %d columns, expected %d",
				path, line, len(row), len(rows[0]))
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("matio: %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("matio: %s: empty matrix", path)
	}

	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, row := range rows {
		m.SetRow(i, row)
	}
	return m, nil
}

// SaveMatrix writes a matrix as whitespace-delimited text
func SaveMatrix(path string, m mat.Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("matio: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				fmt.Fprint(w, " ")
			}
			fmt.Fprintf(w, "%g", m.At(i, j))
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("matio: %s: %w", path, err)
	}
	return nil
}

// LoadGradients reads a diffusion gradient table as Nv x 4 rows of unit
// direction plus b-value. The file may be an MRtrix-style 4-column table.
func LoadGradients(path string) (*mat.Dense, error) {
	m, err := LoadMatrix(path)
	if err != nil {
		return nil, err
	}
	_, c := m.Dims()
	if c < 4 {
		return nil, fmt.Errorf("matio: %s: gradient table must have at least 4 columns, got %d", path, c)
	}
	return m, nil
}

// LoadBVecBVal assembles an Nv x 4 gradient table from an FSL bvec/bval
// file pair: bvec holds three rows of Nv direction components, bval one row
// of Nv b-values.
func LoadBVecBVal(bvecPath, bvalPath string) (*mat.Dense, error) {
	bvec, err := LoadMatrix(bvecPath)
	if err != nil {
		return nil, err
	}
	bval, err := LoadMatrix(bvalPath)
	if err != nil {
		return nil, err
	}
	vr, vc := bvec.Dims()
	br, bc := bval.Dims()
	if vr != 3 {
		return nil, fmt.Errorf("matio: %s: bvec file must have 3 rows, got %d", bvecPath, vr)
	}
	if br != 1 || bc != vc {
		return nil, fmt.Errorf("matio: %s: bval file must have 1 row of %d values, got %d x %d",
			bvalPath, vc, br, bc)
	}

	grad := mat.NewDense(vc, 4, nil)
	for v := 0; v < vc; v++ {
		grad.Set(v, 0, bvec.At(0, v))
		grad.Set(v, 1, bvec.At(1, v))
		grad.Set(v, 2, bvec.At(2, v))
		grad.Set(v, 3, bval.At(0, v))
	}
	return grad, nil
}

// FindGradients looks for a gradient table next to a DWI image: first a
// companion <base>.b MRtrix table, then a <base>.bvec / <base>.bval pair.
func FindGradients(dwiPath string) (*mat.Dense, error) {
	base := strings.TrimSuffix(dwiPath, ".gz")
	base = strings.TrimSuffix(base, ".nii")

	if _, err := os.Stat(base + ".b"); err == nil {
		return LoadGradients(base + ".b")
	}
	bvec, bval := base+".bvec", base+".bval"
	if _, err := os.Stat(bvec); err == nil {
		return LoadBVecBVal(bvec, bval)
	}
	return nil, fmt.Errorf("matio: no gradient table found for %s (tried %s.b and %s.bvec/.bval)",
		dwiPath, base, base)
}
