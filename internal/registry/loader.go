package registry

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"llamad/internal/common/fsutil"
	"llamad/pkg/types"
)

// DefaultExtensions are the model file extensions llama-server can load.
var DefaultExtensions = []string{".gguf", ".bin"}

// Scanner lists model files under a directory.
type Scanner struct {
	exts []string
}

// NewScanner returns a Scanner matching exts (case-insensitive). With no
// arguments DefaultExtensions is used.
func NewScanner(exts ...string) *Scanner {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		norm = append(norm, e)
	}
	return &Scanner{exts: norm}
}

// Scan walks dir recursively and returns one Model per model file, in
// lexical path order. ID is the path relative to dir with forward slashes
// (the bare filename at the top level); Name drops the extension. Projector
// files, names starting with '_' and .gguf files without the GGUF magic are
// skipped. Unreadable subdirectories are skipped; an unreadable dir is an
// error.
func (s *Scanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	var models []types.Model
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == abs {
				return fmt.Errorf("read dir: %w", err)
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		ext := s.match(name)
		if ext == "" {
			return nil
		}
		stem := name[:len(name)-len(ext)]
		if excluded(name, stem) {
			return nil
		}
		if strings.EqualFold(ext, ".gguf") && !hasGGUFMagic(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// removed while walking
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return nil
		}
		models = append(models, types.Model{
			ID:         filepath.ToSlash(rel),
			Name:       stem,
			Path:       path,
			Format:     strings.ToLower(strings.TrimPrefix(ext, ".")),
			Quant:      GuessQuant(stem),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().UnixMilli(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return models, nil
}

// ggufMagic is "GGUF" read as a little-endian uint32.
const ggufMagic = 0x46554747

func hasGGUFMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var b [4]byte
	if _, err := io.ReadFull(f, b[:]); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(b[:]) == ggufMagic
}

// excluded matches multimodal projectors, factory files and names that
// start with an underscore.
func excluded(name, stem string) bool {
	lower := strings.ToLower(name)
	lowerStem := strings.ToLower(stem)
	return strings.Contains(lower, "mmproj") ||
		strings.HasSuffix(lowerStem, "-proj") ||
		strings.HasSuffix(lowerStem, ".factory") ||
		strings.HasPrefix(name, "_")
}

func (s *Scanner) match(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range s.exts {
		if strings.HasSuffix(lower, ext) && len(lower) > len(ext) {
			return name[len(name)-len(ext):]
		}
	}
	return ""
}

// LoadDir scans dir with the default extensions.
func LoadDir(dir string) ([]types.Model, error) {
	return NewScanner().Scan(dir)
}

// GuessQuant extracts a quantization tag such as Q4_K_M or F16 from a
// model file stem. It returns "" when none is found.
func GuessQuant(stem string) string {
	fields := strings.FieldsFunc(stem, func(r rune) bool {
		return r == '.' || r == '-' || r == ' '
	})
	for i := len(fields) - 1; i >= 0; i-- {
		f := strings.ToUpper(fields[i])
		switch {
		case f == "F16" || f == "BF16" || f == "F32":
			return f
		case len(f) >= 2 && f[0] == 'Q' && f[1] >= '0' && f[1] <= '9':
			return f
		case len(f) >= 3 && strings.HasPrefix(f, "IQ") && f[2] >= '0' && f[2] <= '9':
			return f
		}
	}
	return ""
}
