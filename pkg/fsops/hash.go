package fsops

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Checksum is the content digest of one file
type Checksum struct {
	Size   int64
	SHA256 string
	CRC32C uint32
}

// Compute hashes a single file with SHA-256 and CRC32C in one pass
func Compute(path string) (Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return Checksum{}, err
	}
	defer f.Close()

	h := sha256.New()
	crc := crc32.New(crc32.MakeTable(crc32.Castagnoli))

	n, err := io.Copy(io.MultiWriter(h, crc), f)
	if err != nil {
		return Checksum{}, err
	}

	return Checksum{
		Size:   n,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		CRC32C: crc.Sum32(),
	}, nil
}

// ComputeTree hashes every regular file below root, keyed by slash-separated
// relative path. A single file is keyed by its base name.
func ComputeTree(root string) (map[string]Checksum, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Checksum)
	if !info.IsDir() {
		c, err := Compute(root)
		if err != nil {
			return nil, err
		}
		out[filepath.Base(root)] = c
		return out, nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		c, err := Compute(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = c
		return nil
	})
	return out, err
}
