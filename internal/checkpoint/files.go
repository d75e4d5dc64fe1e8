package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dativo-io/warden/internal/cryptoutil"
)

const (
	extJSON = ".json"
	extGzip = ".gz"
	extBox  = ".box"
	extDiff = ".diff.json"
)

// encode renders v as JSON, gzips it when it exceeds threshold (threshold
// <= 0 disables compression) and seals it when key is set. It returns the
// bytes and the file suffix that describes them.
func encode(v any, threshold int, key *[32]byte, allowGzip bool) ([]byte, string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	suffix := ""
	if allowGzip && threshold > 0 && len(data) > threshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, "", err
		}
		if err := zw.Close(); err != nil {
			return nil, "", err
		}
		data = buf.Bytes()
		suffix = extGzip
	}
	if key != nil {
		if data, err = cryptoutil.Seal(key, data); err != nil {
			return nil, "", err
		}
		suffix += extBox
	}
	return data, suffix, nil
}

// decode reverses encode using the file name to tell which layers apply.
func decode(path string, data []byte, key *[32]byte, v any) error {
	name := path
	if strings.HasSuffix(name, extBox) {
		if key == nil {
			return fmt.Errorf("%w: %s is sealed and no key is configured", ErrCorrupted, filepath.Base(path))
		}
		plain, err := cryptoutil.Open(key, data)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupted, filepath.Base(path), err)
		}
		data = plain
		name = strings.TrimSuffix(name, extBox)
	}
	if strings.HasSuffix(name, extGzip) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupted, filepath.Base(path), err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupted, filepath.Base(path), err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, filepath.Base(path), err)
	}
	return nil
}

// writeAtomic writes data through a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// isSnapshotFile matches "<id>.json[.gz][.box]" but not diff or temp files.
func isSnapshotFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	base := strings.TrimSuffix(strings.TrimSuffix(name, extBox), extGzip)
	return strings.HasSuffix(base, extJSON) && !strings.HasSuffix(base, extDiff)
}

// diffPaths lists every name a checkpoint's diff may have been written under.
func diffPaths(dir, id string) []string {
	p := filepath.Join(dir, id+extDiff)
	return []string{p, p + extBox}
}
