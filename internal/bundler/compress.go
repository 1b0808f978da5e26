package bundler

import (
	"bytes"
	"context"
	"path"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"

	"github.com/vango-dev/packscripts/internal/errors"
)

// compressThreshold is the smallest asset that gets compressed siblings.
const compressThreshold = 1024

var compressible = map[string]bool{
	".js":   true,
	".mjs":  true,
	".css":  true,
	".html": true,
	".json": true,
	".svg":  true,
	".txt":  true,
	".map":  true,
	".xml":  true,
}

// CompressEmitter writes .gz and .br siblings next to text assets.
type CompressEmitter struct {
	// Algorithms lists "gzip" and/or "br".
	Algorithms []string
}

func (CompressEmitter) Name() string { return "compress" }

func (e CompressEmitter) Emit(_ context.Context, c *Compilation) error {
	for _, name := range c.Assets() {
		if !compressible[path.Ext(name)] || c.assets[name] < compressThreshold {
			continue
		}
		data, err := readAll(c, name)
		if err != nil {
			return errors.New("E142").Wrap(err)
		}
		for _, algo := range e.Algorithms {
			var (
				out    []byte
				suffix string
			)
			switch algo {
			case "gzip":
				out, err = gzipBytes(data)
				suffix = ".gz"
			case "br":
				out, err = brotliBytes(data)
				suffix = ".br"
			default:
				continue
			}
			if err != nil {
				return errors.New("E142").WithDetail("Compressing " + name).Wrap(err)
			}
			if err := c.WriteFile(name+suffix, out); err != nil {
				return errors.New("E142").Wrap(err)
			}
		}
	}
	return nil
}

func readAll(c *Compilation, name string) ([]byte, error) {
	f, err := c.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(f)
	return buf.Bytes(), err
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func brotliBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.BestCompression)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
