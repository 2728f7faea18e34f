package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sample is one low/high resolution patch pair decoded from a shard.
type Sample struct {
	Key    string
	Height int
	Width  int
	Input  []float64
	Target []float64
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("patches: pending pair buffer exceeded")

const defaultPendingCap = 1024

const (
	roleInput  = ".input"
	roleTarget = ".target"
)

// StreamShard streams paired patches from the shard at path. Each sample is
// stored as two PNG entries, <key>.input.png and <key>.target.png.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			if !strings.EqualFold(filepath.Ext(name), ".png") {
				continue
			}
			stem := strings.TrimSuffix(name, filepath.Ext(name))
			role := strings.ToLower(filepath.Ext(stem))
			if role != roleInput && role != roleTarget {
				continue
			}
			key := strings.TrimSuffix(stem, filepath.Ext(stem))

			data, err := io.ReadAll(tr)
			if err != nil {
				errCh <- fmt.Errorf("read patch %s: %w", name, err)
				return
			}
			plane, h, w, err := decodePlane(data)
			if err != nil {
				errCh <- fmt.Errorf("decode patch %s: %w", name, err)
				return
			}

			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			if part.height != 0 && (part.height != h || part.width != w) {
				errCh <- fmt.Errorf("patch %s: %dx%d does not match its pair %dx%d", key, h, w, part.height, part.width)
				return
			}
			part.height, part.width = h, w
			if role == roleInput {
				part.input = plane
			} else {
				part.target = plane
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				sample := Sample{Key: key, Height: h, Width: w, Input: part.input, Target: part.target}
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%d patches incomplete", len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	height, width int
	input         []float64
	target        []float64
}

func (p *partial) ready() bool {
	return p.input != nil && p.target != nil
}

// decodePlane decodes an image into a row-major luminance plane in [0,1].
func decodePlane(raw []byte) ([]float64, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, 0, err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, 0, 0, errors.New("empty image")
	}
	plane := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			plane[y*width+x] = float64(g.Y) / 65535.0
		}
	}
	return plane, height, width, nil
}
