package detections

import (
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/sys/cpu"
)

// CPUFeatures reports the vector extensions the int8 improved model benefits from.
func CPUFeatures() map[string]bool {
	return map[string]bool{
		"avx2":        cpu.X86.HasAVX2,
		"avx512f":     cpu.X86.HasAVX512F,
		"avx512_vnni": cpu.X86.HasAVX512VNNI,
		"sse41":       cpu.X86.HasSSE41,
		"asimd":       cpu.ARM64.HasASIMD,
		"asimddp":     cpu.ARM64.HasASIMDDP,
	}
}

// HasInt8Acceleration reports whether quantized inference has a fast path here.
func HasInt8Acceleration() bool {
	return cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD
}

// ErrEmptyImage is returned for frames with no pixels.
var ErrEmptyImage = errors.New("image has zero width or height")

// Preprocessor resizes frames and lays them out the way each detector expects.
type Preprocessor struct {
	numWorkers int
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{numWorkers: runtime.GOMAXPROCS(0)}
}

// Improved resizes to a size x size square (aspect ratio not preserved) and
// writes plane-major RGB scaled to [0, 1] into dst.
func (p *Preprocessor) Improved(img image.Image, size int, dst []float32) error {
	channelSize := size * size
	if len(dst) < channelSize*3 {
		return fmt.Errorf("input tensor holds %d values, need %d", len(dst), channelSize*3)
	}
	if img.Bounds().Empty() {
		return ErrEmptyImage
	}

	resized := imaging.Resize(img, size, size, imaging.Linear)
	p.forRows(size, func(start, end int) {
		for y := start; y < end; y++ {
			row := resized.Pix[y*resized.Stride:]
			offset := y * size
			for x := 0; x < size; x++ {
				i := offset + x
				px := row[x*4:]
				dst[i] = float32(px[0]) / 255.0
				dst[channelSize+i] = float32(px[1]) / 255.0
				dst[channelSize*2+i] = float32(px[2]) / 255.0
			}
		}
	})
	return nil
}

// Baseline resizes to a size x size square and writes interleaved RGB bytes (HWC).
func (p *Preprocessor) Baseline(img image.Image, size int, dst []uint8) error {
	if len(dst) < size*size*3 {
		return fmt.Errorf("input tensor holds %d values, need %d", len(dst), size*size*3)
	}
	if img.Bounds().Empty() {
		return ErrEmptyImage
	}

	resized := imaging.Resize(img, size, size, imaging.Linear)
	p.forRows(size, func(start, end int) {
		for y := start; y < end; y++ {
			row := resized.Pix[y*resized.Stride:]
			offset := y * size * 3
			for x := 0; x < size; x++ {
				copy(dst[offset+x*3:offset+x*3+3], row[x*4:x*4+3])
			}
		}
	})
	return nil
}

func (p *Preprocessor) forRows(height int, fn func(start, end int)) {
	workers := max(1, min(p.numWorkers, height))
	rowsPerWorker := height / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if w == workers-1 {
			end = height
		}
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
