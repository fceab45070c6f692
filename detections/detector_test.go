package detections

import (
	"context"
	"errors"
	"image"
	"image/color"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tutortoise/exam-proctor-detector/models"
)

type fakeSession struct {
	mu        sync.Mutex
	floatIn   []float32
	byteIn    []uint8
	outputs   []Tensor
	runErr    error
	runs      int
	destroyed bool
}

func (s *fakeSession) FloatInput() []float32 { return s.floatIn }
func (s *fakeSession) ByteInput() []uint8    { return s.byteIn }
func (s *fakeSession) Outputs() []Tensor     { return s.outputs }

func (s *fakeSession) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	return s.runErr
}

func (s *fakeSession) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
}

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func newImprovedFake(outputs []Tensor) *fakeSession {
	return &fakeSession{
		floatIn: make([]float32, 3*ImprovedInputSize*ImprovedInputSize),
		outputs: outputs,
	}
}

func TestPooledDetectorImproved(t *testing.T) {
	grid := improvedRows([]prediction{
		{cx: 320, cy: 320, w: 64, h: 64, class: cellPhoneID, score: 0.75},
	})
	session := newImprovedFake([]Tensor{transpose(grid)})

	pool, err := NewSessionPool(func() (InferenceSession, error) { return session, nil }, 1)
	if err != nil {
		t.Fatalf("NewSessionPool: %v", err)
	}
	variant, _ := VariantFor(models.Improved)
	d := NewPooledDetector(variant, pool)
	defer d.Close()

	timings := &models.ProcessingTimings{}
	dets, err := d.Detect(context.Background(), solidImage(1280, 320, color.White), timings)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 1 || dets[0].Class != "cell phone" {
		t.Fatalf("unexpected detections: %+v", dets)
	}
	want := models.Box{X: 576, Y: 144, W: 128, H: 32}
	if dets[0].Box != want {
		t.Errorf("box = %+v, want %+v", dets[0].Box, want)
	}
	if session.floatIn[0] != 1 {
		t.Errorf("white pixel should normalize to 1, got %v", session.floatIn[0])
	}

	m := d.PoolMetrics()
	if m.InUse != 0 || m.TotalAcquired != 1 || m.TotalReleased != 1 {
		t.Errorf("unexpected pool metrics: %+v", m)
	}
}

func TestPooledDetectorRunFailureDiscardsSession(t *testing.T) {
	var created []*fakeSession
	factory := func() (InferenceSession, error) {
		s := newImprovedFake(nil)
		s.runErr = errors.New("runtime exploded")
		created = append(created, s)
		return s, nil
	}
	pool, err := NewSessionPool(factory, 1)
	if err != nil {
		t.Fatalf("NewSessionPool: %v", err)
	}
	variant, _ := VariantFor(models.Improved)
	d := NewPooledDetector(variant, pool)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Detect(ctx, solidImage(8, 8, color.Black), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// the first attempt fails in the runtime; the deadline expires during the retry backoff
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Detect(ctx, solidImage(8, 8, color.Black), nil); err == nil {
		t.Fatal("expected an error")
	}
	if !created[0].destroyed {
		t.Error("broken session should be destroyed")
	}
	if got := d.PoolMetrics().Discarded; got != 1 {
		t.Errorf("Discarded = %d, want 1", got)
	}
}

func TestPooledDetectorDecodeFailureNotRetried(t *testing.T) {
	session := newImprovedFake([]Tensor{{Shape: []int64{1, 3, 3}, Data: make([]float32, 9)}})
	pool, err := NewSessionPool(func() (InferenceSession, error) { return session, nil }, 1)
	if err != nil {
		t.Fatalf("NewSessionPool: %v", err)
	}
	variant, _ := VariantFor(models.Improved)
	d := NewPooledDetector(variant, pool)
	defer d.Close()

	_, err = d.Detect(context.Background(), solidImage(8, 8, color.Black), nil)
	if !errors.Is(err, models.ErrDecodeFailure) {
		t.Fatalf("expected ErrDecodeFailure, got %v", err)
	}
	if session.runs != 1 {
		t.Errorf("decode failure retried: %d runs", session.runs)
	}
}

func TestSessionPoolClosed(t *testing.T) {
	pool, err := NewSessionPool(func() (InferenceSession, error) { return newImprovedFake(nil), nil }, 2)
	if err != nil {
		t.Fatalf("NewSessionPool: %v", err)
	}
	pool.Destroy()
	pool.Destroy()
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestSessionPoolFactoryFailure(t *testing.T) {
	calls := 0
	_, err := NewSessionPool(func() (InferenceSession, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("no memory")
		}
		return newImprovedFake(nil), nil
	}, 3)
	if err == nil {
		t.Fatal("expected factory error")
	}
}

func TestPreprocessBaselineLayout(t *testing.T) {
	p := NewPreprocessor()
	dst := make([]uint8, 4*4*3)
	if err := p.Baseline(solidImage(10, 6, color.RGBA{R: 200, G: 100, B: 50, A: 255}), 4, dst); err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	for i := 0; i < len(dst); i += 3 {
		if dst[i] != 200 || dst[i+1] != 100 || dst[i+2] != 50 {
			t.Fatalf("pixel %d = %v, want [200 100 50]", i/3, dst[i:i+3])
		}
	}

	if err := p.Baseline(solidImage(2, 2, color.White), 4, make([]uint8, 3)); err == nil {
		t.Error("expected an error for a short buffer")
	}
}

func TestPreprocessImprovedLayout(t *testing.T) {
	p := NewPreprocessor()
	size := 4
	dst := make([]float32, 3*size*size)
	if err := p.Improved(solidImage(7, 3, color.RGBA{R: 255, G: 0, B: 51, A: 255}), size, dst); err != nil {
		t.Fatalf("Improved: %v", err)
	}
	plane := size * size
	for i := 0; i < plane; i++ {
		if dst[i] != 1 || dst[plane+i] != 0 || !approx(float64(dst[2*plane+i]), 0.2) {
			t.Fatalf("pixel %d = (%v, %v, %v)", i, dst[i], dst[plane+i], dst[2*plane+i])
		}
	}
}

func TestPooledDetectorRejectsEmptyImage(t *testing.T) {
	session := newImprovedFake(nil)
	pool, err := NewSessionPool(func() (InferenceSession, error) { return session, nil }, 1)
	if err != nil {
		t.Fatalf("NewSessionPool: %v", err)
	}
	variant, _ := VariantFor(models.Improved)
	d := NewPooledDetector(variant, pool)
	defer d.Close()

	for _, r := range []image.Rectangle{image.Rect(0, 0, 0, 10), image.Rect(0, 0, 10, 0)} {
		_, err := d.Detect(context.Background(), image.NewRGBA(r), nil)
		if !errors.Is(err, ErrEmptyImage) {
			t.Errorf("Detect(%v): expected ErrEmptyImage, got %v", r, err)
		}
	}
	if session.runs != 0 {
		t.Errorf("empty frame reached the runtime: %d runs", session.runs)
	}
}

func TestPreprocessRejectsEmptyImage(t *testing.T) {
	p := NewPreprocessor()
	empty := image.NewNRGBA(image.Rect(0, 0, 0, 10))
	if err := p.Improved(empty, 4, make([]float32, 3*4*4)); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("Improved: expected ErrEmptyImage, got %v", err)
	}
	if err := p.Baseline(empty, 4, make([]uint8, 4*4*3)); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("Baseline: expected ErrEmptyImage, got %v", err)
	}
}

// countedSession tracks how many sessions are alive across a pool's lifetime.
type countedSession struct {
	*fakeSession
	alive *atomic.Int64
}

func (s countedSession) Destroy() {
	s.alive.Add(-1)
	s.fakeSession.Destroy()
}

func TestSessionPoolReplenishUnderLoad(t *testing.T) {
	var alive atomic.Int64
	factory := func() (InferenceSession, error) {
		alive.Add(1)
		return countedSession{fakeSession: newImprovedFake(nil), alive: &alive}, nil
	}
	const size = 2
	pool, err := NewSessionPool(factory, size)
	if err != nil {
		t.Fatalf("NewSessionPool: %v", err)
	}

	stop := make(chan struct{})
	var replenisher sync.WaitGroup
	replenisher.Add(1)
	go func() {
		defer replenisher.Done()
		for {
			select {
			case <-stop:
				return
			default:
				pool.replenish()
				runtime.Gosched()
			}
		}
	}()

	var workers sync.WaitGroup
	for w := 0; w < 4; w++ {
		workers.Add(1)
		go func(w int) {
			defer workers.Done()
			for i := 0; i < 300; i++ {
				s, err := pool.Acquire(context.Background())
				if err != nil {
					t.Errorf("worker %d: Acquire: %v", w, err)
					return
				}
				if n := alive.Load(); n > size {
					t.Errorf("%d sessions alive, pool size is %d", n, size)
				}
				pool.Release(s, i%5 == 0)
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("workers did not finish, metrics %+v", pool.GetMetrics())
	}
	close(stop)
	replenisher.Wait()

	pool.replenish()
	if pool.Live() != size || alive.Load() != size {
		t.Errorf("live = %d, alive = %d, want %d", pool.Live(), alive.Load(), size)
	}
	if m := pool.GetMetrics(); m.InUse != 0 || m.TotalAcquired != m.TotalReleased {
		t.Errorf("metrics = %+v", m)
	}

	pool.Destroy()
	if alive.Load() != 0 {
		t.Errorf("%d sessions leaked after Destroy", alive.Load())
	}
}

func TestSessionPoolReleaseNeverBlocks(t *testing.T) {
	pool, err := NewSessionPool(func() (InferenceSession, error) { return newImprovedFake(nil), nil }, 1)
	if err != nil {
		t.Fatalf("NewSessionPool: %v", err)
	}
	defer pool.Destroy()

	extra := newImprovedFake(nil)
	released := make(chan struct{})
	go func() {
		// the pool is already full, so this session has nowhere to go
		pool.Release(extra, false)
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Release blocked on a full pool")
	}
	if !extra.destroyed {
		t.Error("surplus session should be destroyed")
	}
}
