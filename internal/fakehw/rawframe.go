package fakehw

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/lanternops/streamd/internal/encoder"
)

// FramePusher is the slice of encoder.Core that RawFrameSource depends on.
type FramePusher interface {
	PushRaw(encoder.RawFrame)
}

// RawFrameSource stands in for a camera: it renders a synthetic frame with
// a burned-in timestamp and sequence number on every tick and pushes it to
// a FramePusher (normally an *encoder.Core in buffer mode), in place of
// the out-of-scope camera collaborator (§6.3).
type RawFrameSource struct {
	pusher FramePusher

	mu     sync.Mutex
	active bool
	width  int
	height int
	fps    int
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRawFrameSource constructs a source that pushes frames to pusher.
func NewRawFrameSource(pusher FramePusher) *RawFrameSource {
	return &RawFrameSource{pusher: pusher}
}

// Start begins generating width x height frames at fps until Stop is
// called. Returns an error if already active.
func (r *RawFrameSource) Start(width, height, fps int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return fmt.Errorf("fakehw: raw frame source already active")
	}
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}
	if fps <= 0 {
		fps = defaultFPS
	}
	r.width, r.height, r.fps = width, height, fps
	r.active = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run()
	return nil
}

// Stop halts frame generation and waits for the worker goroutine to exit.
// A no-op if not active.
func (r *RawFrameSource) Stop() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.active = false
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()
	<-doneCh
}

func (r *RawFrameSource) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *RawFrameSource) run() {
	defer close(r.doneCh)

	r.mu.Lock()
	fps := r.fps
	r.mu.Unlock()

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			seq++
			img := r.renderFrame(seq, now)
			r.pusher.PushRaw(encoder.RawFrame{
				Data:               img.Pix,
				CaptureTimestampUS: now.UnixMicro(),
				CaptureEpochMS:     now.UnixMilli(),
			})
		}
	}
}

func (r *RawFrameSource) renderFrame(seq int64, at time.Time) *image.RGBA {
	r.mu.Lock()
	w, h := r.width, r.height
	r.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 32, G: 32, B: 32, A: 255}}, image.Point{}, draw.Src)

	label := fmt.Sprintf("%s  #%d", at.Format("15:04:05.000"), seq)
	drawLabel(img, 10, 10, label, color.RGBA{R: 0, G: 255, B: 0, A: 255})

	return img
}

// drawLabel burns label onto img at (x, y) with a filled background
// rectangle for legibility, the same font.Drawer/basicfont/fixed.Point26_6
// combination used for MJPEG overlay text.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}

	bg := color.RGBA{R: 0, G: 0, B: 0, A: 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if px >= 0 && px < img.Bounds().Max.X && py >= 0 && py < img.Bounds().Max.Y {
				img.Set(px, py, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
