package cache

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	xdraw "golang.org/x/image/draw"

	"vizcache-gateway/pkg/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	return logging.WithLogger(context.Background(), zaptest.NewLogger(t))
}

// silentListener returns the address of a TCP server that accepts
// connections and never answers, like a Redis that hangs.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return ln.Addr().String()
}

// sceneA: soft horizontal wave, vertical wave and a bright disk upper left.
func sceneA() image.Image {
	return renderScene(256, 256, func(x, y float64) float64 {
		v := 128 +
			45*math.Sin(2*math.Pi*x) +
			35*math.Cos(2*math.Pi*2*y)
		if (x-0.3)*(x-0.3)+(y-0.3)*(y-0.3) < 0.04 {
			v += 60
		}
		return v
	})
}

// sceneB: unrelated layout, diagonal bands and a dark block lower right.
func sceneB() image.Image {
	return renderScene(256, 256, func(x, y float64) float64 {
		v := 128 +
			50*math.Cos(2*math.Pi*3*x+1.3) -
			40*math.Sin(2*math.Pi*(x+y)) +
			25*math.Sin(2*math.Pi*y+0.7)
		if x > 0.6 && y > 0.6 {
			v -= 70
		}
		return v
	})
}

func renderScene(w, h int, f func(x, y float64) float64) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			v := f(float64(px)/float64(w), float64(py)/float64(h))
			l := uint8(math.Max(0, math.Min(255, v)))
			img.Set(px, py, color.RGBA{R: l, G: uint8(int(l) * 9 / 10), B: uint8(255 - int(l)/2), A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func scale(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}
