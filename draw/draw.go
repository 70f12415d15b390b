// draw.go implements the box/label drawing algorithm and the
// viewport-adaptive thickness/text-scale/filtering rules of spec.md §4.9.
package draw

import (
	"fmt"
	"math"

	"github.com/n0remac/rtsp-vision/frame"
)

// ViewportRenderConfig is spec.md §3's per-channel viewport render config.
type ViewportRenderConfig struct {
	ViewportW, ViewportH int
	ReferenceArea        float64 // area a scale factor of 1.0 corresponds to
	IsSmallViewport       bool
	MinBoxThickness       int
	MaxBoxThickness       int
	MinTextScale          float64
	MaxTextScale          float64
	ShowClassNames        bool
	ShowConfidence        bool
}

// DefaultViewportRenderConfig returns a config for a viewport at
// referenceArea (scale factor 1.0) with the spec's drawing defaults.
func DefaultViewportRenderConfig(w, h int) ViewportRenderConfig {
	ref := float64(w * h)
	return ViewportRenderConfig{
		ViewportW: w, ViewportH: h,
		ReferenceArea:   ref,
		IsSmallViewport: w < 160 || h < 120,
		MinBoxThickness: 1,
		MaxBoxThickness: 6,
		MinTextScale:    0.4,
		MaxTextScale:    2.0,
		ShowClassNames:  true,
		ShowConfidence:  true,
	}
}

// ScaleFactor is √(area / reference area) (spec.md §3).
func (c ViewportRenderConfig) ScaleFactor() float64 {
	if c.ReferenceArea <= 0 {
		return 1
	}
	return math.Sqrt(float64(c.ViewportW*c.ViewportH) / c.ReferenceArea)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// BoxThickness computes the box line thickness for a detection of size
// w x h in a viewport configured by cfg (spec.md §4.9).
func BoxThickness(w, h int, cfg ViewportRenderConfig) int {
	minWH := w
	if h < minWH {
		minWH = h
	}
	base := clampInt(minWH/200, 1, cfg.MaxBoxThickness)
	scaled := int(math.Round(float64(base) * cfg.ScaleFactor()))
	return clampInt(scaled, cfg.MinBoxThickness, cfg.MaxBoxThickness)
}

// TextScale computes the label text scale (spec.md §4.9).
func TextScale(w, h int, cfg ViewportRenderConfig) float64 {
	minWH := w
	if h < minWH {
		minWH = h
	}
	raw := float64(minWH) / 1000 * cfg.ScaleFactor()
	return clampF(raw, cfg.MinTextScale, cfg.MaxTextScale)
}

// PassesSmallViewportFilter applies spec.md §4.9's small-viewport
// filtering rules. Always true when the viewport isn't small.
func PassesSmallViewportFilter(d frame.Detection, cfg ViewportRenderConfig) bool {
	if !cfg.IsSmallViewport {
		return true
	}
	if d.Confidence > 0.9 {
		return true
	}
	if d.Confidence < 0.7 {
		return false
	}
	if d.W < 10 || d.H < 10 {
		return false
	}
	viewportArea := float64(cfg.ViewportW * cfg.ViewportH)
	if viewportArea <= 0 {
		return true
	}
	boxArea := float64(d.W * d.H)
	return boxArea/viewportArea > 0.01
}

// LabelText builds the label string per spec.md §4.9's "show_class_names"/
// "show_confidence" rules. Returns "" when both are off (box-only).
func LabelText(d frame.Detection, cfg ViewportRenderConfig) string {
	switch {
	case cfg.ShowClassNames && cfg.ShowConfidence:
		return fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
	case cfg.ShowClassNames:
		return d.ClassName
	case cfg.ShowConfidence:
		return fmt.Sprintf("%.2f", d.Confidence)
	default:
		return ""
	}
}

// DrawDetections draws every detection that passes the small-viewport
// filter onto an RGBA buffer (stride bytes/row, dimensions w x h).
func DrawDetections(buf []byte, stride, w, h int, dets []frame.Detection, cfg ViewportRenderConfig) {
	for _, d := range dets {
		if !PassesSmallViewportFilter(d, cfg) {
			continue
		}
		color := ColorForClass(d.ClassID)
		thickness := BoxThickness(d.W, d.H, cfg)
		drawRectangle(buf, stride, w, h, d.X, d.Y, d.W, d.H, color, thickness)

		label := LabelText(d, cfg)
		if label == "" {
			continue
		}
		scale := TextScale(d.W, d.H, cfg)
		textY := d.Y - 4
		if textY-8*int(math.Ceil(scale)) < 0 {
			textY = d.Y + 12
		}
		textW := textWidth(label, scale)
		textX := clampInt(d.X, 0, maxInt(0, w-textW))

		if scale > 0.5 {
			shadeBackground(buf, stride, w, h, textX, textY, textW, int(8*scale))
		}
		drawText(buf, stride, w, h, textX, textY, label, scale, color)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// shadeBackground halves R,G,B (preserving A) in the given rectangle,
// before drawing text, to improve contrast (spec.md §4.9).
func shadeBackground(buf []byte, stride, w, h int, x, y, rw, rh int) {
	for row := y; row < y+rh; row++ {
		if row < 0 || row >= h {
			continue
		}
		for col := x; col < x+rw; col++ {
			if col < 0 || col >= w {
				continue
			}
			off := row*stride + col*4
			if off+3 >= len(buf) {
				continue
			}
			buf[off] /= 2
			buf[off+1] /= 2
			buf[off+2] /= 2
		}
	}
}
