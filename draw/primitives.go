// primitives.go: pixel-level line/rectangle/text drawing. The thick-line
// routine decomposes a line into offset parallel 1px scans rather than a
// Bresenham-plus-stroke-library approach, following
// original_source/draw/cv_draw.cpp's drawThickLine (SPEC_FULL §4).
package draw

func setPixel(buf []byte, stride, w, h int, x, y int, c RGBA) {
	if x < 0 || x >= w || y < 0 || y >= h {
		return
	}
	off := y*stride + x*4
	if off+3 >= len(buf) {
		return
	}
	if c.A == 255 {
		buf[off], buf[off+1], buf[off+2], buf[off+3] = c.R, c.G, c.B, c.A
		return
	}
	// Alpha blend for partially transparent colors.
	a := float64(c.A) / 255
	buf[off] = byte(float64(c.R)*a + float64(buf[off])*(1-a))
	buf[off+1] = byte(float64(c.G)*a + float64(buf[off+1])*(1-a))
	buf[off+2] = byte(float64(c.B)*a + float64(buf[off+2])*(1-a))
}

// drawThickLine draws a line from (x0,y0) to (x1,y1) at the given
// thickness by decomposing it into `thickness` parallel 1px scans offset
// perpendicular to the line direction.
func drawThickLine(buf []byte, stride, w, h, x0, y0, x1, y1 int, c RGBA, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	dx := x1 - x0
	dy := y1 - y0
	length := isqrt(dx*dx + dy*dy)
	var nx, ny float64
	if length > 0 {
		nx = -float64(dy) / float64(length)
		ny = float64(dx) / float64(length)
	}
	half := thickness / 2
	for t := -half; t <= thickness-half-1; t++ {
		ox := int(nx * float64(t))
		oy := int(ny * float64(t))
		drawLine1px(buf, stride, w, h, x0+ox, y0+oy, x1+ox, y1+oy, c)
	}
}

func isqrt(v int) int {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 20; i++ {
		x = (x + v/x) / 2
	}
	return x
}

// drawLine1px is a standard Bresenham line.
func drawLine1px(buf []byte, stride, w, h, x0, y0, x1, y1 int, c RGBA) {
	dx := absInt(x1 - x0)
	dy := -absInt(y1 - y0)
	sx, sy := 1, 1
	if x0 >= x1 {
		sx = -1
	}
	if y0 >= y1 {
		sy = -1
	}
	err := dx + dy
	x, y := x0, y0
	for {
		setPixel(buf, stride, w, h, x, y, c)
		if x == x1 && y == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// drawRectangle draws an axis-aligned box outline at the given thickness.
func drawRectangle(buf []byte, stride, w, h int, x, y, bw, bh int, c RGBA, thickness int) {
	x2, y2 := x+bw, y+bh
	drawThickLine(buf, stride, w, h, x, y, x2, y, c, thickness)
	drawThickLine(buf, stride, w, h, x2, y, x2, y2, c, thickness)
	drawThickLine(buf, stride, w, h, x2, y2, x, y2, c, thickness)
	drawThickLine(buf, stride, w, h, x, y2, x, y, c, thickness)
}

// drawText renders s using the 8x8 bitmap font at the given scale,
// top-left anchored at (x,y).
func drawText(buf []byte, stride, w, h int, x, y int, s string, scale float64, c RGBA) {
	cursorX := x
	for i := 0; i < len(s); i++ {
		glyph := GlyphFor(s[i])
		drawGlyph(buf, stride, w, h, cursorX, y, glyph, scale, c)
		cursorX += int(8 * scale)
	}
}

func drawGlyph(buf []byte, stride, w, h int, x, y int, g Glyph, scale float64, c RGBA) {
	for row := 0; row < 8; row++ {
		bits := g[row]
		for col := 0; col < 8; col++ {
			if bits&(1<<uint(col)) == 0 {
				continue
			}
			if scale == 1 {
				setPixel(buf, stride, w, h, x+col, y+row, c)
				continue
			}
			px0 := x + int(float64(col)*scale)
			py0 := y + int(float64(row)*scale)
			px1 := x + int(float64(col+1)*scale)
			py1 := y + int(float64(row+1)*scale)
			if px1 <= px0 {
				px1 = px0 + 1
			}
			if py1 <= py0 {
				py1 = py0 + 1
			}
			for py := py0; py < py1; py++ {
				for px := px0; px < px1; px++ {
					setPixel(buf, stride, w, h, px, py, c)
				}
			}
		}
	}
}

// textWidth returns the pixel width of s at the given scale.
func textWidth(s string, scale float64) int {
	return int(float64(len(s)*8) * scale)
}
