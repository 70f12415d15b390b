// Package draw implements detection-box and label drawing directly onto an
// RGBA buffer (spec.md §4.9 — component C9): fixed 10-color palette,
// viewport-adaptive thickness/text scale, an 8x8 bitmap font, small-viewport
// filtering, and background shading for text contrast. The thickness
// algorithm (parallel-offset-scan line decomposition) is grounded on
// original_source/draw/cv_draw.cpp's drawThickLine, reimplemented in Go
// since no drawing library is part of the spec's external-collaborator
// list (SPEC_FULL §4).
package draw

// RGBA is a 4-channel color.
type RGBA struct{ R, G, B, A byte }

// Palette is the fixed 10-color detection palette (spec.md §4.9).
var Palette = [10]RGBA{
	{0, 200, 0, 255},     // green
	{220, 20, 20, 255},   // red
	{30, 60, 220, 255},   // blue
	{230, 210, 20, 255},  // yellow
	{210, 30, 210, 255},  // magenta
	{20, 200, 210, 255},  // cyan
	{240, 130, 20, 255},  // orange
	{130, 30, 200, 255},  // purple
	{240, 110, 170, 255}, // pink
	{130, 130, 130, 255}, // gray
}

// ColorForClass returns palette[class_id mod 10] (spec.md §4.9, §8 law).
func ColorForClass(classID uint32) RGBA {
	return Palette[classID%10]
}
