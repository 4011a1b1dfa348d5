package render

import (
	"bytes"
	"image/png"
	"testing"

	"blockparty/internal/canvas"
)

func TestFrameDimensionsAndColors(t *testing.T) {
	r := New(50, 4)
	blocks := map[canvas.Cell]canvas.Block{
		{X: 0, Y: 0}:   {Type: canvas.BlockGrass, PlacedBy: "a"},
		{X: 49, Y: 49}: {Type: canvas.BlockWater, PlacedBy: "b"},
	}

	raw, err := r.Frame(blocks)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != 200 {
		t.Fatalf("bounds: %v", b)
	}

	red, green, blue, _ := img.At(1, 1).RGBA()
	want := palette[canvas.BlockGrass]
	if uint8(red>>8) != want.R || uint8(green>>8) != want.G || uint8(blue>>8) != want.B {
		t.Fatalf("corner not grass colored: %d %d %d", red>>8, green>>8, blue>>8)
	}

	// Empty cells keep the background.
	red, green, blue, _ = img.At(100, 100).RGBA()
	if uint8(red>>8) != background.R || uint8(green>>8) != background.G || uint8(blue>>8) != background.B {
		t.Fatalf("background wrong: %d %d %d", red>>8, green>>8, blue>>8)
	}
}

func TestFrameEmptyGrid(t *testing.T) {
	r := New(10, 2)
	raw, err := r.Frame(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := png.Decode(bytes.NewReader(raw)); err != nil {
		t.Fatal(err)
	}
}
