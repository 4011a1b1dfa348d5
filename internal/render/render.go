// Package render rasterizes a grid snapshot into PNG frames for the
// timelapse pipeline.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	"blockparty/internal/canvas"
)

// palette mirrors the canvas block colors.
var palette = map[canvas.BlockType]color.RGBA{
	canvas.BlockGrass: {R: 0x4c, G: 0xaf, B: 0x50, A: 0xff},
	canvas.BlockWater: {R: 0x21, G: 0x96, B: 0xf3, A: 0xff},
	canvas.BlockStone: {R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff},
	canvas.BlockWood:  {R: 0x79, G: 0x55, B: 0x48, A: 0xff},
	canvas.BlockHouse: {R: 0xf4, G: 0x43, B: 0x36, A: 0xff},
	canvas.BlockTree:  {R: 0x2e, G: 0x7d, B: 0x32, A: 0xff},
}

var background = color.RGBA{R: 0x26, G: 0x32, B: 0x38, A: 0xff}

// Renderer draws each cell as a cellPx square.
type Renderer struct {
	gridSize int
	cellPx   int
}

func New(gridSize, cellPx int) *Renderer {
	if cellPx <= 0 {
		cellPx = 8
	}
	return &Renderer{gridSize: gridSize, cellPx: cellPx}
}

// Frame renders one snapshot to PNG bytes.
func (r *Renderer) Frame(blocks map[canvas.Cell]canvas.Block) ([]byte, error) {
	side := r.gridSize * r.cellPx
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			img.SetRGBA(x, y, background)
		}
	}
	for cell, block := range blocks {
		c, ok := palette[block.Type]
		if !ok {
			continue
		}
		x0, y0 := cell.X*r.cellPx, cell.Y*r.cellPx
		for y := y0; y < y0+r.cellPx; y++ {
			for x := x0; x < x0+r.cellPx; x++ {
				img.SetRGBA(x, y, c)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FrameFunc adapts a snapshot source to the capture pipeline.
func (r *Renderer) FrameFunc(source func() map[canvas.Cell]canvas.Block) func() ([]byte, error) {
	return func() ([]byte, error) {
		return r.Frame(source())
	}
}
