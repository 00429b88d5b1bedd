package x11

// cursorImage is an XFixes cursor positioned relative to the captured output.
// Pixels are premultiplied ARGB.
type cursorImage struct {
	x, y          int
	width, height int
	pixels        []uint32
}

// compositeCursor draws the cursor over a BGRX image
func compositeCursor(dst []byte, stride, width, height int, cur cursorImage) {
	for cy := 0; cy < cur.height; cy++ {
		dy := cur.y + cy
		if dy < 0 || dy >= height {
			continue
		}
		for cx := 0; cx < cur.width; cx++ {
			dx := cur.x + cx
			if dx < 0 || dx >= width {
				continue
			}
			idx := cy*cur.width + cx
			if idx >= len(cur.pixels) {
				return
			}

			p := cur.pixels[idx]
			a := p >> 24
			if a == 0 {
				continue
			}

			off := dy*stride + dx*4
			if off+3 >= len(dst) {
				continue
			}

			inv := 255 - a
			dst[off+0] = byte(p&0xff + uint32(dst[off+0])*inv/255)
			dst[off+1] = byte(p>>8&0xff + uint32(dst[off+1])*inv/255)
			dst[off+2] = byte(p>>16&0xff + uint32(dst[off+2])*inv/255)
		}
	}
}
