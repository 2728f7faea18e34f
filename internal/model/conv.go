package model

const kernel = 3

// conv is a 3x3 same-padded convolution with bias. Weights are laid out
// [out, in, ky, kx].
type conv struct {
	in, out int
	weight  *Parameter
	bias    *Parameter
}

func (c *conv) weightAt(o, i, ky, kx int) int {
	return ((o*c.in+i)*kernel+ky)*kernel + kx
}

// forward writes conv(src) into dst. src is [in,h,w], dst is [out,h,w].
func (c *conv) forward(dst, src []float64, h, w int) {
	wt := c.weight.Value
	b := c.bias.Value
	plane := h * w
	for o := 0; o < c.out; o++ {
		out := dst[o*plane : (o+1)*plane]
		for p := range out {
			out[p] = b[o]
		}
		for i := 0; i < c.in; i++ {
			in := src[i*plane : (i+1)*plane]
			for ky := 0; ky < kernel; ky++ {
				for kx := 0; kx < kernel; kx++ {
					k := wt[c.weightAt(o, i, ky, kx)]
					dy, dx := ky-1, kx-1
					for y := 0; y < h; y++ {
						iy := y + dy
						if iy < 0 || iy >= h {
							continue
						}
						row := out[y*w : (y+1)*w]
						srcRow := in[iy*w : (iy+1)*w]
						x0, x1 := 0, w
						if dx < 0 {
							x0 = -dx
						} else {
							x1 = w - dx
						}
						for x := x0; x < x1; x++ {
							row[x] += k * srcRow[x+dx]
						}
					}
				}
			}
		}
	}
}

// backward accumulates into gw and gb, and into gsrc when it is non-nil.
// gout is [out,h,w] and src is the forward input.
func (c *conv) backward(gsrc, gw, gb, gout, src []float64, h, w int) {
	wt := c.weight.Value
	plane := h * w
	for o := 0; o < c.out; o++ {
		g := gout[o*plane : (o+1)*plane]
		for _, v := range g {
			gb[o] += v
		}
		for i := 0; i < c.in; i++ {
			in := src[i*plane : (i+1)*plane]
			var gin []float64
			if gsrc != nil {
				gin = gsrc[i*plane : (i+1)*plane]
			}
			for ky := 0; ky < kernel; ky++ {
				for kx := 0; kx < kernel; kx++ {
					idx := c.weightAt(o, i, ky, kx)
					k := wt[idx]
					dy, dx := ky-1, kx-1
					x0, x1 := 0, w
					if dx < 0 {
						x0 = -dx
					} else {
						x1 = w - dx
					}
					acc := 0.0
					for y := 0; y < h; y++ {
						iy := y + dy
						if iy < 0 || iy >= h {
							continue
						}
						gRow := g[y*w : (y+1)*w]
						srcRow := in[iy*w : (iy+1)*w]
						for x := x0; x < x1; x++ {
							acc += gRow[x] * srcRow[x+dx]
						}
						if gin != nil {
							ginRow := gin[iy*w : (iy+1)*w]
							for x := x0; x < x1; x++ {
								ginRow[x+dx] += gRow[x] * k
							}
						}
					}
					gw[idx] += acc
				}
			}
		}
	}
}

func relu(dst, src []float64) {
	for i, v := range src {
		if v > 0 {
			dst[i] = v
		} else {
			dst[i] = 0
		}
	}
}

// reluMask zeroes g wherever the pre-activation x was not positive.
func reluMask(g, x []float64) {
	for i, v := range x {
		if v <= 0 {
			g[i] = 0
		}
	}
}
