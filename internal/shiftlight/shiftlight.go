// Package shiftlight maps a current RPM value onto a WS2812B pixel frame
// according to an ordered list of thresholds (C1 in the design).
package shiftlight

// RGB is a single pixel color. Zero value is black (off).
type RGB struct {
	R, G, B uint8
}

// Threshold describes one entry in the ordered threshold sequence that
// drives the shift-light. Thresholds are evaluated in declared order;
// later active thresholds overwrite earlier ones' pixels within their
// own [StartLED, EndLED] range.
type Threshold struct {
	Name     string
	RPMMin   uint32
	StartLED int
	EndLED   int
	Color    RGB
	Blink    bool
	BlinkMS  uint32
}

// bakedThreshold holds a Threshold's range pre-clamped to a specific
// TotalLEDs, computed once per configuration revision so the per-frame
// render path does no clamping or brightness multiplication.
type bakedThreshold struct {
	rpmMin  uint32
	start   int
	end     int
	blink   bool
	blinkMS uint32
	color   RGB
}

// Plan is the precomputed "render plan" described in spec §9: a baked,
// brightness-scaled view of a threshold list for a specific TotalLEDs and
// Brightness, ready to be applied on every frame without recomputation.
type Plan struct {
	thresholds []bakedThreshold
	totalLEDs  int
}

// Bake precomputes a Plan from a threshold list, a total pixel count, and
// a global brightness (0-255, scaled linearly, floor rounding per the
// contract in spec §4.1 step 3). Call this once per configuration
// revision; pass the result to Render on every frame.
func Bake(thresholds []Threshold, totalLEDs int, brightness uint8) *Plan {
	maxLED := totalLEDs - 1
	if maxLED < 0 {
		maxLED = 0
	}
	baked := make([]bakedThreshold, len(thresholds))
	for i, t := range thresholds {
		start := clamp(t.StartLED, 0, maxLED)
		end := clamp(t.EndLED, 0, maxLED)
		baked[i] = bakedThreshold{
			rpmMin:  t.RPMMin,
			start:   start,
			end:     end,
			blink:   t.Blink,
			blinkMS: t.BlinkMS,
			color:   scaleColor(t.Color, brightness),
		}
	}
	return &Plan{thresholds: baked, totalLEDs: totalLEDs}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// scaleColor scales a color's channels linearly by brightness/255,
// rounding down (floor), as required by spec §4.1 step 3.
func scaleColor(c RGB, brightness uint8) RGB {
	return RGB{
		R: uint8(uint16(c.R) * uint16(brightness) / 255),
		G: uint8(uint16(c.G) * uint16(brightness) / 255),
		B: uint8(uint16(c.B) * uint16(brightness) / 255),
	}
}

// Frame is the rendered result of applying a Plan at a point in time.
type Frame struct {
	Pixels      []RGB
	HasBlinking bool
}

// isBlinkOn reports whether a blinking threshold is in its "on" phase at
// nowMS, per spec §4.1: on iff (nowMS / blinkMS) mod 2 == 0.
func isBlinkOn(nowMS uint64, blinkMS uint32) bool {
	if blinkMS == 0 {
		return true
	}
	return (nowMS/uint64(blinkMS))%2 == 0
}

// Render computes a pixel frame for rpm at nowMS (monotonic milliseconds
// since boot) from a baked Plan. Thresholds are applied cumulatively in
// declared order: every threshold with RPMMin <= rpm paints its range,
// later thresholds overwriting earlier ones' pixels within their range.
// A threshold mid-blink-off-phase paints nothing (leaving whatever an
// earlier active threshold already painted visible underneath).
func Render(rpm uint32, plan *Plan, nowMS uint64) Frame {
	pixels := make([]RGB, plan.totalLEDs)
	hasBlinking := false

	for _, t := range plan.thresholds {
		if rpm < t.rpmMin {
			continue
		}
		if t.blink {
			hasBlinking = true
			if !isBlinkOn(nowMS, t.blinkMS) {
				continue
			}
		}
		paintRange(pixels, t.start, t.end, t.color)
	}

	return Frame{Pixels: pixels, HasBlinking: hasBlinking}
}

// paintRange sets every pixel in [start, end] (inclusive, either order)
// to color.
func paintRange(pixels []RGB, start, end int, color RGB) {
	lo, hi := start, end
	if lo > hi {
		lo, hi = hi, lo
	}
	for i := lo; i <= hi && i < len(pixels); i++ {
		pixels[i] = color
	}
}

// ToGRB converts a Frame's pixels into the wire byte order WS2812B
// peripherals expect (green, red, blue per pixel).
func ToGRB(f Frame) []byte {
	out := make([]byte, 0, len(f.Pixels)*3)
	for _, p := range f.Pixels {
		out = append(out, p.G, p.R, p.B)
	}
	return out
}

// ComputeRenderInterval returns the slowest render cadence (in
// milliseconds) that still lands on every blink phase transition: the
// GCD of the blink intervals of all blinking thresholds, clamped to a
// floor of 10ms. Returns 0 when no threshold blinks, in which case the
// renderer keeps its fixed 100ms cadence.
func ComputeRenderInterval(thresholds []Threshold) uint32 {
	var g uint32
	for _, t := range thresholds {
		if !t.Blink || t.BlinkMS == 0 {
			continue
		}
		if g == 0 {
			g = t.BlinkMS
		} else {
			g = gcd(g, t.BlinkMS)
		}
	}
	if g == 0 {
		return 0
	}
	const floor = 10
	if g < floor {
		return floor
	}
	return g
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
