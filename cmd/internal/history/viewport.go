package history

import "sync"

const (
	defaultProximity       = 80.0
	defaultBottomTolerance = 24.0
)

// ScrollDirective tells the renderer what to do after content changed.
type ScrollDirective uint8

const (
	ScrollNone ScrollDirective = iota
	// ScrollInstant jumps to the bottom without animation (initial load).
	ScrollInstant
	// ScrollSmooth animates to the bottom (new content while at bottom).
	ScrollSmooth
)

func (d ScrollDirective) String() string {
	switch d {
	case ScrollInstant:
		return "instant"
	case ScrollSmooth:
		return "smooth"
	default:
		return "none"
	}
}

// Metrics is a viewport measurement in pixels.
type Metrics struct {
	ScrollTop    float64
	ScrollHeight float64
	ClientHeight float64
}

func (m Metrics) distanceToBottom() float64 {
	return m.ScrollHeight - m.ScrollTop - m.ClientHeight
}

// Viewport tracks scroll position signals. It performs no rendering; the UI
// feeds it measurements and applies the offsets and directives it returns.
type Viewport struct {
	mu sync.Mutex

	proximity float64
	tolerance float64

	m        Metrics
	atBottom bool
	measured bool

	anchored      bool
	anchorTop     float64
	anchorHeight  float64
	initialScroll bool
}

// NewViewport returns a viewport using proximity for edge pagination
// triggers and tolerance for bottom detection. Non-positive values select
// 80px and 24px.
func NewViewport(proximity, tolerance float64) *Viewport {
	if proximity <= 0 {
		proximity = defaultProximity
	}
	if tolerance <= 0 {
		tolerance = defaultBottomTolerance
	}
	return &Viewport{proximity: proximity, tolerance: tolerance, atBottom: true}
}

// Update records a scroll event and recomputes the at-bottom flag.
func (v *Viewport) Update(m Metrics) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m = m
	v.measured = true
	v.atBottom = m.distanceToBottom() <= v.tolerance
}

// AtBottom reports whether the last measurement was within tolerance of the
// bottom. Before any measurement the viewport counts as at bottom.
func (v *Viewport) AtBottom() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.atBottom
}

// NearTop reports whether the scroll offset is within the proximity threshold of the top.
func (v *Viewport) NearTop() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.measured && v.m.ScrollTop <= v.proximity
}

// NearBottom reports whether the scroll offset is within the proximity threshold of the bottom.
func (v *Viewport) NearBottom() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.measured && v.m.distanceToBottom() <= v.proximity
}

// Anchor records the current offset and content height before older content is prepended.
func (v *Viewport) Anchor() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.anchored = true
	v.anchorTop = v.m.ScrollTop
	v.anchorHeight = v.m.ScrollHeight
}

// Anchored reports whether an anchor is waiting to be restored.
func (v *Viewport) Anchored() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.anchored
}

// DropAnchor forgets a recorded anchor (the load it guarded failed or was cancelled).
func (v *Viewport) DropAnchor() {
	v.mu.Lock()
	v.anchored = false
	v.mu.Unlock()
}

// Restore returns the scroll offset that keeps the anchored content in
// place after the content grew to newHeight: old offset + (newHeight - old height).
// ok is false when no anchor was recorded.
func (v *Viewport) Restore(newHeight float64) (scrollTop float64, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.anchored {
		return v.m.ScrollTop, false
	}
	v.anchored = false
	top := v.anchorTop + (newHeight - v.anchorHeight)
	v.m.ScrollTop = top
	v.m.ScrollHeight = newHeight
	return top, true
}

// requestInitialScroll arms the one-time instant scroll of an initial load.
func (v *Viewport) requestInitialScroll() {
	v.mu.Lock()
	v.initialScroll = true
	v.atBottom = true
	v.mu.Unlock()
}

// Directive returns how the renderer should react to new content. The
// instant scroll of an initial load is handed out once.
func (v *Viewport) Directive() ScrollDirective {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.initialScroll {
		v.initialScroll = false
		return ScrollInstant
	}
	if v.atBottom {
		return ScrollSmooth
	}
	return ScrollNone
}

func (v *Viewport) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, t := v.proximity, v.tolerance
	*v = Viewport{proximity: p, tolerance: t, atBottom: true}
}
