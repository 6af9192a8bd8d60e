package history

import "testing"

func TestViewport_AtBottomTolerance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		m    Metrics
		want bool
	}{
		{name: "exact bottom", m: Metrics{ScrollTop: 1400, ScrollHeight: 2000, ClientHeight: 600}, want: true},
		{name: "within tolerance", m: Metrics{ScrollTop: 1376, ScrollHeight: 2000, ClientHeight: 600}, want: true},
		{name: "just outside", m: Metrics{ScrollTop: 1375, ScrollHeight: 2000, ClientHeight: 600}, want: false},
		{name: "top", m: Metrics{ScrollTop: 0, ScrollHeight: 2000, ClientHeight: 600}, want: false},
		{name: "content shorter than viewport", m: Metrics{ScrollTop: 0, ScrollHeight: 300, ClientHeight: 600}, want: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v := NewViewport(0, 0)
			v.Update(tc.m)
			if got := v.AtBottom(); got != tc.want {
				t.Fatalf("AtBottom=%v want %v", got, tc.want)
			}
		})
	}
}

func TestViewport_EdgeProximity(t *testing.T) {
	t.Parallel()

	v := NewViewport(0, 0)
	if v.NearTop() || v.NearBottom() {
		t.Fatalf("no edge signals before the first measurement")
	}

	v.Update(Metrics{ScrollTop: 80, ScrollHeight: 2000, ClientHeight: 600})
	if !v.NearTop() || v.NearBottom() {
		t.Fatalf("expected near top only")
	}
	v.Update(Metrics{ScrollTop: 1320, ScrollHeight: 2000, ClientHeight: 600})
	if v.NearTop() || !v.NearBottom() {
		t.Fatalf("expected near bottom only")
	}
	v.Update(Metrics{ScrollTop: 700, ScrollHeight: 2000, ClientHeight: 600})
	if v.NearTop() || v.NearBottom() {
		t.Fatalf("expected no edge in the middle")
	}
}

func TestViewport_RestoreKeepsAnchoredContent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		top, oldHeight, newHeight, want float64
	}{
		{top: 0, oldHeight: 2000, newHeight: 3200, want: 1200},
		{top: 40, oldHeight: 2000, newHeight: 3200, want: 1240},
		{top: 75, oldHeight: 900, newHeight: 900, want: 75},
	}
	for _, tc := range cases {
		v := NewViewport(0, 0)
		v.Update(Metrics{ScrollTop: tc.top, ScrollHeight: tc.oldHeight, ClientHeight: 600})
		v.Anchor()
		if !v.Anchored() {
			t.Fatalf("expected an anchor")
		}
		got, ok := v.Restore(tc.newHeight)
		if !ok || got != tc.want {
			t.Fatalf("restore(%v from top=%v h=%v) = %v,%v want %v", tc.newHeight, tc.top, tc.oldHeight, got, ok, tc.want)
		}
		if _, ok := v.Restore(tc.newHeight); ok {
			t.Fatalf("an anchor is restored once")
		}
	}
}

func TestViewport_DropAnchor(t *testing.T) {
	t.Parallel()

	v := NewViewport(0, 0)
	v.Update(Metrics{ScrollTop: 10, ScrollHeight: 1000, ClientHeight: 500})
	v.Anchor()
	v.DropAnchor()
	if top, ok := v.Restore(2000); ok || top != 10 {
		t.Fatalf("dropped anchor restored: %v,%v", top, ok)
	}
}

func TestViewport_Directives(t *testing.T) {
	t.Parallel()

	v := NewViewport(0, 0)
	v.requestInitialScroll()
	if d := v.Directive(); d != ScrollInstant {
		t.Fatalf("first directive=%s want instant", d)
	}
	if d := v.Directive(); d != ScrollSmooth {
		t.Fatalf("at bottom directive=%s want smooth", d)
	}

	v.Update(Metrics{ScrollTop: 100, ScrollHeight: 2000, ClientHeight: 600})
	if d := v.Directive(); d != ScrollNone {
		t.Fatalf("scrolled up directive=%s want none", d)
	}

	v.reset()
	if d := v.Directive(); d != ScrollSmooth || v.Anchored() {
		t.Fatalf("reset must return to the fresh state, got %s", d)
	}
}
