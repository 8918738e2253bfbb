package layout

import (
	"github.com/pkg/errors"
	"github.com/shape-z/windowmesh/geometry"
)

// Version is the only layout schema version understood by this package.
const Version = 1

var (
	ErrNoScreens       = errors.New("layout has no screens")
	ErrInvalidScreen   = errors.New("screen has a non-positive dimension")
	ErrDuplicateScreen = errors.New("duplicate screen id")
	ErrFrameMismatch   = errors.New("frame is not the union of the screens")
	ErrBadVersion      = errors.New("unsupported layout version")
)

// Screen is one rectangular tile of the virtual canvas, owned by one peer.
type Screen struct {
	ID    string  `json:"id"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
	Scale float64 `json:"scale,omitempty"`
}

func (s Screen) Rect() geometry.Rect {
	return geometry.Rect{X: s.X, Y: s.Y, W: s.W, H: s.H}
}

// Layout is the globally agreed virtual canvas: a frame that bounds an
// ordered, non-empty list of screens.
type Layout struct {
	Version int           `json:"v"`
	Frame   geometry.Rect `json:"frame"`
	Screens []Screen      `json:"screens"`
}

// New builds a layout from the given screens, deriving the frame as their
// bounding box. The screen list must be non-empty, every screen must have
// positive dimensions and ids must be unique.
func New(screens []Screen) (Layout, error) {
	l := Layout{Version: Version, Screens: screens}
	rects := make([]geometry.Rect, 0, len(screens))
	for _, s := range screens {
		rects = append(rects, s.Rect())
	}
	frame, ok := geometry.BoundingBox(rects)
	if !ok {
		return Layout{}, ErrNoScreens
	}
	l.Frame = frame
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Validate checks the layout invariants: schema version, non-empty screen
// list, positive screen sizes, unique ids, and frame == union(screens).
func (l Layout) Validate() error {
	if l.Version != Version {
		return errors.Wrapf(ErrBadVersion, "version %d", l.Version)
	}
	if len(l.Screens) == 0 {
		return ErrNoScreens
	}
	seen := make(map[string]struct{}, len(l.Screens))
	rects := make([]geometry.Rect, 0, len(l.Screens))
	for _, s := range l.Screens {
		if !s.Rect().Valid() {
			return errors.Wrapf(ErrInvalidScreen, "screen %q", s.ID)
		}
		if _, ok := seen[s.ID]; ok {
			return errors.Wrapf(ErrDuplicateScreen, "screen %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		rects = append(rects, s.Rect())
	}
	frame, _ := geometry.BoundingBox(rects)
	if frame != l.Frame {
		return ErrFrameMismatch
	}
	return nil
}

// Screen returns the screen with the given id.
func (l Layout) Screen(id string) (Screen, bool) {
	for _, s := range l.Screens {
		if s.ID == id {
			return s, true
		}
	}
	return Screen{}, false
}

// WithoutScreen returns the layout rebuilt without the named screen, with
// the frame recomputed. The second return is false when the screen was not
// present or the removal would leave the layout empty.
func (l Layout) WithoutScreen(id string) (Layout, bool) {
	if _, ok := l.Screen(id); !ok {
		return l, false
	}
	remaining := make([]Screen, 0, len(l.Screens)-1)
	for _, s := range l.Screens {
		if s.ID != id {
			remaining = append(remaining, s)
		}
	}
	next, err := New(remaining)
	if err != nil {
		return l, false
	}
	return next, true
}

func (l Layout) Equal(other Layout) bool {
	if l.Version != other.Version || l.Frame != other.Frame || len(l.Screens) != len(other.Screens) {
		return false
	}
	for i := range l.Screens {
		if l.Screens[i] != other.Screens[i] {
			return false
		}
	}
	return true
}
