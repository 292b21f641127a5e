package scene

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/motionview/internal/monitoring"
	"github.com/banshee-data/motionview/internal/motion"
	"gonum.org/v1/gonum/spatial/r3"
)

const freezeInfix = "_freeze_"

// ErrUnknownEntry is returned for operations on names the directory does not hold.
var ErrUnknownEntry = errors.New("unknown scene entry")

// FrozenName returns the name a snapshot of name taken at frame is stored under.
func FrozenName(frame int, name string) string {
	return fmt.Sprintf("%d%s%s", frame, freezeInfix, name)
}

// Entry is one named geometry known to a Directory. Geometry is kept in the
// source frame; the scene receives a transformed copy.
type Entry struct {
	Geometry *Geometry
	Material Material
	Checked  bool
	Frozen   bool
	Archive  bool
	// Origin is the live entry a frozen snapshot was taken from.
	Origin string
	Frame  int
}

// Directory deduplicates add, update and remove calls against a Scene and
// tracks visibility and frozen snapshots. It must only be used from the
// goroutine that owns the scene; the mutex guards readers on other
// goroutines such as status endpoints.
type Directory struct {
	mu        sync.RWMutex
	scene     Scene
	entries   map[string]*Entry
	scale     float64
	intrinsic Intrinsic
}

// NewDirectory returns an empty directory over s.
func NewDirectory(s Scene, scale float64, in Intrinsic) *Directory {
	if scale <= 0 {
		scale = 1
	}
	return &Directory{
		scene:     s,
		entries:   make(map[string]*Entry),
		scale:     scale,
		intrinsic: in,
	}
}

// Add normalises g, inserts it under name and shows it according to the
// entry's visibility. Re-adding an existing name replaces its geometry and
// keeps its visibility. With resetView the camera is pointed at g.
func (d *Directory) Add(name string, g *Geometry, m *Material, resetView bool) error {
	if g == nil {
		return fmt.Errorf("add %q: nil geometry", name)
	}
	geom := g.Clone()
	if err := geom.Normalize(); err != nil {
		return fmt.Errorf("add %q: %w", name, err)
	}

	d.mu.Lock()
	e, ok := d.entries[name]
	if !ok {
		e = &Entry{Checked: true}
		d.entries[name] = e
	}
	e.Geometry = geom
	if m != nil {
		e.Material = *m
	} else if !ok {
		e.Material = DefaultMaterial(geom.Kind)
	}
	scale := d.scale
	d.mu.Unlock()

	if err := d.push(name, e, scale); err != nil {
		return err
	}
	if resetView {
		return d.resetView(geom.Transformed(scale).Bounds())
	}
	return nil
}

// Update replaces the geometry of name, creating the entry if needed.
func (d *Directory) Update(name string, g *Geometry) error {
	return d.Add(name, g, nil, false)
}

// Remove deletes name from the scene and the directory. Frozen snapshots of
// name are kept and from then on follow their own checkbox.
func (d *Directory) Remove(name string) {
	d.mu.Lock()
	delete(d.entries, name)
	var orphans []string
	for n, e := range d.entries {
		if e.Frozen && e.Origin == name {
			orphans = append(orphans, n)
		}
	}
	d.mu.Unlock()
	if d.scene.HasGeometry(name) {
		d.scene.RemoveGeometry(name)
	}
	sort.Strings(orphans)
	for _, n := range orphans {
		d.scene.ShowGeometry(n, d.Visible(n))
	}
}

// Freeze snapshots the current geometry of name under a frame-tagged name
// and returns it. Freezing a frozen entry re-snapshots it in place.
func (d *Directory) Freeze(name string, frame int) (string, error) {
	d.mu.Lock()
	src, ok := d.entries[name]
	if !ok {
		d.mu.Unlock()
		return "", fmt.Errorf("freeze %q: %w", name, ErrUnknownEntry)
	}
	fname, origin := FrozenName(frame, name), name
	if src.Frozen {
		fname, origin = name, src.Origin
	}
	snap := &Entry{
		Geometry: src.Geometry.Clone(),
		Material: src.Material,
		Checked:  true,
		Frozen:   true,
		Archive:  src.Archive,
		Origin:   origin,
		Frame:    frame,
	}
	if prev, ok := d.entries[fname]; ok {
		snap.Checked = prev.Checked
	}
	d.entries[fname] = snap
	scale := d.scale
	d.mu.Unlock()

	monitoring.Logf("[Scene] froze %s as %s", name, fname)
	return fname, d.push(fname, snap, scale)
}

// ClearFrozen removes every frozen snapshot and leaves live entries alone.
func (d *Directory) ClearFrozen() {
	for _, name := range d.Frozen() {
		d.Remove(name)
	}
}

// RemoveFrozen removes a single snapshot.
func (d *Directory) RemoveFrozen(name string) error {
	d.mu.RLock()
	e, ok := d.entries[name]
	d.mu.RUnlock()
	if !ok || !e.Frozen {
		return fmt.Errorf("remove frozen %q: %w", name, ErrUnknownEntry)
	}
	d.Remove(name)
	return nil
}

// Frozen returns the names of all snapshots, sorted.
func (d *Directory) Frozen() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for name, e := range d.entries {
		if e.Frozen {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// SetChecked sets the visibility checkbox of name and refreshes the scene
// visibility of name and every snapshot derived from it.
func (d *Directory) SetChecked(name string, checked bool) error {
	d.mu.Lock()
	e, ok := d.entries[name]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("set checked %q: %w", name, ErrUnknownEntry)
	}
	e.Checked = checked
	affected := []string{name}
	for n, other := range d.entries {
		if other.Frozen && other.Origin == name && n != name {
			affected = append(affected, n)
		}
	}
	d.mu.Unlock()

	for _, n := range affected {
		d.scene.ShowGeometry(n, d.Visible(n))
	}
	return nil
}

// Visible reports the effective visibility of name. A snapshot is shown
// only while both it and its origin are checked; a snapshot whose origin
// is gone follows its own checkbox.
func (d *Directory) Visible(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[name]
	if !ok {
		return false
	}
	if !e.Frozen {
		return e.Checked
	}
	origin, ok := d.entries[e.Origin]
	if !ok {
		return e.Checked
	}
	return e.Checked && origin.Checked
}

// SetScale changes the uniform scale and re-applies it to every entry.
func (d *Directory) SetScale(scale float64) error {
	if scale <= 0 {
		return fmt.Errorf("set scale: non-positive scale %v", scale)
	}
	d.mu.Lock()
	d.scale = scale
	names := make([]string, 0, len(d.entries))
	for n := range d.entries {
		names = append(names, n)
	}
	d.mu.Unlock()
	sort.Strings(names)

	var errs []error
	for _, n := range names {
		d.mu.RLock()
		e := d.entries[n]
		d.mu.RUnlock()
		if err := d.push(n, e, scale); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Scale returns the current uniform scale.
func (d *Directory) Scale() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scale
}

// Get returns a copy of the entry stored under name.
func (d *Directory) Get(name string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Names returns all entry names, sorted.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.entries))
	for n := range d.entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// OriginOf returns the live name a frozen name was derived from.
func OriginOf(name string) (string, bool) {
	i := strings.Index(name, freezeInfix)
	if i <= 0 {
		return "", false
	}
	return name[i+len(freezeInfix):], true
}

// push replaces name in the scene with the transformed geometry of e.
func (d *Directory) push(name string, e *Entry, scale float64) error {
	if d.scene.HasGeometry(name) {
		d.scene.RemoveGeometry(name)
	}
	if err := d.scene.AddGeometry(name, e.Geometry.Transformed(scale), e.Material); err != nil {
		return fmt.Errorf("add %q to scene: %w", name, err)
	}
	d.scene.ShowGeometry(name, d.Visible(name))
	return nil
}

// resetView points the camera at b from behind and above its centre.
func (d *Directory) resetView(b Bounds) error {
	c := b.Center()
	ext := b.Extent()
	if ext < 1e-6 {
		ext = 1
	}
	// scene frame is y-up with the body facing +z
	look := motion.LookAt{
		Eye:    r3.Add(c, r3.Vec{Y: 0.5 * ext, Z: -1.5 * ext}),
		Target: c,
		Up:     r3.Vec{Y: 1},
	}
	cam, err := look.Extrinsic()
	if err != nil {
		return fmt.Errorf("reset view: %w", err)
	}
	return d.scene.SetupCamera(d.intrinsic, cam, b)
}
