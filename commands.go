package designsync

import (
	"context"
	"fmt"
	"reflect"
)

// Command is a single edit applied to a design object. Commands mutate a
// private copy of the object; ApplyCommand turns the result into a minimal
// field patch so concurrent editors only contend on the fields they touch.
type Command interface {
	Apply(obj *DesignObject) error
}

// MoveObject repositions an object on the canvas.
type MoveObject struct {
	X, Y float64
}

func (c MoveObject) Apply(obj *DesignObject) error {
	obj.PositionX = ptr(c.X)
	obj.PositionY = ptr(c.Y)
	return nil
}

// ResizeObject changes an object's footprint.
type ResizeObject struct {
	Width, Height float64
}

func (c ResizeObject) Apply(obj *DesignObject) error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("resize: dimensions must be positive")
	}
	obj.Width = ptr(c.Width)
	obj.Height = ptr(c.Height)
	return nil
}

// RotateObject sets an object's rotation, normalized to [0, 360).
type RotateObject struct {
	Degrees float64
}

func (c RotateObject) Apply(obj *DesignObject) error {
	deg := c.Degrees
	for deg < 0 {
		deg += 360
	}
	for deg >= 360 {
		deg -= 360
	}
	obj.Rotation = ptr(deg)
	return nil
}

// RecolorObject changes an object's color.
type RecolorObject struct {
	Color string
}

func (c RecolorObject) Apply(obj *DesignObject) error {
	if c.Color == "" {
		return fmt.Errorf("recolor: color must not be empty")
	}
	obj.Color = c.Color
	return nil
}

// ApplyCommand runs cmd against the cached copy of the object and persists
// only the fields the command changed, through the gateway's normal
// online/offline write path. The object must already be present in the
// entity state.
func (c *Client) ApplyCommand(ctx context.Context, objectID string, cmd Command) (*DesignObject, error) {
	before, ok := c.state.Object(objectID)
	if !ok {
		return nil, fmt.Errorf("apply command: %w: object %s", ErrNotFound, objectID)
	}

	after := *before
	if err := cmd.Apply(&after); err != nil {
		return nil, err
	}

	patch, err := diffObjects(before, &after)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return before, nil
	}
	return c.Objects.Update(ctx, objectID, patch)
}

// diffObjects returns the fields whose values differ between the two
// encodings, keyed by wire name.
func diffObjects(before, after *DesignObject) (Record, error) {
	b, err := encodeRecord(before)
	if err != nil {
		return nil, err
	}
	a, err := encodeRecord(after)
	if err != nil {
		return nil, err
	}

	patch := Record{}
	for k, av := range a {
		if k == "id" {
			continue
		}
		if bv, ok := b[k]; !ok || !reflect.DeepEqual(bv, av) {
			patch[k] = av
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok && k != "id" {
			patch[k] = nil
		}
	}
	return patch, nil
}

func ptr[T any](v T) *T { return &v }
