package capsule

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Color is an RGB triple used to style a capsule card. Components are in [0,1].
type Color struct {
	R float64
	G float64
	B float64
}

// NamedColor is one entry of the selectable palette.
type NamedColor struct {
	Name  string
	Color Color
}

// Palette lists the colours offered when creating a capsule. The first entry is the default.
var Palette = []NamedColor{
	{Name: "bronze", Color: Color{R: 0.8, G: 0.6, B: 0.4}},
	{Name: "silver", Color: Color{R: 0.7, G: 0.7, B: 0.7}},
	{Name: "gold", Color: Color{R: 0.9, G: 0.8, B: 0.5}},
	{Name: "mint", Color: Color{R: 0.6, G: 0.8, B: 0.7}},
	{Name: "purple", Color: Color{R: 0.7, G: 0.6, B: 0.8}},
	{Name: "rose", Color: Color{R: 0.8, G: 0.7, B: 0.6}},
	{Name: "blue", Color: Color{R: 0.6, G: 0.7, B: 0.8}},
	{Name: "yellow", Color: Color{R: 0.8, G: 0.8, B: 0.6}},
}

// DefaultColor returns the bronze palette colour.
func DefaultColor() Color {
	return Palette[0].Color
}

// ParseColor accepts a palette name ("gold") or three comma separated
// components ("0.9,0.8,0.5").
func ParseColor(s string) (Color, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultColor(), nil
	}
	for _, nc := range Palette {
		if strings.EqualFold(nc.Name, s) {
			return nc.Color, nil
		}
	}

	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Color{}, fmt.Errorf("capsule: unknown colour %q", s)
	}
	var comps [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Color{}, fmt.Errorf("capsule: colour component %q: %w", p, err)
		}
		comps[i] = v
	}
	c := Color{R: comps[0], G: comps[1], B: comps[2]}
	if err := c.Validate(); err != nil {
		return Color{}, err
	}
	return c, nil
}

// Validate checks every component is a finite number in [0,1].
func (c Color) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.R, validation.By(unitInterval)),
		validation.Field(&c.G, validation.By(unitInterval)),
		validation.Field(&c.B, validation.By(unitInterval)),
	)
}

// ApproxEqual reports whether all components differ by at most eps.
func (c Color) ApproxEqual(o Color, eps float64) bool {
	return math.Abs(c.R-o.R) <= eps && math.Abs(c.G-o.G) <= eps && math.Abs(c.B-o.B) <= eps
}

// Hex renders the colour as #RRGGBB.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02X%02X%02X", toByte(c.R), toByte(c.G), toByte(c.B))
}

func toByte(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

func unitInterval(value interface{}) error {
	v, ok := value.(float64)
	if !ok {
		return errors.New("must be a number")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.New("must be finite")
	}
	if v < 0 || v > 1 {
		return errors.New("must be between 0 and 1")
	}
	return nil
}
