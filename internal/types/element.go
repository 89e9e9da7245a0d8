package types

import (
	"encoding/json"
	"fmt"
)

// ElementType tags which Element variant a change carries.
type ElementType string

const (
	ElementRectangle ElementType = "rectangle"
	ElementEllipse   ElementType = "ellipse"
	ElementLine      ElementType = "line"
	ElementText      ElementType = "text"
	ElementFreeDraw  ElementType = "freedraw"
)

// ElementBase is the envelope the sync core reads from every element.
type ElementBase struct {
	ID          string      `json:"id"`
	UserVersion UserVersion `json:"userVersion"`
}

// Element is a visual element of the shared document. The set of variants is
// closed: only types in this package implement it.
type Element interface {
	Base() ElementBase
	Kind() ElementType
	Clone() Element
	sealed()
}

// Style holds the visual attributes shared by closed shapes.
type Style struct {
	StrokeColor string  `json:"strokeColor,omitempty"`
	FillColor   string  `json:"fillColor,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Rotation    float64 `json:"rotation,omitempty"`
}

type Rectangle struct {
	ElementBase
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Style
}

type Ellipse struct {
	ElementBase
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Style
}

type Line struct {
	ElementBase
	Points []Point `json:"points"`
	Style
}

type Text struct {
	ElementBase
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize,omitempty"`
	Style
}

type FreeDraw struct {
	ElementBase
	Points []Point `json:"points"`
	Style
}

func (e Rectangle) Base() ElementBase { return e.ElementBase }
func (e Ellipse) Base() ElementBase   { return e.ElementBase }
func (e Line) Base() ElementBase      { return e.ElementBase }
func (e Text) Base() ElementBase      { return e.ElementBase }
func (e FreeDraw) Base() ElementBase  { return e.ElementBase }

func (Rectangle) Kind() ElementType { return ElementRectangle }
func (Ellipse) Kind() ElementType   { return ElementEllipse }
func (Line) Kind() ElementType      { return ElementLine }
func (Text) Kind() ElementType      { return ElementText }
func (FreeDraw) Kind() ElementType  { return ElementFreeDraw }

func (e Rectangle) Clone() Element { return e }
func (e Ellipse) Clone() Element   { return e }
func (e Text) Clone() Element      { return e }

func (e Line) Clone() Element {
	e.Points = append([]Point(nil), e.Points...)
	return e
}

func (e FreeDraw) Clone() Element {
	e.Points = append([]Point(nil), e.Points...)
	return e
}

func (Rectangle) sealed() {}
func (Ellipse) sealed()   {}
func (Line) sealed()      {}
func (Text) sealed()      {}
func (FreeDraw) sealed()  {}

// WithVersion returns a copy of the element carrying the provided version.
func WithVersion(e Element, v UserVersion) Element {
	switch el := e.(type) {
	case Rectangle:
		el.UserVersion = v
		return el
	case Ellipse:
		el.UserVersion = v
		return el
	case Line:
		el.UserVersion = v
		return el.Clone()
	case Text:
		el.UserVersion = v
		return el
	case FreeDraw:
		el.UserVersion = v
		return el.Clone()
	default:
		panic(fmt.Sprintf("unhandled element variant %T", e))
	}
}

// DecodeElement decodes raw JSON into the variant selected by the tag.
func DecodeElement(kind ElementType, raw json.RawMessage) (Element, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("decode %s: empty object", kind)
	}
	switch kind {
	case ElementRectangle:
		return decodeAs[Rectangle](kind, raw)
	case ElementEllipse:
		return decodeAs[Ellipse](kind, raw)
	case ElementLine:
		return decodeAs[Line](kind, raw)
	case ElementText:
		return decodeAs[Text](kind, raw)
	case ElementFreeDraw:
		return decodeAs[FreeDraw](kind, raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownElementType, kind)
	}
}

func decodeAs[T Element](kind ElementType, raw json.RawMessage) (Element, error) {
	var el T
	if err := json.Unmarshal(raw, &el); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return el, nil
}
