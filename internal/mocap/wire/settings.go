package wire

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

// xmlParameters mirrors the document returned by GetParameters. The root
// element name carries the protocol version and is not matched.
type xmlParameters struct {
	XMLName xml.Name
	General *xmlGeneral `xml:"General"`
	The3D   *xml3D      `xml:"The_3D"`
	The6D   *xml6D      `xml:"The_6D"`
	Gaze    *xmlGaze    `xml:"Gaze_Vector"`
}

type xmlGeneral struct {
	Frequency   int         `xml:"Frequency"`
	CaptureTime float64     `xml:"Capture_Time"`
	StartOnExt  string      `xml:"Start_On_External_Trigger"`
	Cameras     []xmlCamera `xml:"Camera"`
}

type xmlCamera struct {
	ID int `xml:"ID"`
}

type xml3D struct {
	AxisUpwards string     `xml:"AxisUpwards"`
	Labels      []xmlLabel `xml:"Label"`
	Bones       []xmlBone  `xml:"Bones>Bone"`
}

type xmlLabel struct {
	Name     string `xml:"Name"`
	RGBColor uint32 `xml:"RGBColor"`
}

type xmlBone struct {
	From  string `xml:"From,attr"`
	To    string `xml:"To,attr"`
	Color uint32 `xml:"Color,attr"`
}

type xml6D struct {
	Bodies []xmlBody `xml:"Body"`
}

type xmlBody struct {
	Name     string    `xml:"Name"`
	RGBColor *uint32   `xml:"RGBColor,omitempty"`
	Color    *xmlColor `xml:"Color,omitempty"`
}

// xmlColor is the per-channel form used by newer protocol versions.
type xmlColor struct {
	R uint8 `xml:"R,attr"`
	G uint8 `xml:"G,attr"`
	B uint8 `xml:"B,attr"`
}

type xmlGaze struct {
	Vectors []xmlGazeVector `xml:"Vector"`
}

type xmlGazeVector struct {
	Name      string  `xml:"Name"`
	Frequency float64 `xml:"Frequency"`
}

func parseParameters(doc []byte) (*xmlParameters, error) {
	var p xmlParameters
	if err := xml.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("failed to parse settings document: %w", err)
	}
	return &p, nil
}

// ParseGeneralSettings reads the General section.
func ParseGeneralSettings(doc []byte) (record.GeneralSettings, error) {
	p, err := parseParameters(doc)
	if err != nil {
		return record.GeneralSettings{}, err
	}
	if p.General == nil {
		return record.GeneralSettings{}, fmt.Errorf("settings document has no General section")
	}
	return record.GeneralSettings{
		Frequency:   p.General.Frequency,
		CaptureTime: p.General.CaptureTime,
		StartOnExt:  strings.EqualFold(strings.TrimSpace(p.General.StartOnExt), "true"),
		CameraCount: len(p.General.Cameras),
	}, nil
}

// ParseSettings3D reads the 3D section.
func ParseSettings3D(doc []byte) (record.Settings3D, error) {
	p, err := parseParameters(doc)
	if err != nil {
		return record.Settings3D{}, err
	}
	if p.The3D == nil {
		return record.Settings3D{}, fmt.Errorf("settings document has no The_3D section")
	}
	s := record.Settings3D{AxisUpwards: strings.TrimSpace(p.The3D.AxisUpwards)}
	for _, l := range p.The3D.Labels {
		s.Labels = append(s.Labels, record.LabelSetting{Name: l.Name, Color: l.RGBColor})
	}
	for _, b := range p.The3D.Bones {
		s.Bones = append(s.Bones, record.BoneSetting{From: b.From, To: b.To, Color: b.Color})
	}
	return s, nil
}

// ParseSettings6DOF reads the 6D section.
func ParseSettings6DOF(doc []byte) (record.Settings6DOF, error) {
	p, err := parseParameters(doc)
	if err != nil {
		return record.Settings6DOF{}, err
	}
	if p.The6D == nil {
		return record.Settings6DOF{}, fmt.Errorf("settings document has no The_6D section")
	}
	var s record.Settings6DOF
	for _, b := range p.The6D.Bodies {
		body := record.BodySetting{Name: b.Name}
		switch {
		case b.RGBColor != nil:
			body.Color = *b.RGBColor
		case b.Color != nil:
			body.Color = uint32(b.Color.R) | uint32(b.Color.G)<<8 | uint32(b.Color.B)<<16
		}
		s.Bodies = append(s.Bodies, body)
	}
	return s, nil
}

// ParseSettingsGaze reads the gaze vector section.
func ParseSettingsGaze(doc []byte) (record.SettingsGaze, error) {
	p, err := parseParameters(doc)
	if err != nil {
		return record.SettingsGaze{}, err
	}
	if p.Gaze == nil {
		return record.SettingsGaze{}, fmt.Errorf("settings document has no Gaze_Vector section")
	}
	var s record.SettingsGaze
	for _, v := range p.Gaze.Vectors {
		s.Vectors = append(s.Vectors, record.GazeSetting{Name: v.Name, Frequency: v.Frequency})
	}
	return s, nil
}

const parametersRoot = "QTM_Parameters_Ver_1.19"

func marshalParameters(p *xmlParameters) []byte {
	p.XMLName = xml.Name{Local: parametersRoot}
	out, err := xml.Marshal(p)
	if err != nil {
		// Only fixed, well-formed structs reach here.
		panic(err)
	}
	return out
}

// MarshalGeneralSettings renders a General section document.
func MarshalGeneralSettings(s record.GeneralSettings) []byte {
	g := &xmlGeneral{Frequency: s.Frequency, CaptureTime: s.CaptureTime, StartOnExt: fmt.Sprint(s.StartOnExt)}
	for i := 0; i < s.CameraCount; i++ {
		g.Cameras = append(g.Cameras, xmlCamera{ID: i + 1})
	}
	return marshalParameters(&xmlParameters{General: g})
}

// MarshalSettings3D renders a 3D section document.
func MarshalSettings3D(s record.Settings3D) []byte {
	t := &xml3D{AxisUpwards: s.AxisUpwards}
	for _, l := range s.Labels {
		t.Labels = append(t.Labels, xmlLabel{Name: l.Name, RGBColor: l.Color})
	}
	for _, b := range s.Bones {
		t.Bones = append(t.Bones, xmlBone{From: b.From, To: b.To, Color: b.Color})
	}
	return marshalParameters(&xmlParameters{The3D: t})
}

// MarshalSettings6DOF renders a 6D section document.
func MarshalSettings6DOF(s record.Settings6DOF) []byte {
	t := &xml6D{}
	for _, b := range s.Bodies {
		c := b.Color
		t.Bodies = append(t.Bodies, xmlBody{Name: b.Name, RGBColor: &c})
	}
	return marshalParameters(&xmlParameters{The6D: t})
}

// MarshalSettingsGaze renders a gaze vector section document.
func MarshalSettingsGaze(s record.SettingsGaze) []byte {
	t := &xmlGaze{}
	for _, v := range s.Vectors {
		t.Vectors = append(t.Vectors, xmlGazeVector{Name: v.Name, Frequency: v.Frequency})
	}
	return marshalParameters(&xmlParameters{Gaze: t})
}
