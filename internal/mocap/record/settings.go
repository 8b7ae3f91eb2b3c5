package record

// GeneralSettings is the subset of the server's general parameters the
// client uses.
type GeneralSettings struct {
	Frequency   int
	CaptureTime float64
	StartOnExt  bool
	CameraCount int
}

// LabelSetting names one labeled marker.
type LabelSetting struct {
	Name  string
	Color uint32
}

// BoneSetting connects two labels.
type BoneSetting struct {
	From  string
	To    string
	Color uint32
}

// Settings3D describes the 3D component schema.
type Settings3D struct {
	AxisUpwards string
	Labels      []LabelSetting
	Bones       []BoneSetting
}

// BodySetting names one rigid body.
type BodySetting struct {
	Name  string
	Color uint32
}

// Settings6DOF describes the 6DOF component schema.
type Settings6DOF struct {
	Bodies []BodySetting
}

// GazeSetting names one gaze vector.
type GazeSetting struct {
	Name      string
	Frequency float64
}

// SettingsGaze describes the gaze vector component schema.
type SettingsGaze struct {
	Vectors []GazeSetting
}
