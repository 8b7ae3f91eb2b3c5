package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap.relay/internal/mocap/record"
)

const sample3D = `<?xml version="1.0"?>
<QTM_Parameters_Ver_1.13>
  <The_3D>
    <AxisUpwards>+Z</AxisUpwards>
    <CalibrationTime>2019-08-02 10:00:00</CalibrationTime>
    <Labels>3</Labels>
    <Label><Name>LFHD</Name><RGBColor>255</RGBColor></Label>
    <Label><Name>RFHD</Name><RGBColor>65280</RGBColor></Label>
    <Label><Name>C7</Name><RGBColor>16711680</RGBColor></Label>
    <Bones>
      <Bone From="LFHD" To="RFHD" Color="255"/>
      <Bone From="RFHD" To="T10"/>
    </Bones>
  </The_3D>
</QTM_Parameters_Ver_1.13>`

func TestParseSettings3D(t *testing.T) {
	t.Parallel()

	got, err := ParseSettings3D([]byte(sample3D))
	require.NoError(t, err)
	want := record.Settings3D{
		AxisUpwards: "+Z",
		Labels: []record.LabelSetting{
			{Name: "LFHD", Color: 255},
			{Name: "RFHD", Color: 65280},
			{Name: "C7", Color: 16711680},
		},
		Bones: []record.BoneSetting{
			{From: "LFHD", To: "RFHD", Color: 255},
			{From: "RFHD", To: "T10"},
		},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("ParseSettings3D mismatch (-got +want):\n%s", diff)
	}
}

func TestParseSettings6DOF_ColorForms(t *testing.T) {
	t.Parallel()

	doc := `<QTM_Parameters_Ver_1.21><The_6D>
	<Bodies>2</Bodies>
	<Body><Name>Head</Name><RGBColor>255</RGBColor></Body>
	<Body><Name>Wand</Name><Color R="0" G="0" B="255"/></Body>
	</The_6D></QTM_Parameters_Ver_1.21>`
	got, err := ParseSettings6DOF([]byte(doc))
	require.NoError(t, err)
	require.Len(t, got.Bodies, 2)
	assert.Equal(t, record.BodySetting{Name: "Head", Color: 255}, got.Bodies[0])
	assert.Equal(t, record.BodySetting{Name: "Wand", Color: 0xFF0000}, got.Bodies[1])
}

func TestParseSettings_MissingSection(t *testing.T) {
	t.Parallel()

	doc := []byte(`<QTM_Parameters_Ver_1.19><General><Frequency>100</Frequency></General></QTM_Parameters_Ver_1.19>`)
	_, err := ParseSettings3D(doc)
	assert.Error(t, err)
	_, err = ParseSettings6DOF(doc)
	assert.Error(t, err)
	_, err = ParseSettingsGaze(doc)
	assert.Error(t, err)

	_, err = ParseGeneralSettings([]byte("not xml"))
	assert.Error(t, err)
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	general := record.GeneralSettings{Frequency: 180, CaptureTime: 10, StartOnExt: true, CameraCount: 8}
	g, err := ParseGeneralSettings(MarshalGeneralSettings(general))
	require.NoError(t, err)
	assert.Equal(t, general, g)

	s3 := record.Settings3D{AxisUpwards: "+Y", Labels: []record.LabelSetting{{Name: "a", Color: 1}}}
	got3, err := ParseSettings3D(MarshalSettings3D(s3))
	require.NoError(t, err)
	assert.Equal(t, s3, got3)

	s6 := record.Settings6DOF{Bodies: []record.BodySetting{{Name: "Head", Color: 0x00FF00}}}
	got6, err := ParseSettings6DOF(MarshalSettings6DOF(s6))
	require.NoError(t, err)
	assert.Equal(t, s6, got6)

	sg := record.SettingsGaze{Vectors: []record.GazeSetting{{Name: "Left eye", Frequency: 50}}}
	gotg, err := ParseSettingsGaze(MarshalSettingsGaze(sg))
	require.NoError(t, err)
	assert.Equal(t, sg, gotg)
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	req := EncodeDiscoverRequest(1350)
	assert.Len(t, req, 10)
	assert.Equal(t, []byte{0x05, 0x46}, req[8:10])
	port, err := DecodeDiscoverRequest(req)
	require.NoError(t, err)
	assert.Equal(t, uint16(1350), port)

	resp := EncodeDiscoverResponse("mocap-lab, QTM 2.17, 12 cameras", 22222)
	e, err := DecodeDiscoverResponse(resp, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, record.DiscoveryEntry{
		HostName:    "mocap-lab",
		Address:     "10.0.0.5",
		Port:        22222,
		CameraCount: 12,
		InfoText:    "QTM 2.17",
	}, e)

	e, err = DecodeDiscoverResponse(EncodeDiscoverResponse("bare-host", 23000), "10.0.0.6")
	require.NoError(t, err)
	assert.Equal(t, "bare-host", e.HostName)
	assert.Equal(t, 0, e.CameraCount)
	assert.Equal(t, 23000, e.Port)

	_, err = DecodeDiscoverResponse(EncodePacket(record.PacketDiscover, []byte("no terminator")), "x")
	assert.ErrorIs(t, err, record.ErrShortBuffer)
}
