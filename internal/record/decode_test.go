package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_WorkedExample(t *testing.T) {
	rec, errs := DefaultLayout().Decode("Box:42;12:00;5;21.5;55.0X", "/dev/Onion1")
	require.NotNil(t, rec)
	assert.Empty(t, errs)

	assert.Equal(t, "42", rec.BoxID)
	assert.Equal(t, "/dev/Onion1", rec.FuseID)
	assert.Equal(t, "12:00", rec.Time)
	assert.Equal(t, "5", rec.MinutePartition)
	assert.Equal(t, Some(21.5), rec.Channels[ExtTemp])
	assert.Equal(t, Some(55.0), rec.Channels[ExtHum])
	for c := ExtPressure; c < NumChannels; c++ {
		assert.False(t, rec.Channels[c].Valid, "channel %s should have no value", c)
	}
}

func TestDecode_NonNumericChannelIsIsolated(t *testing.T) {
	rec, errs := DefaultLayout().Decode("Box:42;12:00;5;bad;55.0X", "fuse")
	require.NotNil(t, rec)
	require.Len(t, errs, 1)

	assert.Equal(t, ExtTemp, errs[0].Channel)
	assert.Equal(t, 3, errs[0].Position)
	assert.Equal(t, "bad", errs[0].Raw)
	assert.False(t, rec.Channels[ExtTemp].Valid)
	assert.Equal(t, Some(55.0), rec.Channels[ExtHum])
	assert.Equal(t, "42", rec.BoxID)
}

func TestDecode_NonFiniteIsFieldError(t *testing.T) {
	rec, errs := DefaultLayout().Decode("Box:1;t;m;NaN;+Inf;2X", "fuse")
	require.NotNil(t, rec)
	assert.Len(t, errs, 2)
	assert.False(t, rec.Channels[ExtTemp].Valid)
	assert.False(t, rec.Channels[ExtHum].Valid)
	assert.Equal(t, Some(2), rec.Channels[ExtPressure])
}

func TestDecode_ShortFrames(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		box    string
		time   string
		minute string
	}{
		{"box only", "Box:7X", "7", "", ""},
		{"box and time", "Box:7;10:00X", "7", "10:00", ""},
		{"header only", "Box:7;10:00;3X", "7", "10:00", "3"},
		{"empty box", "Box:;10:00X", "", "10:00", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, errs := DefaultLayout().Decode(tt.frame, "fuse")
			require.NotNil(t, rec)
			assert.Empty(t, errs)
			assert.Equal(t, tt.box, rec.BoxID)
			assert.Equal(t, tt.time, rec.Time)
			assert.Equal(t, tt.minute, rec.MinutePartition)
			assert.Equal(t, Readings{}, rec.Channels)
		})
	}
}

func TestDecode_EmptyPayloadYieldsNothing(t *testing.T) {
	for _, f := range []string{"Box:X", "BoxX", "Box:;;X"} {
		rec, errs := DefaultLayout().Decode(f, "fuse")
		assert.Nil(t, rec, f)
		assert.Nil(t, errs, f)
	}
}

func TestDecode_RoundTripFullLayout(t *testing.T) {
	layout := DefaultLayout()
	values := make([]string, layout.Slots())
	want := Readings{}
	for pos := range values {
		v := float64(pos) + 0.25
		values[pos] = fmt.Sprintf("%g", v)
		if c := layout.Channel(pos); c != Unmapped {
			want[c] = Some(v)
		}
	}
	f := "Box:3;09:15;2;" + strings.Join(values, ";") + ";X"

	rec, errs := layout.Decode(f, "fuse")
	require.NotNil(t, rec)
	assert.Empty(t, errs)
	assert.Equal(t, "3", rec.BoxID)
	assert.Equal(t, "09:15", rec.Time)
	assert.Equal(t, "2", rec.MinutePartition)
	assert.Equal(t, want, rec.Channels)
}

func TestDefaultLayout_SkipsSGPInputs(t *testing.T) {
	layout := DefaultLayout()
	require.Equal(t, len(DefaultOrder), layout.Slots())

	assert.Equal(t, SGPNRaw, layout.Channel(21))
	assert.Equal(t, Unmapped, layout.Channel(22))
	assert.Equal(t, Unmapped, layout.Channel(23))
	assert.Equal(t, TGS2603, layout.Channel(24))
	assert.Equal(t, ErrorFlag, layout.Channel(layout.Slots()-1))

	// Position 25 of the frame is SGPVin and must not land anywhere.
	fields := make([]string, 3+layout.Slots())
	for i := range fields {
		fields[i] = "1"
	}
	fields[3+22] = "999"
	rec, _ := layout.Decode("Box:"+strings.Join(fields, ";")+"X", "fuse")
	require.NotNil(t, rec)
	for c := ExtTemp; c < NumChannels; c++ {
		assert.Equal(t, Some(1), rec.Channels[c], c.String())
	}
}

func TestNewLayout_ReportsUnknownAndTrimsHeader(t *testing.T) {
	layout, unknown := NewLayout([]string{"BoxID", "Time", "minutePt", "co2", "Mystery", "ext_temp"})
	assert.Equal(t, []string{"Mystery"}, unknown)
	require.Equal(t, 3, layout.Slots())
	assert.Equal(t, CO2, layout.Channel(0))
	assert.Equal(t, Unmapped, layout.Channel(1))
	assert.Equal(t, ExtTemp, layout.Channel(2))
	assert.Equal(t, []string{"co2", "Mystery", "ext_temp"}, layout.Names())

	rec, errs := layout.Decode("Box:1;t;m;415;x;20.5X", "fuse")
	require.NotNil(t, rec)
	assert.Empty(t, errs)
	assert.Equal(t, Some(415), rec.Channels[CO2])
	assert.Equal(t, Some(20.5), rec.Channels[ExtTemp])
}

func TestLoadLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "headers.txt")
	require.NoError(t, os.WriteFile(path, []byte("# onion v3\nExt_Temp\n\nExt_Hum\nCO2\n"), 0o644))

	layout, unknown, err := LoadLayout(path)
	require.NoError(t, err)
	assert.Empty(t, unknown)
	assert.Equal(t, 3, layout.Slots())
	assert.Equal(t, CO2, layout.Channel(2))

	_, _, err = LoadLayout(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestChannelNames(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range Channels() {
		got, ok := ChannelByName(c.String())
		require.True(t, ok)
		assert.Equal(t, c, got)
		assert.False(t, seen[c.Column()], "duplicate column %s", c.Column())
		seen[c.Column()] = true
	}
	assert.Equal(t, "error", ErrorFlag.Column())
	assert.Equal(t, "unknown", Unmapped.String())
}

func TestRecordJSON(t *testing.T) {
	rec := Record{ID: 9, BoxID: "2", FuseID: "/dev/Onion2"}
	rec.Channels[CO2] = Some(412.5)

	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	channels := raw["channels"].(map[string]any)
	assert.Equal(t, 412.5, channels["CO2"])
	assert.Nil(t, channels["Ext_Temp"])
	assert.Len(t, channels, int(NumChannels))

	var back Record
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, rec.Channels, back.Channels)
	assert.Equal(t, "/dev/Onion2", back.FuseID)
}
