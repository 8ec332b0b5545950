// Package record defines the persisted sensor reading and the positional
// decoder that builds one from a frame.
package record

import (
	"encoding/json"
	"strings"
	"time"
)

// Channel identifies one numeric measurement slot.
type Channel int

const (
	ExtTemp Channel = iota
	ExtHum
	ExtPressure
	ECTemp
	ECHum
	MOXTemp
	MOXHum
	MOXPres
	MOXHeat
	ExtGas
	EC0NO2
	EC1H2S
	EC2SO2
	EC3VOC
	EC0Ref
	EC1Ref
	EC2Ref
	EC3Ref
	CO2
	ENS160
	SGPVRaw
	SGPNRaw
	TGS2603
	TGS2620
	TGS2602
	HP0
	HP1
	HP2
	HP3
	ErrorFlag

	NumChannels
)

// channelNames are the names used in headers files and JSON output.
var channelNames = [NumChannels]string{
	"Ext_Temp", "Ext_Hum", "Ext_Pressure", "EC_Temp", "EC_Hum",
	"MOX_Temp", "MOX_Hum", "MOX_Pres", "MOX_Heat", "Ext_Gas",
	"EC0_NO2", "EC1_H2S", "EC2_SO2", "EC3_VOC",
	"EC0_Ref", "EC1_Ref", "EC2_Ref", "EC3_Ref",
	"CO2", "ENS160", "SGPVRaw", "SGPNRaw",
	"TGS2603", "TGS2620", "TGS2602",
	"HP0", "HP1", "HP2", "HP3", "Error",
}

var channelByName = func() map[string]Channel {
	m := make(map[string]Channel, NumChannels)
	for i, name := range channelNames {
		m[strings.ToLower(name)] = Channel(i)
	}
	return m
}()

// Channels returns every channel in schema order.
func Channels() []Channel {
	out := make([]Channel, NumChannels)
	for i := range out {
		out[i] = Channel(i)
	}
	return out
}

// ChannelByName resolves a header name, ignoring case.
func ChannelByName(name string) (Channel, bool) {
	c, ok := channelByName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

func (c Channel) String() string {
	if c < 0 || c >= NumChannels {
		return "unknown"
	}
	return channelNames[c]
}

// Column is the store column holding this channel.
func (c Channel) Column() string {
	return strings.ToLower(c.String())
}

// Value is a nullable channel reading. The zero Value means "no value".
type Value struct {
	Float float64
	Valid bool
}

// Some returns a present value.
func Some(f float64) Value { return Value{Float: f, Valid: true} }

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.Float)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Value{}
		return nil
	}
	if err := json.Unmarshal(b, &v.Float); err != nil {
		return err
	}
	v.Valid = true
	return nil
}

// Readings holds one value per channel, indexed by Channel.
type Readings [NumChannels]Value

func (r Readings) MarshalJSON() ([]byte, error) {
	m := make(map[string]Value, NumChannels)
	for i, v := range r {
		m[channelNames[i]] = v
	}
	return json.Marshal(m)
}

func (r *Readings) UnmarshalJSON(b []byte) error {
	var m map[string]Value
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*r = Readings{}
	for name, v := range m {
		if c, ok := ChannelByName(name); ok {
			r[c] = v
		}
	}
	return nil
}

// Record is one ingested reading. Records are never modified after the
// store assigns ID and CapturedAt.
type Record struct {
	ID              int64     `json:"id"`
	BoxID           string    `json:"boxId"`
	FuseID          string    `json:"fuseId"`
	Time            string    `json:"time"`
	MinutePartition string    `json:"minutePartition"`
	CapturedAt      time.Time `json:"capturedAt"`
	Channels        Readings  `json:"channels"`
}

// Get returns the value of one channel.
func (r *Record) Get(c Channel) (float64, bool) {
	if c < 0 || c >= NumChannels {
		return 0, false
	}
	v := r.Channels[c]
	return v.Float, v.Valid
}
