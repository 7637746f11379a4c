package model

import "time"

// SourceType is where the played content came from.
type SourceType uint8

const (
	SourceUnknown SourceType = iota
	SourceLocal
	SourceMeshShare
	SourceTransfer
	SourceUSB
	sourceTypeCount
)

// Valid reports whether s is a known value.
func (s SourceType) Valid() bool { return s < sourceTypeCount }

func (s SourceType) String() string {
	return enumName(uint8(s), "unknown", "local", "mesh_share", "transfer", "usb")
}

// ShareMethod is how a share reached its recipient.
type ShareMethod uint8

const (
	ShareMethodUnknown ShareMethod = iota
	ShareMethodMeshDirect
	ShareMethodMeshBroadcast
	ShareMethodWifiDirect
	ShareMethodBluetooth
	shareMethodCount
)

func (m ShareMethod) Valid() bool { return m < shareMethodCount }

func (m ShareMethod) String() string {
	return enumName(uint8(m), "unknown", "mesh_direct", "mesh_broadcast", "wifi_direct", "bluetooth")
}

// TransferMethod is the channel a file transfer used.
type TransferMethod uint8

const (
	TransferMethodUnknown TransferMethod = iota
	TransferMethodMesh
	TransferMethodWifiDirect
	TransferMethodBluetooth
	TransferMethodUSB
	transferMethodCount
)

func (m TransferMethod) Valid() bool { return m < transferMethodCount }

func (m TransferMethod) String() string {
	return enumName(uint8(m), "unknown", "mesh", "wifi_direct", "bluetooth", "usb")
}

// TransferStatus is shared by sharing and transfer records.
type TransferStatus uint8

const (
	StatusInitiated TransferStatus = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusCancelled
	transferStatusCount
)

func (s TransferStatus) Valid() bool { return s < transferStatusCount }

func (s TransferStatus) String() string {
	return enumName(uint8(s), "initiated", "in_progress", "completed", "failed", "cancelled")
}

// ShareContext is what prompted a share.
type ShareContext uint8

const (
	ShareContextUnknown ShareContext = iota
	ShareContextManual
	ShareContextNowPlaying
	ShareContextPlaylist
	ShareContextRecommendation
	shareContextCount
)

func (c ShareContext) Valid() bool { return c < shareContextCount }

func (c ShareContext) String() string {
	return enumName(uint8(c), "unknown", "manual", "now_playing", "playlist", "recommendation")
}

// TimeOfDay buckets the local hour of a playback.
type TimeOfDay uint8

const (
	TimeOfDayUnknown TimeOfDay = iota
	TimeOfDayMorning
	TimeOfDayAfternoon
	TimeOfDayEvening
	TimeOfDayNight
	timeOfDayCount
)

func (t TimeOfDay) Valid() bool { return t < timeOfDayCount }

func (t TimeOfDay) String() string {
	return enumName(uint8(t), "unknown", "morning", "afternoon", "evening", "night")
}

// TimeOfDayAt buckets the hour of t: 05-11 morning, 12-16 afternoon,
// 17-21 evening, otherwise night.
func TimeOfDayAt(t time.Time) TimeOfDay {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return TimeOfDayMorning
	case h >= 12 && h < 17:
		return TimeOfDayAfternoon
	case h >= 17 && h < 22:
		return TimeOfDayEvening
	default:
		return TimeOfDayNight
	}
}

// DayType buckets the day of week of a playback.
type DayType uint8

const (
	DayTypeUnknown DayType = iota
	DayTypeWeekday
	DayTypeWeekend
	dayTypeCount
)

func (d DayType) Valid() bool { return d < dayTypeCount }

func (d DayType) String() string {
	return enumName(uint8(d), "unknown", "weekday", "weekend")
}

// DayTypeAt returns the day type of t.
func DayTypeAt(t time.Time) DayType {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return DayTypeWeekend
	default:
		return DayTypeWeekday
	}
}

// PlaybackMode is the player's queue mode during the session.
type PlaybackMode uint8

const (
	PlaybackModeUnknown PlaybackMode = iota
	PlaybackModeSequential
	PlaybackModeShuffle
	PlaybackModeRepeatOne
	PlaybackModeRepeatAll
	playbackModeCount
)

func (m PlaybackMode) Valid() bool { return m < playbackModeCount }

func (m PlaybackMode) String() string {
	return enumName(uint8(m), "unknown", "sequential", "shuffle", "repeat_one", "repeat_all")
}

// AudioOutput is the output route used during playback.
type AudioOutput uint8

const (
	AudioOutputUnknown AudioOutput = iota
	AudioOutputSpeaker
	AudioOutputWired
	AudioOutputBluetooth
	audioOutputCount
)

func (o AudioOutput) Valid() bool { return o < audioOutputCount }

func (o AudioOutput) String() string {
	return enumName(uint8(o), "unknown", "speaker", "wired", "bluetooth")
}

func enumName(v uint8, names ...string) string {
	if int(v) < len(names) {
		return names[v]
	}
	return "invalid"
}
