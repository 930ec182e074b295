package music

// Device is a playback target registered with the user's account.
type Device struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	IsActive      bool   `json:"is_active"`
	VolumePercent int    `json:"volume_percent"`
}

// Artist is a track or album credit.
type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Album groups tracks under a release.
type Album struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Artists []Artist `json:"artists"`
}

// Track is a single playable item.
type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	DurationMs int      `json:"duration_ms"`
	Explicit   bool     `json:"explicit"`
	Artists    []Artist `json:"artists"`
	Album      Album    `json:"album"`
}

// PlaylistTrack is one entry in a playlist.
type PlaylistTrack struct {
	AddedAt string `json:"added_at"`
	Track   Track  `json:"track"`
}

// Playlist is a user-curated track collection.
type Playlist struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Public      bool   `json:"public"`
	Owner       struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"owner"`
	Tracks struct {
		Total int             `json:"total"`
		Items []PlaylistTrack `json:"items"`
	} `json:"tracks"`
}

// PlaybackState describes what is currently playing and where.
type PlaybackState struct {
	Device     Device `json:"device"`
	IsPlaying  bool   `json:"is_playing"`
	ProgressMs int    `json:"progress_ms"`
	Item       *Track `json:"item"`
}

// devicesResponse is the wire shape of the device list endpoint.
type devicesResponse struct {
	Devices []Device `json:"devices"`
}
