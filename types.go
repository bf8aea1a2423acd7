package ari

// CallerID identifies the party on one end of a channel.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// ChannelData is the server-reported snapshot of a channel.
type ChannelData struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	State        string   `json:"state"`
	Caller       CallerID `json:"caller"`
	Connected    CallerID `json:"connected"`
	AccountCode  string   `json:"accountcode"`
	CreationTime string   `json:"creationtime"`
}

// PlaybackData is the server-reported snapshot of a playback.
type PlaybackData struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	Language  string `json:"language"`
	State     string `json:"state"`
}

// ApplicationData describes a registered application on the server.
type ApplicationData struct {
	Name       string   `json:"name"`
	ChannelIDs []string `json:"channel_ids"`
}
