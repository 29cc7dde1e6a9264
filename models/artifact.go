package models

import "time"

const (
	ArtifactKindImage = "image"
	ArtifactKindVideo = "video"
	ArtifactKindAudio = "audio"
)

// Artifact records where a generated output landed in object storage, with
// enough integrity data to detect a truncated upload. It is embedded in the
// task rows; a retry discards the previous attempt's artifact.
type Artifact struct {
	Kind      string    `json:"kind,omitempty"`
	ObjectKey string    `json:"objectKey,omitempty"`
	URL       string    `json:"url,omitempty"`
	SHA256    string    `json:"sha256,omitempty"`
	Size      int64     `json:"size,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

func (a Artifact) IsZero() bool {
	return a.ObjectKey == ""
}
