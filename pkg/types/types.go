package types

import (
	"path"
	"strings"
	"time"
)

// MediaType classifies an entry for scheduling and navigation.
type MediaType int

const (
	MediaOther MediaType = iota
	MediaImage
	MediaVideo
	MediaAudio
)

// String returns the lowercase name of the media type.
func (m MediaType) String() string {
	switch m {
	case MediaImage:
		return "image"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return "other"
	}
}

// ParseMediaType is the inverse of MediaType.String. Unknown names map to MediaOther.
func ParseMediaType(s string) MediaType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image":
		return MediaImage
	case "video":
		return MediaVideo
	case "audio":
		return MediaAudio
	default:
		return MediaOther
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m MediaType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MediaType) UnmarshalText(text []byte) error {
	*m = ParseMediaType(string(text))
	return nil
}

var mediaExtensions = map[string]MediaType{
	".jpg": MediaImage, ".jpeg": MediaImage, ".png": MediaImage, ".gif": MediaImage,
	".webp": MediaImage, ".bmp": MediaImage, ".tif": MediaImage, ".tiff": MediaImage,
	".heic": MediaImage, ".heif": MediaImage, ".avif": MediaImage,
	".mp4": MediaVideo, ".m4v": MediaVideo, ".mov": MediaVideo, ".mkv": MediaVideo,
	".webm": MediaVideo, ".avi": MediaVideo, ".mpg": MediaVideo, ".mpeg": MediaVideo,
	".mp3": MediaAudio, ".m4a": MediaAudio, ".flac": MediaAudio, ".wav": MediaAudio,
	".ogg": MediaAudio, ".opus": MediaAudio, ".aac": MediaAudio,
}

// MediaTypeFromName classifies a file by its extension.
func MediaTypeFromName(name string) MediaType {
	if mt, ok := mediaExtensions[strings.ToLower(path.Ext(name))]; ok {
		return mt
	}
	return MediaOther
}

// EntryKind distinguishes files from directories in a listing.
type EntryKind string

const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "directory"
)

// Entry is a single item returned by a Source listing.
type Entry struct {
	Name       string    `json:"name"`
	Kind       EntryKind `json:"kind"`
	Path       string    `json:"path"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	MediaType  MediaType `json:"media_type"`
}

// Identity returns the content identity of the entry. The slash-separated path
// is used as the name so equally named files in different directories differ.
func (e Entry) Identity() Identity {
	name := e.Path
	if name == "" {
		name = e.Name
	}
	var mtime int64
	if !e.ModifiedAt.IsZero() {
		mtime = e.ModifiedAt.UnixMilli()
	}
	return ComputeIdentity(name, mtime, e.Size)
}

// Listing is the result of enumerating one directory.
type Listing struct {
	Directory      string  `json:"directory"`
	Subdirectories []Entry `json:"subdirectories"`
	MediaEntries   []Entry `json:"media_entries"`
}

// StoredAsset is a row of the persistent asset table.
type StoredAsset struct {
	Identity       Identity  `json:"identity"`
	Data           []byte    `json:"-"`
	MimeType       string    `json:"mime_type"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
}

// ThumbnailAsset describes a persisted thumbnail proxy. Ref addresses the
// thumbnail bytes in the blob area.
type ThumbnailAsset struct {
	Identity  Identity  `json:"identity"`
	Ref       string    `json:"ref"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Quality   int       `json:"quality"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// TypeStats aggregates stored items of one MIME category.
type TypeStats struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// StoreStats is the administration view of the persistent store.
type StoreStats struct {
	ItemCount  int                  `json:"item_count"`
	TotalBytes int64                `json:"total_bytes"`
	ByType     map[string]TypeStats `json:"by_type"`
	Thumbnails int                  `json:"thumbnails"`
	MaxItems   int                  `json:"max_items"`
	MaxBytes   int64                `json:"max_bytes"`
}

// CacheStats represents in-memory cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// HandleStats summarises the display handle pool.
type HandleStats struct {
	Live      int    `json:"live"`
	Pending   int    `json:"pending"`
	Created   uint64 `json:"created"`
	Revoked   uint64 `json:"revoked"`
	Reacquire uint64 `json:"reacquired_in_grace"`
}
