package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeIdentity(t *testing.T) {
	t.Parallel()

	base := ComputeIdentity("a.jpg", 1000, 500000)
	assert.Equal(t, "a.jpg:1000:500000", base.String())
	assert.Equal(t, base, ComputeIdentity("a.jpg", 1000, 500000), "same inputs must give equal identities")

	tests := []struct {
		name string
		id   Identity
	}{
		{"name changed", ComputeIdentity("b.jpg", 1000, 500000)},
		{"mtime changed", ComputeIdentity("a.jpg", 1001, 500000)},
		{"size changed", ComputeIdentity("a.jpg", 1000, 500001)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, tt.id)
			assert.NotEqual(t, base.String(), tt.id.String())
		})
	}
}

func TestIdentityDerived(t *testing.T) {
	t.Parallel()

	id := ComputeIdentity("dir/a.jpg", 1, 2)
	thumb := id.Derived(DerivedThumbnail)

	assert.NotEqual(t, id, thumb)
	assert.True(t, thumb.IsDerived())
	assert.False(t, id.IsDerived())
	assert.Equal(t, id, thumb.Source())
	assert.Equal(t, thumb, thumb.Derived(DerivedThumbnail), "deriving twice is idempotent")
	assert.Equal(t, "dir/a.jpg:1:2|thumb", thumb.String())
}

func TestParseIdentity(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		for _, id := range []Identity{
			ComputeIdentity("a.jpg", 1000, 500000),
			ComputeIdentity("x:y:z.png", -5, 0),
			ComputeIdentity("a.jpg", 1, 2).Derived(DerivedThumbnail),
			ComputeIdentity("thumb|beach.jpg", 1, 2),
			ComputeIdentity("thumb|beach.jpg", 1, 2).Derived(DerivedThumbnail),
			ComputeIdentity("trips/a.jpg|thumb", 3, 4),
		} {
			parsed, err := ParseIdentity(id.String())
			require.NoError(t, err)
			assert.Equal(t, id, parsed)
		}
	})

	t.Run("names that look derived stay originals", func(t *testing.T) {
		for _, name := range []string{"thumb|beach.jpg", "trips/a.jpg|thumb"} {
			parsed, err := ParseIdentity(ComputeIdentity(name, 1, 2).String())
			require.NoError(t, err)
			assert.False(t, parsed.IsDerived(), name)
			assert.Equal(t, ComputeIdentity(name, 1, 2), parsed)
		}
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		for _, s := range []string{"", "a.jpg", "a.jpg:1", "a.jpg:x:1", "a.jpg:1:y", ":1:2x"} {
			_, err := ParseIdentity(s)
			assert.Error(t, err, "input %q", s)
		}
	})
}

func TestIdentityJSON(t *testing.T) {
	t.Parallel()

	in := struct {
		ID Identity `json:"id"`
	}{ID: ComputeIdentity("clip.mp4", 42, 7)}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"clip.mp4:42:7"}`, string(data))

	var out struct {
		ID Identity `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.ID, out.ID)
}

func TestEntryIdentity(t *testing.T) {
	t.Parallel()

	mod := time.UnixMilli(1700000000123)
	a := Entry{Name: "a.jpg", Path: "2024/a.jpg", Size: 10, ModifiedAt: mod}
	b := Entry{Name: "a.jpg", Path: "2025/a.jpg", Size: 10, ModifiedAt: mod}

	assert.Equal(t, "2024/a.jpg:1700000000123:10", a.Identity().String())
	assert.NotEqual(t, a.Identity(), b.Identity(), "same name in different directories must not collide")
}

func TestMediaTypeFromName(t *testing.T) {
	t.Parallel()

	tests := map[string]MediaType{
		"IMG_0001.JPG": MediaImage,
		"pic.webp":     MediaImage,
		"clip.MOV":     MediaVideo,
		"song.flac":    MediaAudio,
		"notes.txt":    MediaOther,
		"noext":        MediaOther,
	}
	for name, want := range tests {
		assert.Equal(t, want, MediaTypeFromName(name), name)
	}
	assert.Equal(t, MediaVideo, ParseMediaType(MediaVideo.String()))
}
