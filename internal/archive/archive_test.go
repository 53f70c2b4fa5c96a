package archive

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsChallengeURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://challenges.cloudflare.com/turnstile/v0/api.js", true},
		{"https://example.com/cdn-cgi/challenge-platform/h/b/orchestrate", true},
		{"https://example.com/?__cf-challenge=1", true},
		{"https://example.com/login", false},
		{"https://cloudflare.com/", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, IsChallengeURL(tt.url))
		})
	}
}

func TestSameSite(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical host", "saewar.com", "saewar.com", true},
		{"www variant", "saewar.com", "www.saewar.com", true},
		{"subdomain to apex", "login.saewar.com", "saewar.com", true},
		{"different domain", "saewar.com", "parking-lander.example", false},
		{"shared suffix only", "a.co.uk", "b.co.uk", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sameSite(tt.a, tt.b))
		})
	}
}

func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		img.Set(x, 0, color.RGBA{R: uint8(x % 256), A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestThumbnail(t *testing.T) {
	t.Run("wide screenshot is scaled down", func(t *testing.T) {
		out, err := Thumbnail(testPNG(t, 1920, 4000))
		require.NoError(t, err)

		img, err := png.Decode(bytes.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, ThumbnailWidth, img.Bounds().Dx())
		assert.Equal(t, 4000*ThumbnailWidth/1920, img.Bounds().Dy())
	})

	t.Run("small image passes through", func(t *testing.T) {
		in := testPNG(t, 200, 100)
		out, err := Thumbnail(in)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("garbage input errors", func(t *testing.T) {
		_, err := Thumbnail([]byte("not a png"))
		assert.Error(t, err)
	})
}
