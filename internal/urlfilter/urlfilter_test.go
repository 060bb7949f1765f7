package urlfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_DisabledIsPassthrough(t *testing.T) {
	t.Parallel()
	f := New(false, nil, nil)
	assert.True(t, f.Allow("https://anything.example/path"))
}

func TestFilter_EnabledEmptyListBlocksEverything(t *testing.T) {
	t.Parallel()
	f := New(true, nil, nil)
	assert.False(t, f.Allow("https://anything.example"))
}

func TestFilter_ExactHostMatch(t *testing.T) {
	t.Parallel()
	f := New(true, []string{"allowed.example"}, nil)
	assert.True(t, f.Allow("https://allowed.example/path"))
	assert.False(t, f.Allow("https://sub.allowed.example/path"))
	assert.False(t, f.Allow("https://notallowed.example"))
}

func TestFilter_HostMatchIsCaseInsensitive(t *testing.T) {
	t.Parallel()
	f := New(true, []string{"Allowed.Example"}, nil)
	assert.True(t, f.Allow("https://ALLOWED.EXAMPLE/path"))
}

func TestFilter_GlobPattern(t *testing.T) {
	t.Parallel()
	f := New(true, nil, []string{"*.allowed.example"})
	assert.True(t, f.Allow("https://sub.allowed.example"))
	assert.True(t, f.Allow("https://deep.sub.allowed.example"))
	assert.False(t, f.Allow("https://allowed.example"))
	assert.False(t, f.Allow("https://notallowed.example"))
}

func TestFilter_MalformedURLNeverPassesWhenEnabled(t *testing.T) {
	t.Parallel()
	f := New(true, []string{"allowed.example"}, nil)
	assert.False(t, f.Allow("::not a url::"))
	assert.False(t, f.Allow(""))
}

func TestFilter_GlobMiddleWildcard(t *testing.T) {
	t.Parallel()
	f := New(true, nil, []string{"a*c.example"})
	assert.True(t, f.Allow("https://abc.example"))
	assert.True(t, f.Allow("https://azzzc.example"))
	assert.False(t, f.Allow("https://ab.example"))
}
