package playwright

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginPage = `<html>
<head>
  <title>Example Store</title>
  <meta name="description" content="Things for sale">
  <script>track()</script>
  <style>body { color: red }</style>
</head>
<body>
  <header><nav><a href="/cart" id="cart-link">Cart</a></nav></header>
  <main>
    <h1>Welcome</h1>
    <!-- promo -->
    <form action="/login" method="post">
      <input type="text" name="username" placeholder="Username">
      <input type="hidden" name="csrf" value="abc">
      <button type="submit" aria-label="Sign in">Log in</button>
    </form>
    <div role="button" data-testid="accept-cookies">Accept all</div>
  </main>
</body>
</html>`

func TestOutlinePage(t *testing.T) {
	outline, err := outlinePage(loginPage, 10000)
	require.NoError(t, err)

	assert.Equal(t, "Example Store", outline.Title)
	assert.Equal(t, "Things for sale", outline.Description)
	assert.False(t, outline.Truncated)

	assert.Contains(t, outline.Markup, `<a href="/cart" id="cart-link">Cart</a>`)
	assert.Contains(t, outline.Markup, "Welcome")
	assert.NotContains(t, outline.Markup, "track()")
	assert.NotContains(t, outline.Markup, "color: red")
	assert.NotContains(t, outline.Markup, "promo")
	assert.NotContains(t, outline.Markup, `method=`)

	selectors := map[string]string{}
	for _, el := range outline.Elements {
		selectors[el.Text] = el.Selector
	}

	assert.Equal(t, "#cart-link", selectors["Cart"])
	assert.Equal(t, `input[name="username"]`, selectors["Username"])
	assert.Equal(t, `button[aria-label="Sign in"]`, selectors["Log in"])
	assert.Equal(t, `[data-testid="accept-cookies"]`, selectors["Accept all"])
	assert.Len(t, outline.Elements, 4, "hidden inputs are not interactive")
}

func TestOutlinePageElementKinds(t *testing.T) {
	outline, err := outlinePage(loginPage, 10000)
	require.NoError(t, err)

	kinds := map[string]int{}
	for _, el := range outline.Elements {
		kinds[el.Kind]++
	}
	assert.Equal(t, 1, kinds["link"])
	assert.Equal(t, 1, kinds["input"])
	assert.Equal(t, 2, kinds["button"])
}

func TestOutlinePageTruncates(t *testing.T) {
	body := "<html><body>" + strings.Repeat("<p>lorem ipsum dolor</p>", 200) + "</body></html>"

	outline, err := outlinePage(body, 200)
	require.NoError(t, err)
	assert.True(t, outline.Truncated)
	assert.LessOrEqual(t, len(outline.Markup), 200)
}

func TestSelectorFallsBackToText(t *testing.T) {
	outline, err := outlinePage(`<html><body><button>Continue</button><a href="/x"></a></body></html>`, 0)
	require.NoError(t, err)
	require.Len(t, outline.Elements, 2)
	assert.Equal(t, `button:has-text("Continue")`, outline.Elements[0].Selector)
	assert.Equal(t, "a", outline.Elements[1].Selector)
}

func TestCollapseLines(t *testing.T) {
	assert.Equal(t, "one\ntwo", collapseLines("  one  \n\n\n two\n  "))
}

func TestOutlinePageTruncatesOnCharacterBoundary(t *testing.T) {
	body := "<html><body>" + strings.Repeat("<p>日本語のテキスト</p>", 100) + "</body></html>"

	outline, err := outlinePage(body, 101)
	require.NoError(t, err)
	assert.True(t, outline.Truncated)
	assert.LessOrEqual(t, len(outline.Markup), 101)
	assert.True(t, utf8.ValidString(outline.Markup))
}

func TestCutUTF8(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
		{"日本", 4, "日"},
		{"日本", 2, ""},
	}
	for _, tt := range tests {
		got := cutUTF8(tt.in, tt.n)
		assert.Equal(t, tt.want, got, "cutUTF8(%q, %d)", tt.in, tt.n)
		assert.True(t, utf8.ValidString(got))
	}
}
