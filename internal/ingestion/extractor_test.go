package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raghub/backend/pkg/apperr"
)

func TestSupportedMime(t *testing.T) {
	assert.True(t, SupportedMime("text/plain"))
	assert.True(t, SupportedMime("Text/HTML"))
	assert.True(t, SupportedMime("text/markdown; charset=utf-8"))
	assert.True(t, SupportedMime("application/pdf"))
	assert.False(t, SupportedMime("application/zip"))
	assert.False(t, SupportedMime(""))
}

func TestExtractPlainText(t *testing.T) {
	pages, err := Extract("text/plain", []byte("hello   world\r\n\n\n\nsecond   paragraph"))
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, 1, pages[0].Page)
	assert.Equal(t, "hello world\n\nsecond paragraph", pages[0].Text)
}

func TestExtractRejectsUnknownMime(t *testing.T) {
	_, err := Extract("application/zip", []byte("PK"))
	assert.True(t, apperr.IsCode(err, apperr.CodeMimeNotAllowed))
}

func TestExtractEmptyContent(t *testing.T) {
	_, err := Extract("text/plain", []byte("   \n\t  \n"))
	assert.True(t, apperr.IsCode(err, apperr.CodeEmptyContent))

	_, err = Extract("text/plain", nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeEmptyContent))
}

func TestExtractHTML(t *testing.T) {
	html := `<html><head><style>body{color:red}</style></head><body>
		<nav>site nav</nav>
		<h1>Refund Policy</h1>
		<p>Refunds are processed within thirty days.</p>
		<h2>Exceptions</h2>
		<ul><li>Digital goods</li><li>Gift cards</li></ul>
		<script>alert("x")</script>
		<footer>copyright</footer>
	</body></html>`

	pages, err := Extract("text/html", []byte(html))
	require.NoError(t, err)
	require.Len(t, pages, 1)

	text := pages[0].Text
	assert.Contains(t, text, "# Refund Policy")
	assert.Contains(t, text, "## Exceptions")
	assert.Contains(t, text, "Refunds are processed within thirty days.")
	assert.Contains(t, text, "Digital goods")
	assert.NotContains(t, text, "site nav")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "copyright")
	assert.NotContains(t, text, "color:red")
}

func TestExtractHTMLBodyFallback(t *testing.T) {
	pages, err := Extract("text/html", []byte(`<html><body>bare text only</body></html>`))
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "bare text only", pages[0].Text)
}

func TestExtractBrokenPDF(t *testing.T) {
	_, err := Extract("application/pdf", []byte("%PDF-1.4 truncated garbage"))
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeIngestFailed))
}
