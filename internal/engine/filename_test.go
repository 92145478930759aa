package engine

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func respWithHeader(key, value string) *http.Response {
	h := http.Header{}
	if value != "" {
		h.Set(key, value)
	}

	return &http.Response{Header: h}
}

func TestDeriveFilename_PrefersExtendedContentDisposition(t *testing.T) {
	resp := respWithHeader("Content-Disposition", `attachment; filename="fallback.pdf"; filename*=UTF-8''r%C3%A9sum%C3%A9.pdf`)

	got := deriveFilename(resp, "https://example.com/files/report.pdf")
	assert.Equal(t, "résumé.pdf", got)
}

func TestDeriveFilename_FallsBackToPlainFilename(t *testing.T) {
	resp := respWithHeader("Content-Disposition", `attachment; filename="report.pdf"`)

	got := deriveFilename(resp, "https://example.com/files/other.pdf")
	assert.Equal(t, "report.pdf", got)
}

func TestDeriveFilename_FallsBackToURLSegment(t *testing.T) {
	resp := respWithHeader("Content-Disposition", "")

	got := deriveFilename(resp, "https://example.com/files/report.pdf?x=1")
	assert.Equal(t, "report.pdf", got)
}

func TestUniquifyFilename_KeepsNonExistentTarget(t *testing.T) {
	dir := t.TempDir()
	target := dir + "/report.pdf"

	got, err := uniquifyFilename(target)
	assert.NoError(t, err)
	assert.Equal(t, target, got, "non-existent target should be used as-is")
}
