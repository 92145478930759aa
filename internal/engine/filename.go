package engine

import (
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// deriveFilename implements spec.md §4.4.1 step 5: prefer the
// filename*=UTF-8'' extended parameter, then the plain filename parameter,
// then the last non-empty URL path segment. The result is NFC-normalized
// since filesystems (and comparisons against an existing file) expect a
// canonical form.
func deriveFilename(resp *http.Response, requestURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if name := filenameFromContentDisposition(cd); name != "" {
			return norm.NFC.String(name)
		}
	}

	return norm.NFC.String(filenameFromURL(requestURL))
}

func filenameFromContentDisposition(cd string) string {
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return extractQuoted(cd)
	}

	if star, ok := params["filename*"]; ok {
		if name := decodeExtValue(star); name != "" {
			return name
		}
	}

	if plain, ok := params["filename"]; ok {
		return plain
	}

	return ""
}

// decodeExtValue decodes an RFC 5987 extended value, e.g. "UTF-8''report%2Epdf".
func decodeExtValue(v string) string {
	parts := strings.SplitN(v, "'", 3)
	if len(parts) != 3 {
		return ""
	}

	decoded, err := url.QueryUnescape(parts[2])
	if err != nil {
		return ""
	}

	return decoded
}

// extractQuoted is a fallback for malformed Content-Disposition headers that
// mime.ParseMediaType rejects outright but still contain a quoted filename.
func extractQuoted(cd string) string {
	idx := strings.Index(cd, `filename="`)
	if idx < 0 {
		return ""
	}

	rest := cd[idx+len(`filename="`):]

	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}

	return rest[:end]
}

func filenameFromURL(requestURL string) string {
	u, err := url.Parse(requestURL)
	if err != nil {
		return "download"
	}

	segments := strings.Split(strings.TrimRight(u.Path, "/"), "/")

	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			return segments[i]
		}
	}

	return "download"
}

// uniquifyFilename appends " (n)" before the extension until target does not
// exist (spec.md §4.4.1 step 5).
func uniquifyFilename(target string) (string, error) {
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return target, nil
	} else if err != nil {
		return "", err
	}

	dir := filepath.Dir(target)
	ext := filepath.Ext(target)
	base := strings.TrimSuffix(filepath.Base(target), ext)

	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))

		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}

// lastURLSegment returns path.Base of requestURL (query string included),
// without the Content-Disposition preference chain.
func lastURLSegment(requestURL string) string {
	return path.Base(requestURL)
}
