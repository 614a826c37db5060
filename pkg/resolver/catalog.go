package resolver

import (
	"net/url"
	"regexp"
)

const (
	catalogPrefix   = "civ"
	catalogDownload = "https://civitai.com/api/download/models/"
)

var (
	// landing page: civitai.com/models/<id>[/slug], optionally under a locale or path prefix
	landingPattern  = regexp.MustCompile(`(?i)civitai\.com/(?:[^?#]*/)?models/(\d+)`)
	downloadPattern = regexp.MustCompile(`(?i)civitai\.com/api/download/models/(\d+)`)
	versionPattern  = regexp.MustCompile(`^\d+$`)
)

// CatalogRef identifies a model in the external catalog.
type CatalogRef struct {
	ID string
	// Direct is true when the link already is a direct-download URL.
	Direct bool
}

// ParseCatalogRef recognizes landing-page and direct-download catalog links.
// A modelVersionId query on a landing page names the downloadable file and
// takes precedence over the model id in the path.
func ParseCatalogRef(link string) (CatalogRef, bool) {
	if m := downloadPattern.FindStringSubmatch(link); m != nil {
		return CatalogRef{ID: m[1], Direct: true}, true
	}

	m := landingPattern.FindStringSubmatch(link)
	if m == nil {
		return CatalogRef{}, false
	}

	ref := CatalogRef{ID: m[1]}
	if u, err := url.Parse(link); err == nil {
		if v := u.Query().Get("modelVersionId"); versionPattern.MatchString(v) {
			ref.ID = v
		}
	}
	return ref, true
}

// Filename is the catalog-identity file name, shared by every link form.
func (c CatalogRef) Filename() string {
	return catalogPrefix + "-" + c.ID + Extension
}

// DownloadURL is the catalog's direct-download URL for the reference.
func (c CatalogRef) DownloadURL() string {
	return catalogDownload + c.ID
}

// DownloadURL returns the URL to transfer for link: landing pages are
// rewritten to the direct-download form, anything else is returned unchanged.
func DownloadURL(link string) string {
	ref, ok := ParseCatalogRef(link)
	if !ok || ref.Direct {
		return link
	}
	return ref.DownloadURL()
}
