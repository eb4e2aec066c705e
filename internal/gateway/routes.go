package gateway

import (
	"path"
	"regexp"
	"strings"
)

// Kind is what a request asks the gateway to do.
type Kind int

const (
	// KindPassthrough is forwarded to the upstream metadata endpoint.
	KindPassthrough Kind = iota
	// KindRoleInfo is .../meta-data/iam/info.
	KindRoleInfo
	// KindRoleList is .../meta-data/iam/security-credentials/.
	KindRoleList
	// KindCredentials is .../meta-data/iam/security-credentials/{role}.
	KindCredentials
)

func (k Kind) String() string {
	switch k {
	case KindRoleInfo:
		return "role_info"
	case KindRoleList:
		return "role_list"
	case KindCredentials:
		return "credentials"
	default:
		return "passthrough"
	}
}

// IAMVersion is the first API version that has the iam/ subtree.
//
// Versions are compared as plain strings, so date-stamped versions order
// below "latest":
//
//	"1.0" < "2007-01-19" < "2014-11-05" < "latest"
const IAMVersion = "2012-01-12"

// SupportsIAM reports whether version is at or after IAMVersion.
func SupportsIAM(version string) bool {
	return version >= IAMVersion
}

// ProxyRequest is the per-request classification result.
type ProxyRequest struct {
	Kind          Kind
	Version       string
	Path          string
	Source        string
	RequestedRole string
}

type route struct {
	kind    Kind
	pattern *regexp.Regexp
}

// routes is checked in order; the first match wins.
var routes = []route{
	{KindRoleInfo, regexp.MustCompile(`^/[^/]+/meta-data/iam/info(?:/.*)?$`)},
	{KindRoleList, regexp.MustCompile(`^/[^/]+/meta-data/iam/security-credentials/?$`)},
	{KindCredentials, regexp.MustCompile(`^/[^/]+/meta-data/iam/security-credentials/([^/]+)(?:/.*)?$`)},
}

// Classify cleans p, then applies the version gate and the route table.
// The returned Path is the cleaned path; it is what passthrough forwards.
func Classify(p string) ProxyRequest {
	p = CleanPath(p)
	pr := ProxyRequest{Kind: KindPassthrough, Path: p, Version: apiVersion(p)}
	if !SupportsIAM(pr.Version) {
		return pr
	}
	for _, rt := range routes {
		m := rt.pattern.FindStringSubmatch(p)
		if m == nil {
			continue
		}
		pr.Kind = rt.kind
		if rt.kind == KindCredentials {
			pr.RequestedRole = m[1]
		}
		break
	}
	return pr
}

// CleanPath collapses repeated slashes and resolves dot segments. A trailing
// slash is kept since it separates a listing from a leaf.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	clean := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

// apiVersion returns the first path segment.
func apiVersion(p string) string {
	v, _, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	return v
}
