// Package mock serves a fixed instance-metadata tree for local testing.
//
// The tree lives in catalog.yaml. Directories answer with a newline-separated
// listing (subdirectories carry a trailing slash) and redirect to their
// slash form; leaves answer with their value as text/plain.
package mock

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/majorcontext/metaproxy/internal/log"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"
)

//go:embed catalog.yaml
var catalogYAML []byte

const timeFormat = "2006-01-02T15:04:05Z"

// Options customizes the catalog.
type Options struct {
	// InstanceID replaces the catalog's instance-id, e.g. "i-0abc".
	InstanceID string
	// Region is reported by placement/region and the identity document.
	Region string
	// Clock defaults to the real clock.
	Clock clock.PassiveClock
}

type node struct {
	value    string
	children map[string]*node
	// generate, when set, produces the leaf body per request.
	generate func() (contentType string, body []byte)
}

func (n *node) isDir() bool { return n.children != nil }

// Catalog is an http.Handler for the static tree.
type Catalog struct {
	root       *node
	instanceID string
	region     string
	clock      clock.PassiveClock
}

// New parses the embedded catalog.
func New(opts Options) (*Catalog, error) {
	return Parse(catalogYAML, opts)
}

// Parse builds a Catalog from YAML.
func Parse(data []byte, opts Options) (*Catalog, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	root, err := build(raw)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	c := &Catalog{root: root, instanceID: opts.InstanceID, region: opts.Region, clock: opts.Clock}
	if c.instanceID == "" {
		if n := c.lookup("meta-data/instance-id"); n != nil {
			c.instanceID = n.value
		}
	}
	if c.region == "" {
		c.region = "us-east-1"
	}
	c.set("meta-data/instance-id", c.instanceID)
	c.set("meta-data/placement/region", c.region)
	if n := c.lookup("dynamic/instance-identity/document"); n != nil && !n.isDir() {
		n.generate = c.identityDocument
	}
	return c, nil
}

func build(raw map[string]any) (*node, error) {
	n := &node{children: make(map[string]*node, len(raw))}
	for key, v := range raw {
		switch val := v.(type) {
		case map[string]any:
			child, err := build(val)
			if err != nil {
				return nil, err
			}
			n.children[key] = child
		case nil:
			n.children[key] = &node{}
		case string, int, float64, bool:
			n.children[key] = &node{value: fmt.Sprint(val)}
		default:
			return nil, fmt.Errorf("catalog entry %q: unsupported value %T", key, v)
		}
	}
	return n, nil
}

func (c *Catalog) lookup(path string) *node {
	n := c.root
	if path == "" {
		return n
	}
	for _, seg := range strings.Split(path, "/") {
		if !n.isDir() {
			return nil
		}
		next, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = next
	}
	return n
}

func (c *Catalog) set(path, value string) {
	if n := c.lookup(path); n != nil && !n.isDir() {
		n.value = value
	}
}

// ServeHTTP implements http.Handler.
func (c *Catalog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if trimmed == "" {
		writeText(w, "latest")
		return
	}
	_, rest, hasSlash := strings.Cut(trimmed, "/")
	if !hasSlash {
		// "/latest" -> "/latest/"
		http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
		return
	}

	trailing := strings.HasSuffix(rest, "/")
	n := c.lookup(strings.TrimSuffix(rest, "/"))
	switch {
	case n == nil:
		http.NotFound(w, r)
	case n.isDir() && !trailing && rest != "":
		http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
	case n.isDir():
		writeText(w, listing(n, rest == ""))
	case trailing:
		http.NotFound(w, r)
	case n.generate != nil:
		ct, body := n.generate()
		w.Header().Set("Content-Type", ct)
		_, _ = w.Write(body)
	default:
		writeText(w, n.value)
	}
}

func listing(n *node, top bool) string {
	names := make([]string, 0, len(n.children))
	for name, child := range n.children {
		if child.isDir() && !top {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}

func (c *Catalog) identityDocument() (string, []byte) {
	doc := map[string]any{
		"privateIp":          "127.255.0.1",
		"devpayProductCodes": nil,
		"availabilityZone":   c.region + "a",
		"version":            "2010-08-31",
		"accountId":          "123456789012",
		"instanceId":         c.instanceID,
		"billingProducts":    nil,
		"instanceType":       "t2.medium",
		"pendingTime":        c.clock.Now().UTC().Format(timeFormat),
		"imageId":            "ami-mockedami",
		"kernelId":           nil,
		"ramdiskId":          nil,
		"architecture":       "x86_64",
		"region":             c.region,
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.Error("encoding identity document", "subsystem", "mock", "error", err)
		return "text/plain", nil
	}
	return "application/json", body
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s))
}
