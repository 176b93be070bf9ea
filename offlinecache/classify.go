package offlinecache

import (
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// Class is the resource class of an intercepted request. Each class has its
// own bucket.
type Class string

const (
	ClassStatic  Class = "static"
	ClassDynamic Class = "dynamic"
	ClassAPI     Class = "api"
	ClassImage   Class = "images"
)

// Strategy is how a request is mediated between network and cache.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Route is the outcome of classification.
type Route struct {
	Class    Class
	Strategy Strategy
}

// StaticAssets is the precache manifest.
var StaticAssets = []string{
	"/",
	"/manifest.json",
	"/icon-192.png",
	"/icon-512.png",
	"/favicon.ico",
	"/offline.html",
}

// APIPrefix is the path namespace routed to the API class.
const APIPrefix = "/api/"

var (
	staticExt = regexp.MustCompile(`\.(css|js|woff2?|ttf|eot)$`)
	imageExt  = regexp.MustCompile(`\.(png|jpg|jpeg|gif|svg|webp|ico)$`)
)

// Classify routes r, whose URL must be absolute, relative to the serving
// origin host. The first matching rule wins.
func Classify(r *http.Request, originHost string) Route {
	u := r.URL
	switch {
	case isStatic(u):
		return Route{ClassStatic, CacheFirst}
	case strings.HasPrefix(u.Path, APIPrefix) || u.Hostname() != originHost:
		return Route{ClassAPI, NetworkFirst}
	case isImage(u):
		return Route{ClassImage, CacheFirst}
	case isNavigation(r):
		return Route{ClassDynamic, StaleWhileRevalidate}
	default:
		return Route{ClassDynamic, NetworkFirst}
	}
}

func isStatic(u *url.URL) bool {
	return slices.Contains(StaticAssets, u.Path) || staticExt.MatchString(u.Path)
}

func isImage(u *url.URL) bool {
	return imageExt.MatchString(u.Path)
}

// isNavigation reports whether r loads a full page.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// intercepted reports whether the engine mediates r at all. Everything else
// goes straight to the network.
func intercepted(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	return r.URL.Scheme == "http" || r.URL.Scheme == "https"
}
