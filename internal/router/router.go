// Package router resolves a (host, path) pair to the configured route that
// should handle it: virtual-host selection by Host header, then
// longest-prefix matching among that host's routes.
package router

import (
	"errors"
	"sort"
	"strings"

	"github.com/webservd/webservd/internal/config"
)

var (
	ErrNotFound         = errors.New("no matching route")
	ErrMethodNotAllowed = errors.New("method not allowed for route")
)

// Router holds the resolved vhost and route tables built from a Config.
type Router struct {
	// servers is every configured server block in config order, searched
	// by server_name for Host-header resolution.
	servers     []config.ServerConfig
	defaultIdx  int
	routesByKey map[string][]config.RouteConfig // key: serverName, sorted longest-prefix-first
}

func New(cfg *config.Config) *Router {
	r := &Router{
		servers:     cfg.Servers,
		defaultIdx:  -1,
		routesByKey: make(map[string][]config.RouteConfig),
	}
	for i, s := range cfg.Servers {
		if s.DefaultServer && r.defaultIdx == -1 {
			r.defaultIdx = i
		}
		routes := append([]config.RouteConfig(nil), s.Routes...)
		sort.SliceStable(routes, func(a, b int) bool {
			return len(routes[a].Path) > len(routes[b].Path)
		})
		r.routesByKey[s.ServerName] = routes
	}
	if r.defaultIdx == -1 && len(r.servers) > 0 {
		r.defaultIdx = 0
	}
	return r
}

// ResolveServer finds the virtual host for a request's Host header, per
// §4.3: exact server_name match, else the first server flagged
// default_server, else the first configured server.
func (r *Router) ResolveServer(hostHeader string) *config.ServerConfig {
	name := stripPort(hostHeader)
	for i, s := range r.servers {
		if s.ServerName == name {
			return &r.servers[i]
		}
	}
	if r.defaultIdx >= 0 {
		return &r.servers[r.defaultIdx]
	}
	return nil
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// Resolve finds the longest route prefix of path within server's route
// table and verifies method is permitted.
func (r *Router) Resolve(server *config.ServerConfig, path, method string) (*config.RouteConfig, error) {
	routes := r.routesByKey[server.ServerName]
	for i := range routes {
		rt := &routes[i]
		if path == rt.Path || strings.HasPrefix(path, rt.Path) {
			if len(rt.Methods) > 0 && !contains(rt.Methods, method) {
				return nil, ErrMethodNotAllowed
			}
			return rt, nil
		}
	}
	return nil, ErrNotFound
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
