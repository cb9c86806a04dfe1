// Package config loads and validates the YAML configuration file that
// describes every virtual host, listener, and route this server runs.
// Once Load returns, the *Config value is never mutated again; Server only
// reads from it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level decoded document: an ordered list of server
// blocks, each possibly sharing a listening port with others (virtual
// hosting).
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig is one virtual host.
type ServerConfig struct {
	Host          string         `yaml:"host"`
	Ports         []int          `yaml:"ports"`
	ServerName    string         `yaml:"server_name"`
	DefaultServer bool           `yaml:"default_server"`
	ErrorPages    map[int]string `yaml:"error_pages"`
	MaxBodySize   int64          `yaml:"max_body_size"`
	Routes        []RouteConfig  `yaml:"routes"`
}

// RouteConfig is one path-prefix rule within a server block.
type RouteConfig struct {
	Path        string   `yaml:"path"`
	Methods     []string `yaml:"methods"`
	Redirect    string   `yaml:"redirect"`
	Root        string   `yaml:"root"`
	DefaultFile string   `yaml:"default_file"`
	CGIExt      string   `yaml:"cgi_ext"`
	Autoindex   bool     `yaml:"autoindex"`
	UploadDir   string   `yaml:"upload_dir"`
}

const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 8080
	DefaultServerName  = "_"
	DefaultMaxBodySize = 1 << 20 // 1 MiB
	DefaultRoutePath   = "/"
	DefaultRoot        = "./www"
	DefaultFile        = "index.html"
)

// CGIInterpreters maps a script extension to the interpreter invoked to run
// it. Populated here rather than per-route so config validation can reject
// a cgi_ext with no known interpreter (§11).
var CGIInterpreters = map[string]string{
	".py": "python3",
	".sh": "sh",
	".pl": "perl",
	".rb": "ruby",
}

// Load reads path, decodes it as YAML, fills defaults, and validates the
// result. The returned Config is ready for Router/Server consumption.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if s.Host == "" {
			s.Host = DefaultHost
		}
		if len(s.Ports) == 0 {
			s.Ports = []int{DefaultPort}
		}
		if s.ServerName == "" {
			s.ServerName = DefaultServerName
		}
		if s.MaxBodySize == 0 {
			s.MaxBodySize = DefaultMaxBodySize
		}
		if s.ErrorPages == nil {
			s.ErrorPages = make(map[int]string)
		}
		for j := range s.Routes {
			r := &s.Routes[j]
			if r.Path == "" {
				r.Path = DefaultRoutePath
			}
			if len(r.Methods) == 0 {
				r.Methods = []string{"GET"}
			}
			if r.Root == "" {
				r.Root = DefaultRoot
			}
			if r.DefaultFile == "" {
				r.DefaultFile = DefaultFile
			}
		}
	}
}
