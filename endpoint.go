package kvs

import (
	"fmt"
	"log/slog"
	"strings"
)

// Endpoint selects a backend. Accepted forms:
//
//	memory, mem://
//	bolt://path/to/file.db, file://path/to/file.db
//	badger://path/to/dir, badger://   (in-memory Badger)
type Endpoint struct {
	Scheme string
	Path   string
}

func (ep Endpoint) String() string {
	return ep.Scheme + "://" + ep.Path
}

func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "memory" {
		return Endpoint{Scheme: "memory"}, nil
	}
	scheme, rest, ok := splitByte(s, ':')
	if !ok || !strings.HasPrefix(rest, "//") {
		return Endpoint{}, fmt.Errorf("kvs: invalid endpoint %q, wanted scheme://path", s)
	}
	path := rest[2:]
	switch strings.ToLower(scheme) {
	case "mem", "memory":
		if path != "" {
			return Endpoint{}, fmt.Errorf("kvs: memory endpoint %q takes no path", s)
		}
		return Endpoint{Scheme: "memory"}, nil
	case "bolt", "file":
		if path == "" {
			return Endpoint{}, fmt.Errorf("kvs: endpoint %q needs a file path", s)
		}
		return Endpoint{Scheme: "bolt", Path: path}, nil
	case "badger":
		return Endpoint{Scheme: "badger", Path: path}, nil
	default:
		return Endpoint{}, fmt.Errorf("kvs: unknown endpoint scheme %q", scheme)
	}
}

// OpenBackend opens the backend selected by ep.
func OpenBackend(ep Endpoint, bolt BoltOptions, badger BadgerOptions, logger *slog.Logger) (Backend, error) {
	switch ep.Scheme {
	case "memory":
		return NewMemoryBackend(), nil
	case "bolt":
		return OpenBoltBackend(ep.Path, bolt)
	case "badger":
		return OpenBadgerBackend(ep.Path, badger, logger)
	default:
		return nil, fmt.Errorf("kvs: unknown endpoint scheme %q", ep.Scheme)
	}
}
