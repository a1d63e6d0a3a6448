package session

import (
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
)

// Open returns the store selected by cfg.Backend.
func Open(cfg config.SessionConfig) (Store, error) {
	switch cfg.Backend {
	case config.SessionBackendSQLite:
		return NewSQLiteStore(cfg.DBPath)
	case config.SessionBackendFile, "":
		return NewFileStore(cfg.Dir)
	default:
		return nil, errors.New("unknown session backend %q", cfg.Backend)
	}
}
