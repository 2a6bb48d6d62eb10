package store

import (
	"fmt"

	"github.com/busybox42/aegis-overlay/pkg/crypto"
	"github.com/busybox42/aegis-overlay/pkg/protocol"
	"github.com/busybox42/aegis-overlay/pkg/types"
	"github.com/sirupsen/logrus"
)

// Store is a placement ledger: which keys this node agreed to hold and
// how many bytes they take. The bytes themselves live elsewhere.
type Store interface {
	Accept(key types.Key, size uint32) bool
	Contains(key types.Key) bool
	SizeOf(key types.Key) uint32
	Authorize(key types.Key, auth protocol.Auth) bool
	// Release forgets key and frees its bytes.
	Release(key types.Key) error
	Usage() (used, capacity uint64)
	Close() error
}

type Options struct {
	// Driver is "memory" or "sqlite".
	Driver   string
	Path     string
	Capacity uint64
	// RequireSignatures rejects Puts whose auth metadata does not verify.
	RequireSignatures bool
	Logger            *logrus.Entry
}

func Open(opts Options) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	switch opts.Driver {
	case "", "memory":
		return NewLocal(opts.Capacity, opts.RequireSignatures, opts.Logger), nil
	case "sqlite", "sqlite3":
		return OpenSQLite(opts.Path, opts.Capacity, opts.RequireSignatures, opts.Logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", opts.Driver)
	}
}

func authorize(required bool, key types.Key, auth protocol.Auth, log *logrus.Entry) bool {
	if !required {
		return true
	}
	if crypto.VerifyPut(key, auth) {
		return true
	}
	log.WithFields(logrus.Fields{
		"function": "Authorize",
		"key":      key.Short(),
		"owner":    auth.Owner,
	}).Debug("Rejecting put with invalid signature")
	return false
}
