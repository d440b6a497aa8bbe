// Package identity provides the session identifier attached to heartbeats
// and disconnect notices, so the relay can correlate them to one client.
package identity

import (
	"os"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// New returns a fresh session identifier. The identifier stays fixed for the
// life of a client instance, across reconnects.
func New() string {
	return uuid.New().String()
}

// Load returns the identifier stored at path, creating and persisting a new
// one when the file is missing or does not hold a valid identifier. Kiosk
// hosts use this to keep a stable identity across process restarts; failure
// to persist is logged but still yields a usable identifier.
func Load(path string) string {

	b, err := os.ReadFile(path)
	if err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(b))); err == nil {
			return id.String()
		}
		log.WithField("path", path).Warn("ignoring invalid stored session identifier")
	}

	id := New()

	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		log.WithFields(log.Fields{"path": path, "error": err}).Warn("could not persist session identifier")
	}

	return id
}
