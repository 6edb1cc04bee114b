package session

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	logx "wspbot/pkg/logx"
)

// credPath is the on-disk credential store for this instance. The browser
// engine keeps its profile (and the SingletonLock artifact) underneath it.
func credPath(authDir, instanceID string) string {
	if authDir == "" {
		authDir = "."
	}
	return filepath.Join(authDir, "session-"+instanceID)
}

// clearStaleLock removes the exclusive-lock artifact a crashed process can
// leave behind; a held lock is left alone.
func clearStaleLock(authDir, instanceID string, log logx.Logger) {
	p := filepath.Join(credPath(authDir, instanceID), "SingletonLock")
	if _, err := os.Lstat(p); err != nil {
		return
	}
	if err := os.Remove(p); err != nil {
		log.Warn("stale lock busy", logx.String("path", p), logx.Err(err))
		return
	}
	log.Info("stale lock removed", logx.String("path", p))
}

// wipeCredentials erases the instance's credential store. The next bring-up
// starts unauthenticated and issues a fresh challenge.
func wipeCredentials(authDir, instanceID string, log logx.Logger) {
	p := credPath(authDir, instanceID)
	if err := os.RemoveAll(p); err != nil {
		log.Error("credential wipe failed", logx.String("path", p), logx.Err(err))
		return
	}
	log.Info("credential store wiped", logx.String("path", p))
}

// killOrphanEngines best-effort kills engine processes whose command line
// references this instance's credential path. Scoping by path keeps sibling
// instances on the same host untouched.
func killOrphanEngines(ctx context.Context, authDir, instanceID string, log logx.Logger) {
	p := credPath(authDir, instanceID)
	// pkill exits 1 when nothing matched; that is the common case.
	if err := exec.CommandContext(ctx, "pkill", "-9", "-f", p).Run(); err == nil {
		log.Info("orphan engine processes killed", logx.String("match", p))
	}
}
