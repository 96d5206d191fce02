package mapper

import (
	"os"
	"path/filepath"
)

// FindInstanceDir locates a bot's directory under a user's tree: either the
// legacy path {root}/{user}/{instanceId} or the pool path
// {root}/{user}/{pool}/bots/{instanceId}. First match wins.
func FindInstanceDir(root, userID, instanceID string) (string, bool) {
	legacy := filepath.Join(root, userID, instanceID)
	if hasConfig(legacy) {
		return legacy, true
	}

	entries, err := os.ReadDir(filepath.Join(root, userID))
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pooled := filepath.Join(root, userID, e.Name(), "bots", instanceID)
		if hasConfig(pooled) {
			return pooled, true
		}
	}
	return "", false
}

// FindInstanceDirAnyUser scans every user tree for the instance.
func FindInstanceDirAnyUser(root, instanceID string) (dir, userID string, ok bool) {
	users, err := os.ReadDir(root)
	if err != nil {
		return "", "", false
	}
	for _, u := range users {
		if !u.IsDir() {
			continue
		}
		if dir, found := FindInstanceDir(root, u.Name(), instanceID); found {
			return dir, u.Name(), true
		}
	}
	return "", "", false
}

func hasConfig(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "config.json"))
	return err == nil && !info.IsDir()
}
