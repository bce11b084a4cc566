package security

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadPolicy reads a role policy from a YAML file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if len(policy.Roles) == 0 {
		return nil, fmt.Errorf("policy file %s defines no roles", path)
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &policy, nil
}

// PolicyWatcher hot-reloads the role policy when its file changes. A reload
// that fails to parse or validate is logged and discarded; the previous
// policy stays active.
type PolicyWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchPolicy starts watching path and applies successfully loaded policies
// to the authorizer. Stop must be called to release the watcher.
func WatchPolicy(path string, auth *Authorizer) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy watcher: %w", err)
	}

	// Watch the directory, not the file: editors typically replace files via
	// rename, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch policy directory: %w", err)
	}

	pw := &PolicyWatcher{
		watcher: watcher,
		done:    make(chan struct{}),
	}

	go pw.run(path, auth)
	return pw, nil
}

func (pw *PolicyWatcher) run(path string, auth *Authorizer) {
	target := filepath.Clean(path)
	for {
		select {
		case <-pw.done:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			policy, err := LoadPolicy(path)
			if err != nil {
				log.Printf("security: policy reload failed, keeping previous policy: %v", err)
				continue
			}
			if err := auth.SetPolicy(policy); err != nil {
				log.Printf("security: policy rejected, keeping previous policy: %v", err)
				continue
			}
			log.Printf("security: reloaded role policy from %s", path)
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("security: policy watcher error: %v", err)
		}
	}
}

// Stop shuts down the watcher.
func (pw *PolicyWatcher) Stop() {
	close(pw.done)
	pw.watcher.Close()
}
