package snapshot

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"github.com/chazu/rcore/vm"
)

// WriteFile captures env and writes the image to path while holding an
// exclusive lock on path+".lock".
func WriteFile(path string, env *vm.Environment) (*Image, error) {
	img := Capture(env)
	data, err := img.Marshal()
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal image: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("snapshot: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	log.Infof("wrote %d bindings to %s", len(img.Bindings), path)
	return img, nil
}

// ReadFile reads the image at path under a shared lock and restores it
// into env.
func ReadFile(path string, env *vm.Environment) (*Image, error) {
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("snapshot: lock %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	return Decode(data, env)
}
