package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/highdesert/meshlink/internal/types"
)

// DeviceTree is the isolated record subtree owned by one bridge instance.
// No other process writes under it.
type DeviceTree struct {
	Root string
	UID  string
}

// NewDeviceTree returns the tree for a device under the nodes base dir.
func NewDeviceTree(nodesBase, deviceUID string) DeviceTree {
	return DeviceTree{Root: filepath.Join(nodesBase, deviceUID), UID: deviceUID}
}

// NodesPath is the peer registry file.
func (t DeviceTree) NodesPath() string { return filepath.Join(t.Root, "nodes.csv") }

// SightingsPath is the telemetry sighting log.
func (t DeviceTree) SightingsPath() string { return filepath.Join(t.Root, "sightings.csv") }

// ChannelsDir holds one thread file per channel.
func (t DeviceTree) ChannelsDir() string { return filepath.Join(t.Root, "threads", "channels") }

// DMsDir holds one thread file per peer.
func (t DeviceTree) DMsDir() string { return filepath.Join(t.Root, "threads", "dms") }

// ThreadPath maps a thread to its record file.
func (t DeviceTree) ThreadPath(threadType types.ThreadType, threadKey string) string {
	dir := t.ChannelsDir()
	if threadType == types.ThreadDM {
		dir = t.DMsDir()
	}
	return filepath.Join(dir, SanitizeName(threadKey)+".csv")
}

// ThreadFiles lists every thread file in the tree, channels first, each
// group in name order so scans are deterministic.
func (t DeviceTree) ThreadFiles() ([]string, error) {
	var files []string
	for _, dir := range []string{t.ChannelsDir(), t.DMsDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var names []string
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			files = append(files, filepath.Join(dir, name))
		}
	}
	return files, nil
}

// ThreadTypeForPath recovers the thread type from a file's location.
func (t DeviceTree) ThreadTypeForPath(path string) types.ThreadType {
	if strings.HasPrefix(path, t.DMsDir()+string(os.PathSeparator)) {
		return types.ThreadDM
	}
	return types.ThreadChannel
}

// Init creates the tree directories and the fixed record files.
func (t DeviceTree) Init(s *Store) error {
	for _, dir := range []string{t.ChannelsDir(), t.DMsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := s.Ensure(t.NodesPath(), NodesSchema); err != nil {
		return err
	}
	return s.Ensure(t.SightingsPath(), SightingsSchema)
}

// DeviceTrees lists every device subtree under the nodes base.
func DeviceTrees(nodesBase string) ([]DeviceTree, error) {
	entries, err := os.ReadDir(nodesBase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var trees []DeviceTree
	for _, entry := range entries {
		if entry.IsDir() {
			trees = append(trees, NewDeviceTree(nodesBase, entry.Name()))
		}
	}
	sort.Slice(trees, func(i, j int) bool { return trees[i].UID < trees[j].UID })
	return trees, nil
}

// InvocationsPath is the top-level inference audit registry, shared by
// all devices.
func InvocationsPath(dataRoot string) string {
	return filepath.Join(dataRoot, "invocations.csv")
}

// SanitizeName maps an arbitrary key to a safe lowercase filename stem.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	safe := b.String()
	for strings.Contains(safe, "__") {
		safe = strings.ReplaceAll(safe, "__", "_")
	}
	safe = strings.Trim(safe, "_")
	if safe == "" {
		return "unnamed"
	}
	return safe
}
