package dataset

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns the shard TAR files beneath root in lexical order.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// DiscoverSplits scans the root of every named split. A split whose root
// yields no shards is an error.
func DiscoverSplits(roots map[string]string) (map[string][]string, error) {
	result := make(map[string][]string, len(roots))
	for split, root := range roots {
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, fmt.Errorf("%s split: %w", split, err)
		}
		if len(shards) == 0 {
			return nil, fmt.Errorf("%s split: no shards under %s", split, root)
		}
		result[split] = shards
	}
	return result, nil
}
